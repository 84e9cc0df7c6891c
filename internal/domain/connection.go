package domain

import "time"

// Status is the coarse health of push delivery.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusDegraded   Status = "degraded"
	StatusOffline    Status = "offline"
)

// Strategy is the data path currently feeding the dispatcher.
type Strategy string

const (
	StrategyPush      Strategy = "push"
	StrategyPolling   Strategy = "polling"
	StrategyCacheOnly Strategy = "cacheOnly"
)

// ConnectionState is a read snapshot of the connection manager.
type ConnectionState struct {
	Status                  Status    `json:"status"`
	Strategy                Strategy  `json:"strategy"`
	LastConnectedAt         time.Time `json:"lastConnectedAt"`
	ConsecutiveFailureCount int       `json:"consecutiveFailureCount"`

	PollingFailureCount int       `json:"pollingFailureCount"`
	NextRetryAt         time.Time `json:"nextRetryAt"`
	NetworkOnline       bool      `json:"networkOnline"`
}

// InitialConnectionState is the state of a freshly constructed manager.
func InitialConnectionState() ConnectionState {
	return ConnectionState{
		Status:        StatusOffline,
		Strategy:      StrategyCacheOnly,
		NetworkOnline: true,
	}
}
