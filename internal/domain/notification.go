package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Priority orders notifications by urgency: low < medium < high < critical.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"low", "medium", "high", "critical"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityCritical {
		return "unknown"
	}
	return priorityNames[p]
}

// ParsePriority maps a wire value to a Priority. The task-notification vocabulary
// (normal, urgent) is accepted alongside the canonical names.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium", "normal", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical", "urgent":
		return PriorityCritical, nil
	}
	return PriorityMedium, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ResourceRef points the UI at the record a notification is about.
type ResourceRef struct {
	Type string `json:"type,omitempty"`
	ID   string `json:"id,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Notification is the one canonical shape every wire format is converted into.
// Values are treated as immutable; only the dispatcher changes Read.
type Notification struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Message         string         `json:"message"`
	Category        string         `json:"category"`
	Priority        Priority       `json:"priority"`
	CreatedAt       time.Time      `json:"createdAt"`
	ExpiresAt       time.Time      `json:"expiresAt"`
	Read            bool           `json:"read"`
	SourceTopic     string         `json:"sourceTopic"`
	RelatedResource *ResourceRef   `json:"relatedResource,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the notification is past its expiry at now.
// A zero ExpiresAt never expires.
func (n Notification) Expired(now time.Time) bool {
	return !n.ExpiresAt.IsZero() && !now.Before(n.ExpiresAt)
}

// Before is the delivery order: CreatedAt ascending, ties broken by ID.
func (n Notification) Before(o Notification) bool {
	if !n.CreatedAt.Equal(o.CreatedAt) {
		return n.CreatedAt.Before(o.CreatedAt)
	}
	return n.ID < o.ID
}

// SortNotifications orders ns in place by delivery order.
func SortNotifications(ns []Notification) {
	sort.SliceStable(ns, func(i, j int) bool { return ns[i].Before(ns[j]) })
}

// ChangeKind tells observers what happened to a notification.
type ChangeKind string

const (
	ChangeNew     ChangeKind = "new"
	ChangeUpdated ChangeKind = "update"
	ChangeRemoved ChangeKind = "removed"
)

// Change is what observers receive from the dispatcher.
type Change struct {
	Kind         ChangeKind   `json:"kind"`
	Notification Notification `json:"notification"`
}
