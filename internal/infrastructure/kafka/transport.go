// Package kafka consumes a change-event topic as a push channel.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"

	"vn.io.arda/notification-delivery/internal/domain"
	"vn.io.arda/notification-delivery/internal/infrastructure/mux"
)

// Transport opens one franz-go client per channel. Channels start at the end of the topic:
// history is the store's job, not the stream's.
type Transport struct {
	brokers []string
	topics  []string
	opts    []kgo.Opt
}

// New creates a Transport for the given brokers and change topics. Extra options are appended
// to the client options (tests use them to shorten timeouts).
func New(brokers, topics []string, opts ...kgo.Opt) (*Transport, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if len(topics) == 0 {
		return nil, errors.New("kafka: no change topics configured")
	}
	return &Transport{brokers: brokers, topics: topics, opts: opts}, nil
}

func (t *Transport) Dial(ctx context.Context) (domain.Channel, error) {
	opts := append([]kgo.Opt{
		kgo.SeedBrokers(t.brokers...),
		kgo.ConsumeTopics(t.topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	}, t.opts...)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka ping: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ch := mux.NewChannel(mux.Hooks{OnClose: func() error {
		cancel()
		return nil
	}}, 0)
	go consume(runCtx, client, ch)
	return ch, nil
}

// consume polls until the channel is closed or a fetch fails.
func consume(ctx context.Context, client *kgo.Client, ch *mux.Channel) {
	defer client.Close()
	log.Info().Msg("kafka change consumer started")

	for {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			ch.Fail(domain.ErrChannelClosed)
			break
		}

		var fetchErr error
		fetches.EachError(func(topic string, partition int32, err error) {
			log.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("kafka fetch error")
			if fetchErr == nil {
				fetchErr = fmt.Errorf("fetch %s/%d: %w", topic, partition, err)
			}
		})
		if fetchErr != nil {
			ch.Fail(fetchErr)
			break
		}

		fetches.EachRecord(func(r *kgo.Record) {
			process(ch, r)
		})
	}
	log.Info().Msg("kafka change consumer stopped")
}

func process(ch *mux.Channel, r *kgo.Record) {
	ev, err := mux.DecodeEvent(r.Value)
	if err != nil {
		log.Warn().Err(err).Str("topic", r.Topic).Str("key", string(r.Key)).Msg("kafka: dropping record")
		return
	}
	n := ch.Dispatch(ev)
	log.Debug().Str("topic", r.Topic).Str("table", ev.Source).Int("handles", n).Msg("change event dispatched")
}
