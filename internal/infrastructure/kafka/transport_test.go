package kafka

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"vn.io.arda/notification-delivery/internal/domain"
	"vn.io.arda/notification-delivery/internal/infrastructure/mux"
)

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, []string{"changes"})
	assert.Error(t, err)
	_, err = New([]string{"localhost:9092"}, nil)
	assert.Error(t, err)
	_, err = New([]string{"localhost:9092"}, []string{"changes"})
	assert.NoError(t, err)
}

func TestProcess_DispatchesDecodedRecords(t *testing.T) {
	ch := mux.NewChannel(mux.Hooks{}, 4)
	h, err := ch.Subscribe(context.Background(), domain.Descriptor{Source: "facility_tasks"})
	require.NoError(t, err)

	process(ch, &kgo.Record{Topic: "changes", Value: []byte(`not json`)})
	process(ch, &kgo.Record{Topic: "changes", Value: []byte(`{"eventType":"UPDATE","table":"facility_tasks","new":{"id":"9"}}`)})

	ev := <-h.Events()
	assert.Equal(t, domain.EventUpdate, ev.Type)
	assert.Equal(t, "9", ev.New.String("id"))
	assert.Empty(t, h.Events())
}
