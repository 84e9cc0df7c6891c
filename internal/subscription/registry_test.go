package subscription_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn.io.arda/notification-delivery/internal/cache"
	"vn.io.arda/notification-delivery/internal/dispatch"
	"vn.io.arda/notification-delivery/internal/domain"
	"vn.io.arda/notification-delivery/internal/infrastructure/memory"
	"vn.io.arda/notification-delivery/internal/subscription"
)

var epoch = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	changes []domain.Change
}

func (r *recorder) observe(c domain.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Notification.ID
	}
	return out
}

func setup(t *testing.T) (*subscription.Registry, *memory.Transport) {
	t.Helper()
	catalog, err := domain.NewCatalog(domain.DefaultTopics()...)
	require.NoError(t, err)
	d := dispatch.New(cache.New(nil, cache.Options{Clock: clockwork.NewFakeClockAt(epoch)}))
	return subscription.New(catalog, d), memory.NewTransport()
}

func taskEvent(id, user string) domain.RawEvent {
	return domain.RawEvent{
		Type:   domain.EventInsert,
		Source: "task_notifications",
		New: domain.Row{
			"id": id, "user_id": user, "task_id": "t-" + id, "notification_type": "assignment",
			"created_at": epoch.Format(time.RFC3339Nano),
		},
	}
}

func attach(t *testing.T, r *subscription.Registry, tr *memory.Transport) domain.Channel {
	t.Helper()
	ch, err := tr.Dial(context.Background())
	require.NoError(t, err)
	r.Attach(ch, func(error) {})
	return ch
}

func TestRegister_ValidatesTopic(t *testing.T) {
	r, _ := setup(t)
	_, err := r.Register("nope", "", func(domain.Change) {})
	assert.ErrorIs(t, err, domain.ErrUnknownTopic)
	_, err = r.Register(domain.TopicUserTasks, "", func(domain.Change) {})
	assert.ErrorIs(t, err, domain.ErrFilterRequired)
}

func TestRegister_SharesOneHandlePerSignature(t *testing.T) {
	r, tr := setup(t)
	attach(t, r, tr)

	var a, b, other recorder
	unA, err := r.Register(domain.TopicUserTasks, "alice", a.observe)
	require.NoError(t, err)
	unB, err := r.Register(domain.TopicUserTasks, "alice", b.observe)
	require.NoError(t, err)
	unOther, err := r.Register(domain.TopicUserTasks, "bob", other.observe)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tr.Handles() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 3, r.Len())

	tr.Publish(taskEvent("n1", "alice"))
	require.Eventually(t, func() bool { return len(a.ids()) == 1 && len(b.ids()) == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, other.ids())

	unA()
	unA()
	assert.Equal(t, 2, tr.Handles(), "handle kept while refs remain")
	unB()
	require.Eventually(t, func() bool { return tr.Handles() == 1 }, time.Second, time.Millisecond)
	unOther()
	require.Eventually(t, func() bool { return tr.Handles() == 0 }, time.Second, time.Millisecond)
	assert.Empty(t, r.PollTargets())
}

func TestBroadcastTopicIgnoresFilterKey(t *testing.T) {
	r, tr := setup(t)
	attach(t, r, tr)

	var a, b recorder
	_, err := r.Register(domain.TopicBroadcast, "alice", a.observe)
	require.NoError(t, err)
	_, err = r.Register(domain.TopicBroadcast, "", b.observe)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.Handles() == 1 }, time.Second, time.Millisecond)

	tr.Publish(domain.RawEvent{Type: domain.EventInsert, Source: "notifications", New: domain.Row{"id": "g1", "title": "hi"}})
	require.Eventually(t, func() bool { return len(a.ids()) == 1 && len(b.ids()) == 1 }, time.Second, time.Millisecond)
	assert.Len(t, r.PollTargets(), 1)
}

func TestDetach_DropsStaleEvents(t *testing.T) {
	r, tr := setup(t)
	first := attach(t, r, tr)

	var rec recorder
	_, err := r.Register(domain.TopicUserTasks, "alice", rec.observe)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.Handles() == 1 }, time.Second, time.Millisecond)

	r.Detach()
	_ = first.Close()
	assert.Zero(t, tr.Publish(taskEvent("late", "alice")))
	assert.Zero(t, r.Handles())

	attach(t, r, tr)
	require.Eventually(t, func() bool { return r.Handles() == 1 }, time.Second, time.Millisecond)
	tr.Publish(taskEvent("fresh", "alice"))
	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"fresh"}, rec.ids())
}

func TestChannelLoss_ReportsFailureOnce(t *testing.T) {
	r, tr := setup(t)
	ch, err := tr.Dial(context.Background())
	require.NoError(t, err)

	failures := make(chan error, 4)
	r.Attach(ch, func(err error) { failures <- err })
	_, err = r.Register(domain.TopicBroadcast, "", func(domain.Change) {})
	require.NoError(t, err)
	_, err = r.Register(domain.TopicFacilityTasks, "", func(domain.Change) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.Handles() == 2 }, time.Second, time.Millisecond)

	tr.Drop(context.DeadlineExceeded)

	select {
	case err := <-failures:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("no failure reported")
	}
	assert.Never(t, func() bool { return len(failures) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestDeliverPolled(t *testing.T) {
	r, _ := setup(t)
	var rec recorder
	_, err := r.Register(domain.TopicUserTasks, "alice", rec.observe)
	require.NoError(t, err)

	targets := r.PollTargets()
	require.Len(t, targets, 1)
	assert.Equal(t, "alice", targets[0].FilterKey)

	r.DeliverPolled(targets[0], []domain.RawEvent{taskEvent("p1", "alice"), taskEvent("p1", "alice")})
	require.Eventually(t, func() bool { return len(rec.ids()) == 2 }, time.Second, time.Millisecond)

	rec.mu.Lock()
	assert.Equal(t, domain.ChangeNew, rec.changes[0].Kind)
	assert.Equal(t, domain.ChangeUpdated, rec.changes[1].Kind)
	assert.Equal(t, domain.TopicUserTasks, rec.changes[0].Notification.SourceTopic)
	rec.mu.Unlock()
}

// lingeringHandle keeps its event stream open after Close, like a transport that
// flushes buffered frames before acknowledging the unsubscribe.
type lingeringHandle struct {
	events chan domain.RawEvent
	once   sync.Once
	closed chan struct{}
}

func (h *lingeringHandle) Events() <-chan domain.RawEvent { return h.events }
func (h *lingeringHandle) Err() error                     { return nil }
func (h *lingeringHandle) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

type lingeringChannel struct {
	handles chan *lingeringHandle
	done    chan struct{}
}

func (c *lingeringChannel) Subscribe(context.Context, domain.Descriptor) (domain.Handle, error) {
	h := &lingeringHandle{events: make(chan domain.RawEvent, 4), closed: make(chan struct{})}
	c.handles <- h
	return h, nil
}
func (c *lingeringChannel) Done() <-chan struct{} { return c.done }
func (c *lingeringChannel) Err() error            { return nil }
func (c *lingeringChannel) Close() error          { return nil }

func TestUnregister_DropsEventsStillInFlight(t *testing.T) {
	catalog, err := domain.NewCatalog(domain.DefaultTopics()...)
	require.NoError(t, err)
	d := dispatch.New(cache.New(nil, cache.Options{Clock: clockwork.NewFakeClockAt(epoch)}))
	r := subscription.New(catalog, d)
	t.Cleanup(r.Close)

	ch := &lingeringChannel{handles: make(chan *lingeringHandle, 1), done: make(chan struct{})}
	var failures int32
	r.Attach(ch, func(error) { atomic.AddInt32(&failures, 1) })

	var rec recorder
	unsubscribe, err := r.Register(domain.TopicUserTasks, "u1", rec.observe)
	require.NoError(t, err)
	h := <-ch.handles
	require.Eventually(t, func() bool { return r.Handles() == 1 }, time.Second, time.Millisecond)

	h.events <- taskEvent("n0", "u1")
	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, time.Second, time.Millisecond)

	unsubscribe()
	<-h.closed
	h.events <- taskEvent("n1", "u1")

	assert.Never(t, func() bool {
		_, cached := d.Get("n1")
		return cached
	}, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []string{"n0"}, rec.ids())

	close(h.events)
	assert.Never(t, func() bool { return atomic.LoadInt32(&failures) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}
