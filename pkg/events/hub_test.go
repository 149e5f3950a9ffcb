package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/agentrunner/pkg/models"
)

type fakeFetcher struct {
	event *models.Event
	err   error
}

func (f *fakeFetcher) GetEvent(ctx context.Context, runID, eventID int64) (*models.Event, error) {
	return f.event, f.err
}

func mustEnvelope(t *testing.T, evt *models.Event, truncated bool) []byte {
	t.Helper()
	e := *evt
	if truncated {
		e.Payload = nil
	}
	data, err := json.Marshal(Envelope{Event: e, Truncated: truncated})
	require.NoError(t, err)
	return data
}

func TestHubDispatchRoutesToSubscribers(t *testing.T) {
	hub := NewHub(nil)

	sub, err := hub.Subscribe(11)
	require.NoError(t, err)
	defer hub.Unsubscribe(sub)

	other, err := hub.Subscribe(12)
	require.NoError(t, err)
	defer hub.Unsubscribe(other)

	evt := &models.Event{ID: 100, RunID: 11, Type: TypeRunStarted, Payload: json.RawMessage(`{}`), CreatedAt: time.Now()}
	hub.Dispatch(RunChannel(11), mustEnvelope(t, evt, false))

	select {
	case got := <-sub.C:
		assert.Equal(t, int64(100), got.ID)
		assert.Equal(t, TypeRunStarted, got.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive dispatched event")
	}

	select {
	case got := <-other.C:
		t.Fatalf("subscriber for run 12 received event for run 11: %+v", got)
	default:
	}
}

func TestHubDispatchIgnoresNonRunChannels(t *testing.T) {
	hub := NewHub(nil)
	sub, err := hub.Subscribe(5)
	require.NoError(t, err)
	defer hub.Unsubscribe(sub)

	hub.Dispatch(GlobalRunsChannel, []byte(`{"run_id":5,"status":"RUNNING"}`))

	select {
	case got := <-sub.C:
		t.Fatalf("unexpected event from global channel: %+v", got)
	default:
	}
}

func TestHubRestoresTruncatedEvents(t *testing.T) {
	full := &models.Event{ID: 9, RunID: 4, Type: TypeStepCompleted, Payload: json.RawMessage(`{"name":"big"}`)}
	hub := NewHub(&fakeFetcher{event: full})

	sub, err := hub.Subscribe(4)
	require.NoError(t, err)
	defer hub.Unsubscribe(sub)

	hub.Dispatch(RunChannel(4), mustEnvelope(t, full, true))

	select {
	case got := <-sub.C:
		assert.JSONEq(t, `{"name":"big"}`, string(got.Payload), "payload restored from store")
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive restored event")
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	hub := NewHub(nil)

	sub, err := hub.Subscribe(6)
	require.NoError(t, err)

	// Never drain: overflow the buffer and one more to trigger the drop.
	for i := 0; i <= subscriberBuffer; i++ {
		evt := &models.Event{ID: int64(i + 1), RunID: 6, Type: TypeLLMHeartbeat, Payload: json.RawMessage(`{}`)}
		hub.Dispatch(RunChannel(6), mustEnvelope(t, evt, false))
	}

	assert.Equal(t, 0, hub.SubscriberCount(6), "slow subscriber should be dropped")

	// Channel must be closed so the consumer terminates after draining.
	received := 0
	for range sub.C {
		received++
	}
	assert.Equal(t, subscriberBuffer, received)
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(nil)
	sub, err := hub.Subscribe(7)
	require.NoError(t, err)

	hub.Unsubscribe(sub)

	_, open := <-sub.C
	assert.False(t, open, "channel should be closed after unsubscribe")
	assert.Equal(t, 0, hub.SubscriberCount(7))

	// Unsubscribing again is a no-op.
	hub.Unsubscribe(sub)
}

func TestHubStopClosesAllSubscriptions(t *testing.T) {
	hub := NewHub(nil)
	subs := make([]*Subscription, 0, 3)
	for i := int64(1); i <= 3; i++ {
		sub, err := hub.Subscribe(i)
		require.NoError(t, err)
		subs = append(subs, sub)
	}

	hub.Stop()

	for _, sub := range subs {
		_, open := <-sub.C
		assert.False(t, open)
	}
}

func TestHubConcurrentSubscribeDispatch(t *testing.T) {
	hub := NewHub(nil)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			evt := &models.Event{ID: int64(i), RunID: 20, Type: TypeLLMHeartbeat, Payload: json.RawMessage(`{}`)}
			data, _ := json.Marshal(Envelope{Event: *evt})
			hub.Dispatch(RunChannel(20), data)
		}
	}()

	for i := 0; i < 10; i++ {
		sub, err := hub.Subscribe(20)
		require.NoError(t, err, fmt.Sprintf("subscribe %d", i))
		hub.Unsubscribe(sub)
	}

	<-done
}
