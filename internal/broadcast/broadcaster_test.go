package broadcast

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamancini/kioskd/internal/types"
)

type fakeObserver struct {
	id   string
	fail bool

	mu       sync.Mutex
	messages []interface{}
}

func (f *fakeObserver) ID() string { return f.id }

func (f *fakeObserver) Send(msg interface{}) error {
	if f.fail {
		return errors.New("connection reset")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeObserver) statuses() []StatusMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []StatusMessage
	for _, m := range f.messages {
		if s, ok := m.(StatusMessage); ok {
			out = append(out, s)
		}
	}
	return out
}

type fakeRecorder struct {
	states    []types.UpdateState
	observers int
}

func (r *fakeRecorder) RecordState(status types.UpdateState, _ int) {
	r.states = append(r.states, status)
}

func (r *fakeRecorder) RecordObservers(n int) { r.observers = n }

func TestNewStartsIdle(t *testing.T) {
	b := New()
	current := b.Current()

	assert.Equal(t, types.StateIdle, current.Status)
	assert.Equal(t, 0, current.Progress)
	assert.False(t, current.Timestamp.IsZero())
	assert.Equal(t, 0, b.Count())
}

func TestSubscribeReplaysCurrentState(t *testing.T) {
	b := New()
	b.SetState(types.StateUpdating, "Validating update script", 5, "")

	obs := &fakeObserver{id: "a"}
	require.NoError(t, b.Subscribe(obs))

	got := obs.statuses()
	require.Len(t, got, 1)
	assert.Equal(t, TypeUpdateStatus, got[0].Type)
	assert.Equal(t, types.StateUpdating, got[0].Status.Status)
	assert.Equal(t, 5, got[0].Progress)
	assert.Equal(t, 1, b.Count())
}

func TestSubscribeFailedReplayIsNotAdded(t *testing.T) {
	b := New()
	err := b.Subscribe(&fakeObserver{id: "broken", fail: true})

	assert.Error(t, err)
	assert.Equal(t, 0, b.Count())
}

func TestSetStatePushesInOrder(t *testing.T) {
	b := New()
	obs := &fakeObserver{id: "a"}
	require.NoError(t, b.Subscribe(obs))

	b.SetState(types.StateUpdating, "Starting", 0, "")
	b.SetState(types.StateUpdating, "Installing", 40, "")
	b.SetState(types.StateSuccess, "Done", 100, "")

	got := obs.statuses()
	require.Len(t, got, 4)
	assert.Equal(t, "Starting", got[1].Message)
	assert.Equal(t, "Installing", got[2].Message)
	assert.Equal(t, types.StateSuccess, got[3].Status.Status)
	assert.Equal(t, 100, got[3].Progress)
}

func TestSetStateClampsProgress(t *testing.T) {
	b := New()

	assert.Equal(t, 100, b.SetState(types.StateUpdating, "over", 150, "").Progress)
	assert.Equal(t, 0, b.SetState(types.StateUpdating, "under", -3, "").Progress)
}

func TestFailedSendRemovesOnlyThatObserver(t *testing.T) {
	b := New()
	good := &fakeObserver{id: "good"}
	bad := &fakeObserver{id: "bad"}
	require.NoError(t, b.Subscribe(good))
	require.NoError(t, b.Subscribe(bad))
	require.Equal(t, 2, b.Count())

	bad.fail = true
	b.SetState(types.StateUpdating, "Starting", 0, "")

	assert.Equal(t, 1, b.Count())
	assert.Len(t, good.statuses(), 2)

	b.SetState(types.StateUpdating, "Still going", 10, "")
	assert.Len(t, good.statuses(), 3)
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	obs := &fakeObserver{id: "a"}
	require.NoError(t, b.Subscribe(obs))

	b.Unsubscribe(obs)
	b.Unsubscribe(obs)
	b.SetState(types.StateUpdating, "Starting", 0, "")

	assert.Equal(t, 0, b.Count())
	assert.Len(t, obs.statuses(), 1)
}

func TestSetStateStampsWithClock(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(start)
	b := New(WithClock(clk))

	b.SetState(types.StateUpdating, "Starting", 0, "")
	clk.Advance(90 * time.Second)
	s := b.SetState(types.StateError, "Update failed", 30, "script exited with status 1")

	assert.Equal(t, start.Add(90*time.Second), s.Timestamp)
	assert.Equal(t, "script exited with status 1", s.Error)
	assert.Equal(t, s, b.Current())
}

func TestNotifyShutdown(t *testing.T) {
	b := New()
	a := &fakeObserver{id: "a"}
	c := &fakeObserver{id: "c"}
	require.NoError(t, b.Subscribe(a))
	require.NoError(t, b.Subscribe(c))
	c.fail = true

	n := b.NotifyShutdown(ShutdownNotice{
		Message:               "Server is shutting down for update",
		ExpectedDowntime:      "1-2 minutes",
		ReconnectInstructions: "Reload the page once the service is back",
	})

	assert.Equal(t, 1, n)
	assert.Equal(t, 1, b.Count())

	a.mu.Lock()
	last := a.messages[len(a.messages)-1]
	a.mu.Unlock()
	notice, ok := last.(ShutdownNotice)
	require.True(t, ok)
	assert.Equal(t, TypeServerShutdown, notice.Type)
	assert.False(t, notice.Timestamp.IsZero())
}

func TestRecorderIsNotified(t *testing.T) {
	rec := &fakeRecorder{}
	b := New(WithRecorder(rec))
	require.NoError(t, b.Subscribe(&fakeObserver{id: "a"}))

	b.SetState(types.StateUpdating, "Starting", 0, "")
	b.SetState(types.StateSuccess, "Done", 100, "")

	assert.Equal(t, []types.UpdateState{types.StateUpdating, types.StateSuccess}, rec.states)
	assert.Equal(t, 1, rec.observers)
}

func TestStatusMessageJSON(t *testing.T) {
	msg := StatusMessage{
		Type: TypeUpdateStatus,
		Status: Status{
			Status:    types.StateUpdating,
			Message:   "Installing",
			Progress:  42,
			Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		},
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "updateStatus", decoded["type"])
	assert.Equal(t, "updating", decoded["status"])
	assert.Equal(t, float64(42), decoded["progress"])
	assert.NotContains(t, decoded, "error")
}
