// Package broadcast holds the current update status and pushes every
// transition to the connected observers.
package broadcast

import (
	"sync"
	"time"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"

	"github.com/adamancini/kioskd/internal/types"
)

const (
	// TypeUpdateStatus tags status transition messages.
	TypeUpdateStatus = "updateStatus"
	// TypeServerShutdown tags the notice sent before the service drains.
	TypeServerShutdown = "serverShutdown"
)

// Status is the process-wide update status.
type Status struct {
	Status    types.UpdateState `json:"status"`
	Message   string            `json:"message"`
	Progress  int               `json:"progress"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// StatusMessage is the push form of a Status.
type StatusMessage struct {
	Type   string `json:"type"`
	Status `yaml:",inline"`
}

// ShutdownNotice tells observers the service is about to go away for an
// update and how to get back.
type ShutdownNotice struct {
	Type                  string    `json:"type"`
	Message               string    `json:"message"`
	Timestamp             time.Time `json:"timestamp"`
	ExpectedDowntime      string    `json:"expectedDowntime"`
	ReconnectInstructions string    `json:"reconnectInstructions"`
}

// Observer receives pushed messages. Send must not block indefinitely.
type Observer interface {
	ID() string
	Send(msg interface{}) error
}

// Recorder is notified of transitions and observer count changes.
type Recorder interface {
	RecordState(status types.UpdateState, progress int)
	RecordObservers(n int)
}

// Broadcaster owns the update status and the observer set. All pushes
// happen while the lock is held so observers see transitions in order.
type Broadcaster struct {
	mu            sync.Mutex
	clock         clock.Clock
	recorder      Recorder
	current       Status
	updatingSince time.Time
	observers     map[string]Observer
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithClock sets the clock used to stamp transitions.
func WithClock(clk clock.Clock) Option {
	return func(b *Broadcaster) { b.clock = clk }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(b *Broadcaster) { b.recorder = r }
}

// New returns a Broadcaster in the idle state.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		clock:     clock.WallClock,
		observers: make(map[string]Observer),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.current = Status{
		Status:    types.StateIdle,
		Message:   "No update in progress",
		Timestamp: b.clock.Now().UTC(),
	}
	return b
}

// SetState records a transition and pushes it to every observer.
func (b *Broadcaster) SetState(status types.UpdateState, message string, progress int, errText string) Status {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.current
	now := b.clock.Now().UTC()
	b.current = Status{
		Status:    status,
		Message:   message,
		Progress:  progress,
		Error:     errText,
		Timestamp: now,
	}

	fields := log.Fields{
		"from":     prev.Status,
		"to":       status,
		"progress": progress,
	}
	if status == types.StateUpdating && prev.Status != types.StateUpdating {
		b.updatingSince = now
	}
	if !b.updatingSince.IsZero() {
		fields["elapsed"] = now.Sub(b.updatingSince).Round(time.Millisecond).String()
	}
	entry := log.WithFields(fields)
	if errText != "" {
		entry.Warnf("update status: %s (%s)", message, errText)
	} else {
		entry.Infof("update status: %s", message)
	}

	if b.recorder != nil {
		b.recorder.RecordState(status, progress)
	}

	b.pushLocked(StatusMessage{Type: TypeUpdateStatus, Status: b.current})
	return b.current
}

// Current returns a copy of the current status.
func (b *Broadcaster) Current() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Subscribe adds o and immediately replays the current status to it. An
// observer that cannot receive the replay is not added.
func (b *Broadcaster) Subscribe(o Observer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := o.Send(StatusMessage{Type: TypeUpdateStatus, Status: b.current}); err != nil {
		log.WithField("observer", o.ID()).Debugf("initial status push failed: %v", err)
		return err
	}
	b.observers[o.ID()] = o
	b.recordObserversLocked()
	log.WithField("observer", o.ID()).Debug("observer subscribed")
	return nil
}

// Unsubscribe removes o. Removing an unknown observer is a no-op.
func (b *Broadcaster) Unsubscribe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.observers[o.ID()]; !ok {
		return
	}
	delete(b.observers, o.ID())
	b.recordObserversLocked()
	log.WithField("observer", o.ID()).Debug("observer unsubscribed")
}

// NotifyShutdown pushes a shutdown notice to every observer and returns
// how many received it.
func (b *Broadcaster) NotifyShutdown(notice ShutdownNotice) int {
	notice.Type = TypeServerShutdown
	if notice.Timestamp.IsZero() {
		notice.Timestamp = b.clock.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushLocked(notice)
}

// Count returns the number of live observers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

func (b *Broadcaster) pushLocked(msg interface{}) int {
	delivered := 0
	for id, o := range b.observers {
		if err := o.Send(msg); err != nil {
			log.WithField("observer", id).Debugf("dropping observer after failed send: %v", err)
			delete(b.observers, id)
			continue
		}
		delivered++
	}
	b.recordObserversLocked()
	return delivered
}

func (b *Broadcaster) recordObserversLocked() {
	if b.recorder != nil {
		b.recorder.RecordObservers(len(b.observers))
	}
}
