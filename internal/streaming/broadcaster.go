package streaming

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brandlens/orchestrator/internal/metrics"
)

const (
	// DefaultRetention is how long a finished session's snapshot stays available
	DefaultRetention = 60 * time.Second

	defaultHistory = 128
	minBuffer      = 1
)

// Subscription is one attached observer. Events arrive on C in emission order; C is closed on
// Detach, on purge of the session and on Close of the broadcaster.
type Subscription struct {
	C         <-chan Event
	ch        chan Event
	sessionID string
}

// SessionID returns the session the subscription observes
func (s *Subscription) SessionID() string { return s.sessionID }

type sessionState struct {
	snapshot *Event
	subs     map[*Subscription]struct{}
	history  *ring
	nextSeq  uint64
	terminal bool
	purge    *time.Timer
}

// Broadcaster fans session progress out to observers. All state is owned by the instance and
// keyed by session; a finished session is purged after the retention window.
type Broadcaster struct {
	mu          sync.Mutex
	sessions    map[string]*sessionState
	retention   time.Duration
	historySize int
	logger      *zap.Logger
	closed      bool
}

// Option configures a Broadcaster
type Option func(*Broadcaster)

// WithRetention overrides DefaultRetention
func WithRetention(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.retention = d
		}
	}
}

// WithHistory sets how many events per session are kept for Last-Event-ID replay
func WithHistory(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.historySize = n
		}
	}
}

// NewBroadcaster creates a broadcaster
func NewBroadcaster(logger *zap.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broadcaster{
		sessions:    make(map[string]*sessionState),
		retention:   DefaultRetention,
		historySize: defaultHistory,
		logger:      logger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// state returns the session state, creating it. Caller holds b.mu.
func (b *Broadcaster) state(sessionID string) *sessionState {
	st := b.sessions[sessionID]
	if st == nil {
		st = &sessionState{
			subs:    make(map[*Subscription]struct{}),
			history: newRing(b.historySize),
			nextSeq: 1,
		}
		b.sessions[sessionID] = st
	}
	return st
}

// Attach registers an observer and immediately replays the last snapshot, if any.
func (b *Broadcaster) Attach(sessionID string, buffer int) *Subscription {
	return b.attach(sessionID, buffer, nil)
}

// AttachSince registers an observer and replays retained events after lastSeq instead of the
// snapshot. Used for reconnects that carry a Last-Event-ID.
func (b *Broadcaster) AttachSince(sessionID string, lastSeq uint64, buffer int) *Subscription {
	return b.attach(sessionID, buffer, &lastSeq)
}

func (b *Broadcaster) attach(sessionID string, buffer int, since *uint64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var replay []Event
	if !b.closed {
		st := b.sessions[sessionID]
		if st != nil {
			if since != nil {
				replay = st.history.since(*since)
			} else if st.snapshot != nil {
				replay = []Event{*st.snapshot}
			}
		}
	}
	if buffer < len(replay)+minBuffer {
		buffer = len(replay) + minBuffer
	}

	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, sessionID: sessionID}
	for _, ev := range replay {
		ch <- ev
	}

	if b.closed {
		close(ch)
		return sub
	}
	b.state(sessionID).subs[sub] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return sub
}

// Detach removes the observer and closes its channel. Safe to call more than once.
func (b *Broadcaster) Detach(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.sessions[sub.sessionID]
	if st == nil {
		return
	}
	if _, ok := st.subs[sub]; !ok {
		return
	}
	delete(st.subs, sub)
	close(sub.ch)
	metrics.StreamSubscribers.Dec()
	if len(st.subs) == 0 && st.snapshot == nil && st.purge == nil {
		delete(b.sessions, sub.sessionID)
	}
}

// Publish emits a progress event and stores it as the session snapshot. Progress after the
// terminal event is ignored. A terminal status arms the purge timer.
func (b *Broadcaster) Publish(sessionID string, p Progress) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Event{}, false
	}

	st := b.state(sessionID)
	if st.terminal {
		return Event{}, false
	}

	ev := b.emit(sessionID, st, Event{Type: EventProgress, Progress: &p})
	st.snapshot = &ev

	if p.IsTerminal() {
		st.terminal = true
		st.purge = time.AfterFunc(b.retention, func() { b.purgeSession(sessionID, st) })
	}
	return ev, true
}

// PublishTerminal emits the one terminal progress event of a run. status must be
// StatusCompleted or StatusFailed.
func (b *Broadcaster) PublishTerminal(sessionID string, status string, p Progress) (Event, bool) {
	if status != StatusCompleted && status != StatusFailed {
		status = StatusFailed
	}
	p.Status = status
	p.RateLimit = nil
	p.EstimatedTimeRemaining = nil
	return b.Publish(sessionID, p)
}

// PublishError emits a session-level "error" event. It does not replace the snapshot.
func (b *Broadcaster) PublishError(sessionID, message string) Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Event{}
	}
	return b.emit(sessionID, b.state(sessionID), Event{Type: EventError, Error: &ErrorPayload{Message: message}})
}

// emit assigns a sequence number, records history and fans out. Caller holds b.mu.
func (b *Broadcaster) emit(sessionID string, st *sessionState, ev Event) Event {
	ev.SessionID = sessionID
	ev.Seq = st.nextSeq
	ev.Timestamp = time.Now().UTC()
	st.nextSeq++
	st.history.push(ev)

	terminal := ev.Progress != nil && ev.Progress.IsTerminal()
	for sub := range st.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		if terminal {
			b.deliverTerminal(sessionID, sub, ev)
			continue
		}
		metrics.StreamEventsDropped.Inc()
		b.logger.Debug("Dropping event for slow observer",
			zap.String("session_id", sessionID),
			zap.Uint64("seq", ev.Seq),
		)
	}
	return ev
}

// deliverTerminal makes room for the terminal event in a full subscriber buffer by evicting
// the oldest queued event. Caller holds b.mu, so no other send can take the freed slot.
func (b *Broadcaster) deliverTerminal(sessionID string, sub *Subscription, ev Event) {
	select {
	case old := <-sub.ch:
		metrics.StreamEventsDropped.Inc()
		b.logger.Debug("Evicted queued event for terminal delivery",
			zap.String("session_id", sessionID),
			zap.Uint64("seq", old.Seq),
		)
	default:
	}
	select {
	case sub.ch <- ev:
	default:
	}
}

// Heartbeat acknowledges an observer's idle ping. It carries no business state.
func (b *Broadcaster) Heartbeat(sessionID string) Event {
	return Event{SessionID: sessionID, Type: EventHeartbeatAck, Timestamp: time.Now().UTC()}
}

// Snapshot returns the last progress event of a session
func (b *Broadcaster) Snapshot(sessionID string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.sessions[sessionID]
	if st == nil || st.snapshot == nil {
		return Event{}, false
	}
	return *st.snapshot, true
}

// Observers returns the number of attached observers of a session
func (b *Broadcaster) Observers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.sessions[sessionID]; st != nil {
		return len(st.subs)
	}
	return 0
}

func (b *Broadcaster) purgeSession(sessionID string, st *sessionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions[sessionID] != st {
		return
	}
	b.dropLocked(sessionID, st)
	b.logger.Debug("Purged session snapshot", zap.String("session_id", sessionID))
}

func (b *Broadcaster) dropLocked(sessionID string, st *sessionState) {
	for sub := range st.subs {
		close(sub.ch)
		metrics.StreamSubscribers.Dec()
	}
	if st.purge != nil {
		st.purge.Stop()
	}
	delete(b.sessions, sessionID)
}

// Close stops every purge timer and closes every subscription
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, st := range b.sessions {
		b.dropLocked(id, st)
	}
}
