// Package scheduler provides a process-wide registry of pending deadlines,
// one live timer per id. It backs both escalation timeouts and help request
// timeouts; the two use separate Scheduler instances so their handlers and
// key namespaces never collide.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chat-escalation-service/pkg/metrics"
	"chat-escalation-service/pkg/models"
)

// DeadlineRecorder persists the absolute deadline for an armed id so that
// pending timeouts can be restored after a restart.
type DeadlineRecorder func(ctx context.Context, id string, deadline time.Time) error

// Handler is invoked at most once per armed incarnation when its timer fires.
// It runs on the timer's own goroutine, independent of any request, and must
// be idempotent against a concurrent disarm (see Coordinator.HandleTimeout).
type Handler func(id string)

type entry struct {
	timer *time.Timer
}

// Scheduler owns the live timer registry for one id namespace. All methods
// are safe for concurrent use. Arm and Disarm are non-blocking registrations;
// deadline persistence happens on a background goroutine.
type Scheduler struct {
	name    string
	record  DeadlineRecorder
	logger  *logrus.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	timers  map[string]*entry
	handler Handler
	stopped bool
}

func New(name string, record DeadlineRecorder, logger *logrus.Logger, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		name:    name,
		record:  record,
		logger:  logger,
		metrics: m,
		timers:  make(map[string]*entry),
	}
}

// OnFire registers the handler invoked when a timer expires. Must be called
// before the first Arm.
func (s *Scheduler) OnFire(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Arm starts (or replaces) the timer for id and records the absolute
// deadline. An existing timer for the same id is cancelled first, so the
// latest Arm always wins.
func (s *Scheduler) Arm(ctx context.Context, id string, d time.Duration) {
	deadline := time.Now().Add(d)
	s.armAt(id, d)

	if s.record == nil {
		return
	}
	// Persist asynchronously so Arm never blocks a request on the store.
	go func() {
		if err := s.record(context.Background(), id, deadline); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"scheduler": s.name,
				"id":        id,
			}).Error("Failed to persist timeout deadline")
		}
	}()

	s.logger.WithFields(logrus.Fields{
		"scheduler": s.name,
		"id":        id,
		"fires_in":  d,
	}).Debug("Armed timeout timer")
}

func (s *Scheduler) armAt(id string, d time.Duration) {
	if d < 0 {
		d = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.timers[id]; ok {
		prev.timer.Stop()
		delete(s.timers, id)
		s.metrics.LiveTimers.Dec()
	}

	e := &entry{}
	e.timer = time.AfterFunc(d, func() { s.fire(id, e) })
	s.timers[id] = e
	s.metrics.LiveTimers.Inc()
}

// fire runs on the timer goroutine. The registry entry is compared by
// identity so a timer that was disarmed (or replaced by a newer Arm) between
// expiry and this call never reaches the handler.
func (s *Scheduler) fire(id string, e *entry) {
	s.mu.Lock()
	cur, ok := s.timers[id]
	if !ok || cur != e {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	handler := s.handler
	s.mu.Unlock()

	s.metrics.LiveTimers.Dec()
	s.logger.WithFields(logrus.Fields{
		"scheduler": s.name,
		"id":        id,
	}).Info("Timeout timer fired")

	if handler != nil {
		handler(id)
	}
}

// Disarm cancels the timer for id. Disarming an unknown or already-fired id
// is a silent no-op.
func (s *Scheduler) Disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.timers[id]; ok {
		e.timer.Stop()
		delete(s.timers, id)
		s.metrics.LiveTimers.Dec()
		s.logger.WithFields(logrus.Fields{
			"scheduler": s.name,
			"id":        id,
		}).Debug("Disarmed timeout timer")
	}
}

// Restore re-arms a timer for every pending id, using the time remaining
// until each persisted deadline. A deadline already in the past fires
// immediately. Called once at startup.
func (s *Scheduler) Restore(ctx context.Context, pending []models.PendingTimeout) {
	for _, p := range pending {
		s.armAt(p.ID, time.Until(p.Deadline))
	}

	if len(pending) > 0 {
		s.logger.WithFields(logrus.Fields{
			"scheduler": s.name,
			"count":     len(pending),
		}).Info("Restored pending timeout timers")
	}
}

// Len returns the number of live timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every live timer without running its handler and rejects any
// further Arm calls. Used on shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
		s.metrics.LiveTimers.Dec()
	}
	s.logger.WithField("scheduler", s.name).Info("Scheduler stopped, all timers cancelled")
}
