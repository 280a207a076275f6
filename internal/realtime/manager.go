package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const streamBuffer = 16

// Subscription is one client's stream for one job.
type Subscription struct {
	JobID  string
	id     uint64
	events chan Snapshot
	done   chan struct{}
	once   sync.Once
}

// Events yields snapshots in publish order.
func (s *Subscription) Events() <-chan Snapshot { return s.events }

// Done is closed when the subscription is replaced or the manager shuts down.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.done) })
}

// Manager keeps at most one live stream per job. A newer registration for
// the same job closes the older one.
type Manager struct {
	mu        sync.Mutex
	streams   map[string]*Subscription
	seq       uint64
	keepalive time.Duration
	logger    zerolog.Logger
}

func NewManager(keepalive time.Duration, logger zerolog.Logger) *Manager {
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &Manager{
		streams:   make(map[string]*Subscription),
		keepalive: keepalive,
		logger:    logger.With().Str("component", "sse").Logger(),
	}
}

// Register opens a stream for jobID, closing any stream it replaces.
func (m *Manager) Register(jobID string) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	sub := &Subscription{
		JobID:  jobID,
		id:     m.seq,
		events: make(chan Snapshot, streamBuffer),
		done:   make(chan struct{}),
	}
	if prev, ok := m.streams[jobID]; ok {
		prev.close()
		m.logger.Debug().Str("job_id", jobID).Msg("sse: replaced stream")
	}
	m.streams[jobID] = sub
	return sub
}

// Unregister drops sub if it is still the job's active stream.
func (m *Manager) Unregister(sub *Subscription) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.streams[sub.JobID]; ok && cur.id == sub.id {
		delete(m.streams, sub.JobID)
	}
	sub.close()
}

// Active reports whether jobID has a live stream.
func (m *Manager) Active(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[jobID]
	return ok
}

// Broadcast hands snap to the job's stream without blocking. When the
// client lags the oldest queued snapshot is dropped; every snapshot is
// complete so the newest one supersedes it.
func (m *Manager) Broadcast(snap Snapshot) bool {
	m.mu.Lock()
	sub, ok := m.streams[snap.ID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	for {
		select {
		case sub.events <- snap:
			return true
		case <-sub.done:
			return false
		default:
		}
		select {
		case <-sub.events:
		default:
		}
	}
}

// Publish implements Publisher for single-process delivery.
func (m *Manager) Publish(_ context.Context, snap Snapshot) error {
	m.Broadcast(snap)
	return nil
}

// Close ends every open stream.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sub := range m.streams {
		sub.close()
		delete(m.streams, id)
	}
}

// Stream writes initial and every later snapshot for sub as server-sent
// events until the client leaves, the stream is replaced or the job ends.
func (m *Manager) Stream(w http.ResponseWriter, r *http.Request, sub *Subscription, initial Snapshot) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("streaming unsupported")
	}
	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut long-lived streams.
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, initial); err != nil {
		return err
	}
	flusher.Flush()
	if initial.Terminal() {
		return nil
	}

	ticker := time.NewTicker(m.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-sub.Done():
			return nil
		case snap := <-sub.Events():
			if err := writeEvent(w, snap); err != nil {
				return err
			}
			flusher.Flush()
			if snap.Terminal() {
				return nil
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
