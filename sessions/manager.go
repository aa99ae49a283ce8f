package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolwire/toolwire/protocol"
)

const (
	defaultMaxSessions   = 1024
	defaultSessionTTL    = 30 * time.Minute
	defaultSweepInterval = time.Minute
)

// Stats counts lifecycle events since the manager was created.
type Stats struct {
	Evictions uint64
	Expiries  uint64
}

// Manager owns the session table.
type Manager struct {
	maxSessions   int
	ttl           time.Duration
	sweepInterval time.Duration
	log           *slog.Logger
	newID         func() string
	now           func() time.Time

	mu    sync.Mutex
	byID  map[string]*Session
	stats Stats

	done      chan struct{}
	closeOnce sync.Once
}

// Option customizes a Manager.
type Option func(*Manager)

// WithMaxSessions bounds the table. Values below one are ignored.
func WithMaxSessions(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxSessions = n
		}
	}
}

// WithTTL sets the sliding idle timeout.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithSweepInterval sets how often the background sweep runs. Zero
// disables the loop; SweepExpired can still be called directly.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.sweepInterval = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager builds a session manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		maxSessions:   defaultMaxSessions,
		ttl:           defaultSessionTTL,
		sweepInterval: defaultSweepInterval,
		log:           slog.Default(),
		newID:         uuid.NewString,
		now:           time.Now,
		byID:          make(map[string]*Session),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.sweepInterval > 0 {
		go m.sweepLoop()
	}
	return m
}

// CreateRequest carries the identity and negotiation outcome for a new
// session.
type CreateRequest struct {
	ClientID    string
	Transport   string
	Negotiation protocol.NegotiationResult
}

// Create registers a new session. When the table is full the oldest
// session by creation time is evicted first.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Session, error) {
	now := m.now()
	caps := req.Negotiation.AgreedCapabilities.Clone()
	sess := &Session{
		ID:              m.newID(),
		ClientID:        req.ClientID,
		Transport:       req.Transport,
		ProtocolVersion: req.Negotiation.AgreedVersion,
		Capabilities:    caps.Sorted(),
		IsLegacy:        req.Negotiation.IsLegacy,
		CreatedAt:       now,
		LastAccess:      now,
		caps:            caps,
	}

	m.mu.Lock()
	var evictedID string
	if len(m.byID) >= m.maxSessions {
		evictedID = m.evictOldestLocked()
	}
	m.byID[sess.ID] = sess
	snap := *sess
	m.mu.Unlock()

	if evictedID != "" {
		m.log.WarnContext(ctx, "sessions.evict.capacity",
			slog.String("evicted_session_id", evictedID),
			slog.Int("max_sessions", m.maxSessions))
	}
	m.log.InfoContext(ctx, "sessions.create.ok",
		slog.String("session_id", sess.ID),
		slog.String("client_id", req.ClientID),
		slog.String("protocol_version", sess.ProtocolVersion.String()),
		slog.Bool("legacy", sess.IsLegacy))
	return snap, nil
}

// evictOldestLocked removes the session with the smallest CreatedAt and
// returns its ID.
func (m *Manager) evictOldestLocked() string {
	var oldestID string
	var oldestAt time.Time
	for id, sess := range m.byID {
		if oldestID == "" || sess.CreatedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = sess.CreatedAt
		}
	}
	if oldestID != "" {
		delete(m.byID, oldestID)
		m.stats.Evictions++
	}
	return oldestID
}

// Get returns a read-only snapshot of the session. Sessions that were
// evicted, expired, or never existed all surface SESSION_EVICTED: the
// client's only recovery in every case is a fresh handshake.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, err := m.liveLocked(sessionID)
	if err != nil {
		return Session{}, err
	}
	return *sess, nil
}

// Touch marks the session active, resetting its idle clock, and returns
// the refreshed snapshot.
func (m *Manager) Touch(ctx context.Context, sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, err := m.liveLocked(sessionID)
	if err != nil {
		return Session{}, err
	}
	sess.LastAccess = m.now()
	return *sess, nil
}

// liveLocked resolves a session, expiring it on the spot when its idle
// window has lapsed.
func (m *Manager) liveLocked(sessionID string) (*Session, error) {
	sess, ok := m.byID[sessionID]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeSessionEvicted, "session %q is not active; a new handshake is required", sessionID)
	}
	if m.now().Sub(sess.LastAccess) > m.ttl {
		delete(m.byID, sessionID)
		m.stats.Expiries++
		return nil, protocol.Errorf(protocol.CodeSessionEvicted, "session %q expired after inactivity", sessionID)
	}
	return sess, nil
}

// Delete removes a session. Unknown IDs are a no-op.
func (m *Manager) Delete(ctx context.Context, sessionID string) {
	m.mu.Lock()
	_, existed := m.byID[sessionID]
	delete(m.byID, sessionID)
	m.mu.Unlock()

	if existed {
		m.log.InfoContext(ctx, "sessions.delete.ok", slog.String("session_id", sessionID))
	}
}

// Len reports the number of tracked sessions, expired-but-unswept ones
// included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Stats returns lifecycle counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// SweepExpired removes every session whose idle window has lapsed and
// returns how many were removed.
func (m *Manager) SweepExpired() int {
	now := m.now()

	m.mu.Lock()
	var removed int
	for id, sess := range m.byID {
		if now.Sub(sess.LastAccess) > m.ttl {
			delete(m.byID, id)
			m.stats.Expiries++
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.log.Debug("sessions.sweep.expired", slog.Int("sessions", removed))
	}
	return removed
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.SweepExpired()
		case <-m.done:
			return
		}
	}
}

// Close stops the background sweep.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}
