package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RedKAa/meetbot/internal/config"
	"github.com/RedKAa/meetbot/internal/metrics"
)

// sweepInterval is how often the manager checks sessions for inactivity.
const sweepInterval = 30 * time.Second

// Manager owns all active recording sessions. It creates one session per
// accepted connection, sweeps out sessions that have gone silent past the
// inactivity window, and closes everything on shutdown.
type Manager struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	sessions map[string]*Session
	mu       sync.RWMutex

	onArchived func(archiveDir string)

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a session manager and starts its inactivity sweeper.
// onArchived is invoked with each sealed archive directory; it may be nil.
func NewManager(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, onArchived func(archiveDir string)) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		sessions:   make(map[string]*Session),
		onArchived: onArchived,
		ctx:        ctx,
		cancel:     cancel,
		cleanup:    make(chan struct{}),
	}

	go mgr.startSweeper()

	return mgr
}

// CreateSession creates a new session for an accepted connection.
func (m *Manager) CreateSession() (*Session, error) {
	id := uuid.New().String()

	s, err := New(id, &m.cfg.Recording, m.logger, m.metrics)
	if err != nil {
		return nil, err
	}

	s.SetOnClosed(m.remove)
	if m.onArchived != nil {
		s.SetOnArchived(m.onArchived)
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.metrics.RecordSessionCreated()

	return s, nil
}

// GetSession retrieves an active session by id.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	return s, ok
}

// ActiveCount returns the number of active sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Snapshot returns monitoring info for every active session.
func (m *Manager) Snapshot() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.InfoSnapshot())
	}
	return infos
}

// Info is per-session monitoring data for the HTTP API.
type Info struct {
	SessionID    string   `json:"sessionId"`
	MeetingURL   string   `json:"meetingUrl,omitempty"`
	BotName      string   `json:"botName,omitempty"`
	StartedAt    string   `json:"startedAt"`
	IdleMs       int64    `json:"idleMs"`
	Stats        Stats    `json:"stats"`
	Participants int      `json:"participants"`
	AudioFiles   []string `json:"audioFiles,omitempty"`
}

// InfoSnapshot builds the monitoring view of a session.
func (s *Session) InfoSnapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	files := make([]string, 0, 1+len(s.meta.AudioFiles.Participants))
	if s.meta.AudioFiles.Mixed != "" {
		files = append(files, s.meta.AudioFiles.Mixed)
	}
	files = append(files, s.meta.AudioFiles.Participants...)

	return Info{
		SessionID:    s.ID,
		MeetingURL:   s.meta.MeetingURL,
		BotName:      s.meta.BotName,
		StartedAt:    s.meta.StartedAt,
		IdleMs:       time.Since(s.lastFrame).Milliseconds(),
		Stats:        s.stats,
		Participants: len(s.participants),
		AudioFiles:   files,
	}
}

// remove drops a finalised session from the registry.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.ID)
}

// CloseAll closes every active session with the given reason.
func (m *Manager) CloseAll(reason string) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Close(reason, nil)
	}
}

// Stop closes all sessions and stops the sweeper.
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	m.CloseAll(ReasonShutdown)

	m.cancel()
	<-m.cleanup

	m.logger.Info("Session manager stopped", slog.Int("remaining_sessions", m.ActiveCount()))
}

// startSweeper runs in a separate goroutine and closes sessions whose idle
// time exceeds the inactivity window.
func (m *Manager) startSweeper() {
	defer close(m.cleanup)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	timeout := m.cfg.Recording.GetInactivityTimeout()
	m.logger.Info("Inactivity sweeper started",
		slog.Duration("timeout", timeout),
		slog.Duration("check_interval", sweepInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Inactivity sweeper stopping")
			return

		case <-ticker.C:
			m.sweepIdleSessions(timeout)
		}
	}
}

// sweepIdleSessions closes sessions that have been silent for too long.
func (m *Manager) sweepIdleSessions(timeout time.Duration) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		idle := s.IdleFor()
		if idle <= timeout {
			continue
		}
		m.logger.Info("Closing idle session",
			slog.String("session_id", s.ShortID),
			slog.Duration("idle", idle),
		)
		s.Close(ReasonInactivityTimeout, nil)
	}
}
