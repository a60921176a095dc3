package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager owns all active sessions. Sessions are created one per client
// connection and reaped when their connection goes idle past the timeout.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger

	settings    Settings
	deps        Deps
	maxSessions int

	// Cleanup management
	ctx             context.Context
	cancel          context.CancelFunc
	cleanup         chan struct{}
	cleanupInterval time.Duration
}

// NewManager creates a session manager and starts its cleanup routine.
func NewManager(settings Settings, deps Deps, maxSessions int, cleanupInterval time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions:        make(map[string]*Session),
		logger:          deps.Logger,
		settings:        settings,
		deps:            deps,
		maxSessions:     maxSessions,
		ctx:             ctx,
		cancel:          cancel,
		cleanup:         make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// CreateSession registers a new session with a server-generated id.
func (m *Manager) CreateSession(sender Sender) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxSessions {
		return nil, fmt.Errorf("session limit reached (%d)", m.maxSessions)
	}

	id := uuid.New().String()
	session, err := NewSession(id, sender, m.settings, m.deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.sessions[id] = session
	m.deps.Metrics.RecordSessionCreated()
	m.deps.Metrics.SetActiveSessions(len(m.sessions))

	m.logger.Info("Created new session",
		slog.String("session_id", id),
		slog.Int("active_sessions", len(m.sessions)),
	)

	return session, nil
}

// GetSession retrieves an existing session.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// GetActiveSessionCount returns the number of currently active sessions.
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessionInfo returns a monitoring snapshot of all sessions.
func (m *Manager) GetAllSessionInfo() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.GetSessionInfo())
	}
	return infos
}

// RemoveSession closes a session and drops it from the table.
func (m *Manager) RemoveSession(id string) bool {
	m.mu.Lock()
	session, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
		m.deps.Metrics.SetActiveSessions(len(m.sessions))
	}
	m.mu.Unlock()

	if !exists {
		return false
	}

	duration := time.Since(session.StartTime)
	session.Close()
	m.deps.Metrics.RecordSessionClosed(duration.Seconds())

	m.logger.Info("Session removed",
		slog.String("session_id", id),
		slog.Duration("duration", duration),
	)

	return true
}

// Stop gracefully stops the session manager.
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
	m.deps.Metrics.SetActiveSessions(0)

	m.cancel()
	<-m.cleanup

	m.logger.Info("Session manager stopped",
		slog.Int("closed_sessions", len(sessions)),
	)
}

// startCleanupRoutine reaps sessions whose connection has gone idle.
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("timeout", m.settings.Timeout),
		slog.Duration("check_interval", m.cleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions inactive past the timeout.
func (m *Manager) cleanupExpiredSessions() {
	now := time.Now()
	expired := make([]string, 0)

	m.mu.RLock()
	for id, session := range m.sessions {
		session.mu.RLock()
		lastActivity := session.LastActivity
		session.mu.RUnlock()

		if now.Sub(lastActivity) > m.settings.Timeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up expired sessions",
			slog.Int("expired_count", len(expired)),
		)

		for _, id := range expired {
			m.RemoveSession(id)
		}
	}
}
