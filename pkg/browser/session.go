// pkg/browser/session.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clawops/chargebot/internal/config"
)

// Session is one exclusive automation resource bound to one owner: an
// authenticated browser tab plus its login state. The pool owns creation and
// destruction; borrowers interact through the handle returned by Acquire.
type Session struct {
	id      string
	ownerID string
	logger  *zap.Logger
	portal  config.PortalConfig
	factory PageFactory
	creds   Credentials

	// Guarded by the pool's mutex: lifecycle bookkeeping.
	refs       int
	status     SessionStatus
	createdAt  time.Time
	lastUsedAt time.Time

	// Guarded by mu: authentication state, which the pipeline reads and
	// the pool's Invalidate writes.
	mu            sync.Mutex
	page          PageDriver
	authenticated bool
	stale         bool
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Owner returns the owner identity the session is bound to.
func (s *Session) Owner() string { return s.ownerID }

// Page returns the session's page driver.
func (s *Session) Page() PageDriver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

// Authenticated reports whether the session holds a live portal login.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated && !s.stale
}

// Invalidate marks the login state dead. The next Login recreates the
// underlying tab before authenticating, discarding any poisoned cookies.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = false
	s.stale = true
	s.logger.Warn("Session invalidated; will re-authenticate on next use.")
}

// Login performs one authentication attempt against the portal. Retry and
// backoff policy belongs to the caller (the pipeline's ENSURE_SESSION state).
func (s *Session) Login(ctx context.Context) error {
	s.mu.Lock()
	if s.stale {
		// Recreate the tab so no stale portal state survives.
		if err := s.resetLocked(ctx); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("resetting stale session: %w", err)
		}
	}
	page := s.page
	s.mu.Unlock()

	loginURL := s.portal.LoginURL
	if loginURL == "" {
		loginURL = s.portal.BaseURL
	}

	if err := page.Navigate(ctx, loginURL); err != nil {
		return fmt.Errorf("loading login page: %w", err)
	}
	if err := page.Fill(ctx, s.portal.LoginUserSelector, s.creds.Username); err != nil {
		return fmt.Errorf("filling username: %w", err)
	}
	if err := page.Fill(ctx, s.portal.LoginPassSelector, s.creds.Password); err != nil {
		return fmt.Errorf("filling password: %w", err)
	}
	if err := page.Click(ctx, s.portal.LoginSubmitSelector); err != nil {
		return fmt.Errorf("clicking login submit: %w", err)
	}

	// The portal redirects on success; landing back on the login page is the
	// only reliable failure signal it gives us.
	url, err := page.CurrentURL(ctx)
	if err != nil {
		return fmt.Errorf("reading post-login URL: %w", err)
	}
	if LooksLikeLoginPage(url) {
		return fmt.Errorf("still on login page after submit: %s", url)
	}

	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()
	s.logger.Info("Portal login succeeded.", zap.String("landing_url", url))
	return nil
}

// resetLocked replaces the page with a fresh one. Caller holds s.mu.
func (s *Session) resetLocked(ctx context.Context) error {
	if s.page != nil {
		if err := s.page.Close(ctx); err != nil {
			s.logger.Warn("Error closing stale page.", zap.Error(err))
		}
	}
	page, err := s.factory(ctx, s.ownerID)
	if err != nil {
		return err
	}
	s.page = page
	s.stale = false
	s.authenticated = false
	s.logger.Info("Session page recreated.")
	return nil
}

// close releases the underlying page. Called by the pool only.
func (s *Session) close(ctx context.Context) {
	s.mu.Lock()
	page := s.page
	s.page = nil
	s.authenticated = false
	s.mu.Unlock()

	if page != nil {
		if err := page.Close(ctx); err != nil {
			s.logger.Warn("Error closing session page.", zap.Error(err))
		}
	}
	s.logger.Info("Session closed.")
}

// LooksLikeLoginPage applies the portal's URL heuristic for an
// unauthenticated state.
func LooksLikeLoginPage(url string) bool {
	lower := strings.ToLower(url)
	return strings.Contains(lower, "login") && !strings.Contains(lower, "dashboard")
}

// Handle is a borrowed reference to a session. Release returns the session
// to the pool; it never destroys the underlying resource.
type Handle struct {
	pool *Pool
	sess *Session
	once sync.Once
}

// Session exposes the borrowed session.
func (h *Handle) Session() *Session { return h.sess }

// Release returns the session to the pool. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() { h.pool.release(h.sess) })
}

// Invalidate flags the session's authentication as dead (stale-session
// detection). The resource is recreated on the next login.
func (h *Handle) Invalidate() { h.sess.Invalidate() }
