// pkg/browser/pool.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/clawops/chargebot/internal/config"
)

var (
	// ErrCapacityExceeded: pool is full and the caller holds no session.
	ErrCapacityExceeded = errors.New("session pool capacity exceeded")
	// ErrPoolClosed: the pool has been shut down.
	ErrPoolClosed = errors.New("session pool is closed")
	// ErrResourceCreateFailed: the underlying browser resource did not start.
	ErrResourceCreateFailed = errors.New("browser session could not be created")
)

// CredentialsProvider resolves login credentials for an owner at
// ENSURE_SESSION time.
type CredentialsProvider func(ownerID string) (Credentials, error)

// Pool owns every Session. It enforces at most one live session per owner,
// a global capacity bound, and idle reclamation. All registry mutations are
// serialized on one mutex; same-owner creation races are collapsed by
// singleflight.
type Pool struct {
	logger  *zap.Logger
	cfg     config.Interface
	factory PageFactory
	creds   CredentialsProvider

	// allocator is the shared browser process all tabs derive from.
	allocCtx    context.Context
	allocCancel context.CancelFunc

	mu       sync.Mutex
	cond     *sync.Cond
	sessions map[string]*Session
	closed   bool

	creating singleflight.Group

	reapStop chan struct{}
	reapDone chan struct{}
	stopOnce sync.Once
}

// NewPool launches the shared headless browser process and returns a pool
// whose sessions are tabs of that process.
func NewPool(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Pool, error) {
	p := newPool(cfg, logger, nil, nil)

	if err := p.launchBrowser(ctx); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	p.factory = func(ctx context.Context, ownerID string) (PageDriver, error) {
		return newChromePage(p.allocCtx, p.logger.With(zap.String("owner_id", ownerID)), cfg.Pipeline().SettleWait)
	}

	p.startReaper()
	return p, nil
}

// NewPoolWithFactory builds a pool around an injected page factory. Used by
// tests and by callers that manage the browser process themselves.
func NewPoolWithFactory(cfg config.Interface, logger *zap.Logger, factory PageFactory, creds CredentialsProvider) *Pool {
	p := newPool(cfg, logger, factory, creds)
	p.startReaper()
	return p
}

func newPool(cfg config.Interface, logger *zap.Logger, factory PageFactory, creds CredentialsProvider) *Pool {
	if creds == nil {
		creds = func(string) (Credentials, error) {
			portal := cfg.Portal()
			return Credentials{Username: portal.Username, Password: portal.Password}, nil
		}
	}
	p := &Pool{
		logger:   logger.Named("session_pool"),
		cfg:      cfg,
		factory:  factory,
		creds:    creds,
		sessions: make(map[string]*Session),
		reapStop: make(chan struct{}),
		reapDone: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// launchBrowser prepares allocator options and starts the headless browser
// process, verifying it responds before any session is created.
func (p *Pool) launchBrowser(ctx context.Context) error {
	p.logger.Info("Initializing browser allocator...")

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, p.buildAllocatorOptions()...)
	p.allocCtx = allocCtx
	p.allocCancel = cancel

	// Probe with a throwaway tab to confirm the process is alive.
	testCtx, cancelTest := context.WithTimeout(allocCtx, 30*time.Second)
	testCtx, cancelTab := chromedp.NewContext(testCtx)
	defer cancelTab()
	defer cancelTest()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		p.allocCancel()
		return fmt.Errorf("browser failed to start or respond: %w", err)
	}

	p.logger.Info("Browser launched successfully and is responsive.")
	return nil
}

// buildAllocatorOptions assembles the flags for the shared browser instance.
func (p *Pool) buildAllocatorOptions() []chromedp.ExecAllocatorOption {
	browserCfg := p.cfg.Browser()

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	opts = append(opts,
		// Later flags override earlier ones; this turns off the default
		// switch that advertises automation to the portal.
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("headless", browserCfg.Headless),
		chromedp.Flag("ignore-certificate-errors", browserCfg.IgnoreTLSErrors),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", browserCfg.Headless),
		chromedp.UserAgent(browserCfg.UserAgent),
	)

	for _, arg := range browserCfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		flagName := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(flagName, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(flagName, true))
		}
	}

	// Required when running inside containers on Linux.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}

	return opts
}

// Acquire returns the owner's session, creating one if needed. Jobs for the
// same owner are serialized: a second acquisition blocks until the first
// handle is released. When the pool is full and the owner has no session,
// behaviour follows pool.acquire_mode: fail fast or block for a freed slot.
func (p *Pool) Acquire(ctx context.Context, ownerID string) (*Handle, error) {
	poolCfg := p.cfg.Pool()
	if poolCfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, poolCfg.AcquireTimeout)
		defer cancel()
	}

	// Wake our own cond.Wait when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if s, ok := p.sessions[ownerID]; ok && s.status != StatusClosing {
			if s.refs > 0 {
				// Same owner, job already in flight.
				if err := p.waitLocked(ctx); err != nil {
					return nil, err
				}
				continue
			}
			s.refs++
			s.status = StatusActive
			s.lastUsedAt = time.Now()
			p.mu.Unlock()
			p.logger.Debug("Session reused.", zap.String("owner_id", ownerID))
			return &Handle{pool: p, sess: s}, nil
		}

		if len(p.sessions) >= poolCfg.MaxSessions && !p.evictLRUIdleLocked() {
			if poolCfg.AcquireMode == config.AcquireFail {
				n := len(p.sessions)
				p.mu.Unlock()
				return nil, fmt.Errorf("%w: %d/%d sessions live, none idle", ErrCapacityExceeded, n, poolCfg.MaxSessions)
			}
			if err := p.waitLocked(ctx); err != nil {
				return nil, err
			}
			continue
		}
		p.mu.Unlock()

		// Create outside the registry lock; singleflight collapses
		// concurrent same-owner creations onto one resource.
		_, err, _ := p.creating.Do(ownerID, func() (interface{}, error) {
			return nil, p.createSession(ctx, ownerID)
		})
		switch {
		case err == nil:
			// Registered; claim it on the next pass.
		case errors.Is(err, ErrCapacityExceeded) && poolCfg.AcquireMode == config.AcquireBlock:
			p.mu.Lock()
			if werr := p.waitLocked(ctx); werr != nil {
				return nil, werr
			}
		case errors.Is(err, ErrCapacityExceeded), errors.Is(err, ErrPoolClosed):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %w", ErrResourceCreateFailed, err)
		}
	}
}

// waitLocked blocks on the pool condition until something changes or ctx
// expires. Called with p.mu held; always returns with p.mu released.
func (p *Pool) waitLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("waiting for session slot: %w", err)
	}
	p.cond.Wait()
	err := ctx.Err()
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("waiting for session slot: %w", err)
	}
	return nil
}

// createSession starts a page and registers the session, re-checking
// capacity under the lock since it was released during startup.
func (p *Pool) createSession(ctx context.Context, ownerID string) error {
	creds, err := p.creds(ownerID)
	if err != nil {
		return fmt.Errorf("resolving credentials for %s: %w", ownerID, err)
	}

	page, err := p.factory(ctx, ownerID)
	if err != nil {
		return err
	}

	s := &Session{
		id:         uuid.New().String(),
		ownerID:    ownerID,
		logger:     p.logger.With(zap.String("owner_id", ownerID)),
		portal:     p.cfg.Portal(),
		factory:    p.factory,
		creds:      creds,
		page:       page,
		status:     StatusIdle,
		createdAt:  time.Now(),
		lastUsedAt: time.Now(),
	}

	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		s.close(ctx)
		return ErrPoolClosed
	case p.sessions[ownerID] != nil:
		// Lost a race; singleflight makes this unlikely but not impossible
		// across eviction boundaries.
		p.mu.Unlock()
		s.close(ctx)
		return nil
	case len(p.sessions) >= p.cfg.Pool().MaxSessions && !p.evictLRUIdleLocked():
		p.mu.Unlock()
		s.close(ctx)
		return ErrCapacityExceeded
	}
	p.sessions[ownerID] = s
	p.cond.Broadcast()
	p.mu.Unlock()

	p.logger.Info("Session created.",
		zap.String("owner_id", ownerID),
		zap.String("session_id", s.id[:8]))
	return nil
}

// evictLRUIdleLocked removes the least recently used idle session to make
// room. Returns false when every session is referenced. Caller holds p.mu.
func (p *Pool) evictLRUIdleLocked() bool {
	var victim *Session
	for _, s := range p.sessions {
		if s.refs > 0 || s.status == StatusClosing {
			continue
		}
		if victim == nil || s.lastUsedAt.Before(victim.lastUsedAt) {
			victim = s
		}
	}
	if victim == nil {
		return false
	}
	victim.status = StatusClosing
	delete(p.sessions, victim.ownerID)
	p.cond.Broadcast()
	p.logger.Info("Evicting LRU session.", zap.String("owner_id", victim.ownerID))
	go victim.close(context.Background())
	return true
}

// release is invoked by Handle.Release.
func (p *Pool) release(s *Session) {
	p.mu.Lock()
	if s.refs > 0 {
		s.refs--
	}
	if s.refs == 0 {
		s.status = StatusIdle
		s.lastUsedAt = time.Now()
		p.cond.Broadcast()
	}
	p.mu.Unlock()
	p.logger.Debug("Session released.", zap.String("owner_id", s.ownerID))
}

func (p *Pool) startReaper() {
	go func() {
		defer close(p.reapDone)
		interval := p.cfg.Pool().ReapInterval
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.reapStop:
				return
			case <-ticker.C:
				p.reapIdle()
			}
		}
	}()
}

// reapIdle closes sessions that sat unreferenced past the idle timeout.
// A referenced session is never reclaimed, whatever its age.
func (p *Pool) reapIdle() {
	idleTimeout := p.cfg.Pool().IdleTimeout
	now := time.Now()

	var expired []*Session
	p.mu.Lock()
	for owner, s := range p.sessions {
		if s.refs == 0 && now.Sub(s.lastUsedAt) > idleTimeout {
			s.status = StatusClosing
			delete(p.sessions, owner)
			expired = append(expired, s)
		}
	}
	if len(expired) > 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	for _, s := range expired {
		p.logger.Info("Evicting idle session.",
			zap.String("owner_id", s.ownerID),
			zap.Duration("idle", now.Sub(s.lastUsedAt)))
		s.close(context.Background())
	}
}

// Len reports the number of live sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Snapshot returns a diagnostic view of every live session.
func (p *Pool) Snapshot() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		s.mu.Lock()
		auth := s.authenticated && !s.stale
		s.mu.Unlock()
		infos = append(infos, SessionInfo{
			ID:            s.id,
			OwnerID:       s.ownerID,
			Status:        s.status,
			Authenticated: auth,
			InUse:         s.refs > 0,
			CreatedAt:     s.createdAt,
			LastUsedAt:    s.lastUsedAt,
		})
	}
	return infos
}

// Close stops the reaper, force-closes every session and terminates the
// shared browser process. In-flight handles become unusable.
func (p *Pool) Close(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.reapStop) })
	<-p.reapDone

	p.mu.Lock()
	p.closed = true
	remaining := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		s.status = StatusClosing
		remaining = append(remaining, s)
	}
	p.sessions = make(map[string]*Session)
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, s := range remaining {
		s.close(ctx)
	}

	if p.allocCancel != nil {
		p.logger.Info("Shutting down browser process...")
		p.allocCancel()
		<-p.allocCtx.Done()
	}
	p.logger.Info("Session pool closed.")
	return nil
}
