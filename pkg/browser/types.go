// pkg/browser/types.go
package browser

import (
	"context"
	"time"
)

// SessionStatus tracks a pooled session through its lifecycle.
type SessionStatus string

const (
	StatusIdle    SessionStatus = "idle"
	StatusActive  SessionStatus = "active"
	StatusClosing SessionStatus = "closing"
	StatusClosed  SessionStatus = "closed"
)

// Credentials authenticate one owner against the portal.
type Credentials struct {
	Username string
	Password string
}

// SelectOption is one entry of a <select> control.
type SelectOption struct {
	Value string `json:"value"`
	Text  string `json:"text"`
}

// PageDriver is the low-level surface the pipeline drives. The concrete
// implementation wraps a chromedp tab; tests substitute scripted fakes.
type PageDriver interface {
	// Navigate loads the URL and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error
	// CurrentURL reports the page's location after any redirects.
	CurrentURL(ctx context.Context) (string, error)
	// Fill types a value into the first element matching selector.
	Fill(ctx context.Context, selector, value string) error
	// Click clicks the first element matching selector.
	Click(ctx context.Context, selector string) error
	// IsVisible reports whether any element matching selector is rendered.
	IsVisible(ctx context.Context, selector string) (bool, error)
	// Evaluate runs a JS expression; out may be nil to discard the result.
	Evaluate(ctx context.Context, js string, out any) error
	// Text returns the inner text of the first element matching selector.
	Text(ctx context.Context, selector string) (string, error)
	// PageText returns the rendered text of the whole page body.
	PageText(ctx context.Context) (string, error)
	// HTML returns the serialized DOM of the page.
	HTML(ctx context.Context) (string, error)
	// Screenshot captures a full-page screenshot.
	Screenshot(ctx context.Context) ([]byte, error)
	// Close tears down the underlying tab. Idempotent.
	Close(ctx context.Context) error
}

// PageFactory creates a fresh page for an owner's session. The production
// factory opens a tab off the shared browser process; tests inject fakes.
type PageFactory func(ctx context.Context, ownerID string) (PageDriver, error)

// SessionInfo is a point-in-time view of a pooled session, for diagnostics.
type SessionInfo struct {
	ID            string
	OwnerID       string
	Status        SessionStatus
	Authenticated bool
	InUse         bool
	CreatedAt     time.Time
	LastUsedAt    time.Time
}
