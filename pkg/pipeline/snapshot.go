// pkg/pipeline/snapshot.go
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/clawops/chargebot/pkg/browser"
)

// Snapshotter writes diagnostic page captures for failed records: a
// full-page screenshot plus the raw markup, keyed by job and record index.
// Snapshots are best-effort; a capture failure never changes the record's
// outcome.
type Snapshotter struct {
	dir    string
	logger *zap.Logger
}

func NewSnapshotter(dir string, logger *zap.Logger) *Snapshotter {
	return &Snapshotter{dir: dir, logger: logger.Named("snapshot")}
}

// Capture stores the page state and returns the snapshot base path, or ""
// when nothing could be written.
func (s *Snapshotter) Capture(ctx context.Context, page browser.PageDriver, jobID string, index int) string {
	if s.dir == "" {
		return ""
	}
	dir := filepath.Join(s.dir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("Cannot create snapshot directory.", zap.Error(err))
		return ""
	}
	base := filepath.Join(dir, fmt.Sprintf("record_%03d", index))

	wrote := false
	if png, err := page.Screenshot(ctx); err != nil {
		s.logger.Warn("Screenshot capture failed.", zap.Error(err))
	} else if err := os.WriteFile(base+".png", png, 0o644); err != nil {
		s.logger.Warn("Screenshot write failed.", zap.Error(err))
	} else {
		wrote = true
	}

	if html, err := page.HTML(ctx); err != nil {
		s.logger.Warn("Markup capture failed.", zap.Error(err))
	} else if err := os.WriteFile(base+".html", []byte(html), 0o644); err != nil {
		s.logger.Warn("Markup write failed.", zap.Error(err))
	} else {
		wrote = true
	}

	if !wrote {
		return ""
	}
	s.logger.Info("Diagnostic snapshot captured.", zap.String("path", base))
	return base
}
