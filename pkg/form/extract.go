// pkg/form/extract.go
// Identifier extraction after submit. Strategies are tried strictly in
// order, from the most precise (a known result element) to the broadest
// (scanning the whole page text), and the first hit wins.
package form

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/clawops/chargebot/internal/config"
	"github.com/clawops/chargebot/pkg/browser"
)

// ErrNoIdentifier: every extraction strategy came up empty. The submit may
// still have succeeded server-side; callers must treat this as a
// verify-manually outcome, not a plain failure.
var ErrNoIdentifier = errors.New("no charge identifier found on result page")

// ExtractionStrategy is one way of locating the generated identifier.
type ExtractionStrategy interface {
	Name() string
	Extract(ctx context.Context, page browser.PageDriver) (string, error)
}

// elementStrategy reads known result elements and matches the canonical
// identifier pattern inside their text.
type elementStrategy struct {
	selectors []string
	pattern   *regexp.Regexp
}

func (s *elementStrategy) Name() string { return "element" }

func (s *elementStrategy) Extract(ctx context.Context, page browser.PageDriver) (string, error) {
	for _, sel := range s.selectors {
		visible, err := page.IsVisible(ctx, sel)
		if err != nil {
			return "", err
		}
		if !visible {
			continue
		}
		text, err := page.Text(ctx, sel)
		if err != nil {
			continue
		}
		if id := s.pattern.FindString(text); id != "" {
			return id, nil
		}
	}
	return "", nil
}

// pageStrategy matches the canonical identifier pattern anywhere in the
// rendered page text.
type pageStrategy struct {
	pattern *regexp.Regexp
}

func (s *pageStrategy) Name() string { return "page" }

func (s *pageStrategy) Extract(ctx context.Context, page browser.PageDriver) (string, error) {
	text, err := page.PageText(ctx)
	if err != nil {
		return "", err
	}
	return s.pattern.FindString(text), nil
}

// scanStrategy applies the broad fallback patterns, which may carry a
// capture group isolating the identifier from surrounding label text.
type scanStrategy struct {
	patterns []*regexp.Regexp
}

func (s *scanStrategy) Name() string { return "scan" }

func (s *scanStrategy) Extract(ctx context.Context, page browser.PageDriver) (string, error) {
	text, err := page.PageText(ctx)
	if err != nil {
		return "", err
	}
	for _, re := range s.patterns {
		m := re.FindStringSubmatch(text)
		switch {
		case m == nil:
			continue
		case len(m) > 1 && m[1] != "":
			return strings.TrimSpace(m[1]), nil
		default:
			return strings.TrimSpace(m[0]), nil
		}
	}
	return "", nil
}

// Extractor runs the configured strategy chain.
type Extractor struct {
	logger     *zap.Logger
	strategies []ExtractionStrategy
}

// NewExtractor compiles the portal's extraction contract into the ordered
// strategy chain.
func NewExtractor(logger *zap.Logger, portal config.PortalConfig) (*Extractor, error) {
	idPattern, err := regexp.Compile(portal.IDPattern)
	if err != nil {
		return nil, fmt.Errorf("compiling portal.id_pattern: %w", err)
	}

	scans := make([]*regexp.Regexp, 0, len(portal.ScanPatterns))
	for i, p := range portal.ScanPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling portal.scan_patterns[%d]: %w", i, err)
		}
		scans = append(scans, re)
	}

	return &Extractor{
		logger: logger.Named("extract"),
		strategies: []ExtractionStrategy{
			&elementStrategy{selectors: portal.ResultSelectors, pattern: idPattern},
			&pageStrategy{pattern: idPattern},
			&scanStrategy{patterns: scans},
		},
	}, nil
}

// Extract walks the chain and returns the first identifier found along with
// the name of the strategy that produced it. Exhaustion returns
// ErrNoIdentifier; strategy errors are logged and skipped so a flaky DOM
// read never masks a later strategy's hit.
func (e *Extractor) Extract(ctx context.Context, page browser.PageDriver) (string, string, error) {
	for _, s := range e.strategies {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}
		id, err := s.Extract(ctx, page)
		if err != nil {
			e.logger.Warn("Extraction strategy errored; trying next.",
				zap.String("strategy", s.Name()), zap.Error(err))
			continue
		}
		if id != "" {
			e.logger.Debug("Identifier extracted.",
				zap.String("strategy", s.Name()), zap.String("id", id))
			return id, s.Name(), nil
		}
	}
	return "", "", ErrNoIdentifier
}
