// pkg/form/interact.go
// Form field interaction strategies: direct value entry for plain inputs,
// and the cascading protocol for selectpicker-backed dropdowns whose
// choices repopulate dependent controls.
package form

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clawops/chargebot/internal/config"
	"github.com/clawops/chargebot/pkg/browser"
)

var (
	// ErrSelectNotFound: the selector matched no <select> on the page.
	ErrSelectNotFound = errors.New("select element not found")
	// ErrOptionNotFound: no option matched the requested value.
	ErrOptionNotFound = errors.New("no option matched")
	// ErrOptionRejected: the widget did not accept the chosen value.
	ErrOptionRejected = errors.New("select did not accept value")
	// ErrDependentUnchanged: a cascading select fired but its dependent
	// control never repopulated within the wait window.
	ErrDependentUnchanged = errors.New("dependent options did not update")
)

// Match is the outcome of resolving a query against a dropdown's options.
type Match struct {
	Option browser.SelectOption
	// Ambiguous is set when more than one option matched and a tie-break
	// was applied. Callers surface this on the record result.
	Ambiguous bool
}

// Interactor drives form controls through a PageDriver. All widget
// interactions are paced by one shared rate limiter so the portal never sees
// a burst it would throttle or flag.
type Interactor struct {
	logger        *zap.Logger
	limiter       *rate.Limiter
	dependentWait time.Duration
	pollInterval  time.Duration
}

// NewInteractor builds an interactor paced at cfg.InteractionRate
// interactions per second.
func NewInteractor(logger *zap.Logger, cfg config.PipelineConfig) *Interactor {
	return &Interactor{
		logger:        logger.Named("form"),
		limiter:       rate.NewLimiter(rate.Limit(cfg.InteractionRate), 1),
		dependentWait: cfg.DependentWait,
		pollInterval:  250 * time.Millisecond,
	}
}

// Options lists the current options of the <select> matching selector.
func (i *Interactor) Options(ctx context.Context, page browser.PageDriver, selector string) ([]browser.SelectOption, error) {
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el || !el.options) return null;
		return Array.from(el.options)
			.filter(o => o.value !== "")
			.map(o => ({value: o.value, text: o.textContent.trim()}));
	})()`, selector)

	var opts []browser.SelectOption
	if err := page.Evaluate(ctx, js, &opts); err != nil {
		return nil, fmt.Errorf("listing options of %s: %w", selector, err)
	}
	if opts == nil {
		return nil, fmt.Errorf("%w: %s", ErrSelectNotFound, selector)
	}
	return opts, nil
}

// MatchOption resolves query against opts. A query matches an option when it
// equals the value or is contained in the text, case-insensitively. With
// several matches the tie-break prefers the option whose trailing text token
// equals the query exactly; failing that the lexicographically first text
// wins, and the match is flagged ambiguous either way.
func MatchOption(opts []browser.SelectOption, query string) (Match, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return Match{}, false
	}

	var matches []browser.SelectOption
	for _, o := range opts {
		if strings.ToLower(o.Value) == q || strings.Contains(strings.ToLower(o.Text), q) {
			matches = append(matches, o)
		}
	}

	switch len(matches) {
	case 0:
		return Match{}, false
	case 1:
		return Match{Option: matches[0]}, true
	}

	for _, o := range matches {
		tokens := strings.Fields(o.Text)
		if len(tokens) > 0 && strings.ToLower(tokens[len(tokens)-1]) == q {
			return Match{Option: o, Ambiguous: true}, true
		}
	}
	sort.Slice(matches, func(a, b int) bool { return matches[a].Text < matches[b].Text })
	return Match{Option: matches[0], Ambiguous: true}, true
}

// Select resolves query against the dropdown's options and applies the
// chosen value, without dependent verification. Used for terminal selects.
func (i *Interactor) Select(ctx context.Context, page browser.PageDriver, selector, query string) (Match, error) {
	opts, err := i.Options(ctx, page, selector)
	if err != nil {
		return Match{}, err
	}
	m, ok := MatchOption(opts, query)
	if !ok {
		return Match{}, fmt.Errorf("%w: %q among %d options of %s", ErrOptionNotFound, query, len(opts), selector)
	}
	if err := i.apply(ctx, page, selector, m.Option.Value); err != nil {
		return Match{}, err
	}
	i.logger.Debug("Option selected.",
		zap.String("selector", selector),
		zap.String("value", m.Option.Value),
		zap.Bool("ambiguous", m.Ambiguous))
	return m, nil
}

// SelectCascading applies query to a cascading dropdown and waits for the
// dependent control's options to repopulate. The dependent snapshot is taken
// before the change so "updated" means "differs from then", which also covers
// an empty list becoming populated.
func (i *Interactor) SelectCascading(ctx context.Context, page browser.PageDriver, selector, query, dependentSelector string) (Match, error) {
	var before []browser.SelectOption
	if dependentSelector != "" {
		var err error
		before, err = i.Options(ctx, page, dependentSelector)
		if err != nil && !errors.Is(err, ErrSelectNotFound) {
			return Match{}, err
		}
	}

	m, err := i.Select(ctx, page, selector, query)
	if err != nil {
		return Match{}, err
	}

	if dependentSelector == "" {
		return m, nil
	}
	if err := i.waitDependent(ctx, page, dependentSelector, before); err != nil {
		return Match{}, err
	}
	return m, nil
}

// SetValue applies a literal value to a <select>, cascading into the
// dependent control when one is given. Used for fixed-value widgets like the
// charge type and currency pickers where the value is the option value.
func (i *Interactor) SetValue(ctx context.Context, page browser.PageDriver, selector, value, dependentSelector string) error {
	var before []browser.SelectOption
	if dependentSelector != "" {
		var err error
		before, err = i.Options(ctx, page, dependentSelector)
		if err != nil && !errors.Is(err, ErrSelectNotFound) {
			return err
		}
	}

	if err := i.apply(ctx, page, selector, value); err != nil {
		return err
	}
	if dependentSelector == "" {
		return nil
	}
	return i.waitDependent(ctx, page, dependentSelector, before)
}

// apply sets the select's value, refreshes the selectpicker facade when the
// page runs one, and dispatches change so listeners fire.
func (i *Interactor) apply(ctx context.Context, page browser.PageDriver, selector, value string) error {
	if err := i.limiter.Wait(ctx); err != nil {
		return err
	}
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return "missing";
		el.value = %q;
		if (window.jQuery && window.jQuery.fn.selectpicker) {
			window.jQuery(el).selectpicker('refresh');
		}
		el.dispatchEvent(new Event('change', {bubbles: true}));
		return el.value === %q ? "ok" : "rejected";
	})()`, selector, value, value)

	var status string
	if err := page.Evaluate(ctx, js, &status); err != nil {
		return fmt.Errorf("applying value to %s: %w", selector, err)
	}
	switch status {
	case "ok":
		return nil
	case "missing":
		return fmt.Errorf("%w: %s", ErrSelectNotFound, selector)
	default:
		return fmt.Errorf("%w: %q on %s", ErrOptionRejected, value, selector)
	}
}

// waitDependent polls the dependent select until its option list differs
// from the pre-change snapshot.
func (i *Interactor) waitDependent(ctx context.Context, page browser.PageDriver, selector string, before []browser.SelectOption) error {
	deadline := time.Now().Add(i.dependentWait)
	for {
		after, err := i.Options(ctx, page, selector)
		if err == nil && !cmp.Equal(before, after) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrDependentUnchanged, selector, i.dependentWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(i.pollInterval):
		}
	}
}

// FillDirect sets a plain input's value and dispatches input and change.
// Typing emulation is not needed; the portal's handlers listen on events,
// not keystrokes.
func (i *Interactor) FillDirect(ctx context.Context, page browser.PageDriver, selector, value string) error {
	if err := i.limiter.Wait(ctx); err != nil {
		return err
	}
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return false;
		el.value = %q;
		el.dispatchEvent(new Event('input', {bubbles: true}));
		el.dispatchEvent(new Event('change', {bubbles: true}));
		return true;
	})()`, selector, value)

	var ok bool
	if err := page.Evaluate(ctx, js, &ok); err != nil {
		return fmt.Errorf("filling %s: %w", selector, err)
	}
	if !ok {
		return fmt.Errorf("input not found: %s", selector)
	}
	return nil
}

// TextCandidatePrefix marks a click candidate that matches buttons by their
// rendered label instead of a CSS selector, e.g. "text=บันทึก". CSS cannot
// express text matching, and the portal's save button sometimes carries no
// usable attribute at all.
const TextCandidatePrefix = "text="

// ClickFirstVisible walks the candidates in order and clicks the first one
// that is rendered, resolving each as a CSS selector or, with the "text="
// prefix, as a button-label match. Returns the candidate used.
func (i *Interactor) ClickFirstVisible(ctx context.Context, page browser.PageDriver, candidates []string) (string, error) {
	for _, sel := range candidates {
		if label, ok := strings.CutPrefix(sel, TextCandidatePrefix); ok {
			if err := i.limiter.Wait(ctx); err != nil {
				return "", err
			}
			clicked, err := i.clickByLabel(ctx, page, label)
			if err != nil {
				return "", err
			}
			if clicked {
				return sel, nil
			}
			continue
		}
		visible, err := page.IsVisible(ctx, sel)
		if err != nil {
			return "", err
		}
		if !visible {
			continue
		}
		if err := i.limiter.Wait(ctx); err != nil {
			return "", err
		}
		if err := page.Click(ctx, sel); err != nil {
			return "", fmt.Errorf("clicking %s: %w", sel, err)
		}
		return sel, nil
	}
	return "", fmt.Errorf("no candidate selector visible (tried %d)", len(candidates))
}

// clickByLabel scans clickable controls for an exact label match and clicks
// the first visible one.
func (i *Interactor) clickByLabel(ctx context.Context, page browser.PageDriver, label string) (bool, error) {
	js := fmt.Sprintf(`(() => {
		const label = %q;
		const els = document.querySelectorAll('button, input[type="submit"], a.btn');
		for (const el of els) {
			const text = (el.textContent || el.value || "").trim();
			if (text !== label) continue;
			if (el.offsetWidth === 0 && el.offsetHeight === 0) continue;
			el.click();
			return true;
		}
		return false;
	})()`, label)

	var clicked bool
	if err := page.Evaluate(ctx, js, &clicked); err != nil {
		return false, fmt.Errorf("clicking by label %q: %w", label, err)
	}
	return clicked, nil
}
