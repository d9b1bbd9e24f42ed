// pkg/browser/browsertest/page.go
// Package browsertest provides a scriptable PageDriver for tests of the
// layers that drive a page, without a real browser behind it. The Evaluate
// implementation recognizes the JS shapes the form layer emits (option
// listing, select application, direct fill) and answers from scripted state.
package browsertest

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/clawops/chargebot/pkg/browser"
)

// Fill records one value written to a control.
type Fill struct {
	Selector string
	Value    string
}

// Page is a scriptable stand-in for a browser tab.
type Page struct {
	mu sync.Mutex

	// Scripted state, set by tests.
	Location   string
	OptionSets map[string][]browser.SelectOption
	VisibleSet map[string]bool
	// ButtonLabels maps a button's rendered label to its visibility, for
	// label-match click candidates.
	ButtonLabels map[string]bool
	Texts        map[string]string
	BodyText     string
	HTMLData     string
	PNGData      []byte

	RejectValues bool            // apply calls report "rejected"
	FailFills    map[string]bool // direct fills on these selectors report missing
	NavigateErr  error
	ClickErr     error

	// OnApply fires after a select application; tests use it to mutate
	// dependent option sets the way a cascading widget would.
	OnApply func(selector, value string)
	// OnClick fires after a recorded click; tests use it to script the
	// page's reaction to a submit.
	OnClick func(selector string)

	// Recorded interactions.
	Navigations []string
	Fills       []Fill
	Applied     []Fill
	Clicks      []string
	Closed      bool
}

// New returns an empty scripted page.
func New() *Page {
	return &Page{
		OptionSets:   map[string][]browser.SelectOption{},
		VisibleSet:   map[string]bool{},
		ButtonLabels: map[string]bool{},
		Texts:        map[string]string{},
		FailFills:    map[string]bool{},
	}
}

var _ browser.PageDriver = (*Page)(nil)

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NavigateErr != nil {
		return p.NavigateErr
	}
	p.Navigations = append(p.Navigations, url)
	p.Location = url
	return nil
}

func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Location, nil
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Fills = append(p.Fills, Fill{Selector: selector, Value: value})
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	if p.ClickErr != nil {
		p.mu.Unlock()
		return p.ClickErr
	}
	p.Clicks = append(p.Clicks, selector)
	hook := p.OnClick
	p.mu.Unlock()
	if hook != nil {
		hook(selector)
	}
	return nil
}

func (p *Page) IsVisible(ctx context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.VisibleSet[selector], nil
}

var (
	reSelector = regexp.MustCompile(`document\.querySelector\(("(?:[^"\\]|\\.)*")\)`)
	reValue    = regexp.MustCompile(`el\.value = ("(?:[^"\\]|\\.)*")`)
	reLabel    = regexp.MustCompile(`const label = ("(?:[^"\\]|\\.)*")`)
)

func unquote(quoted string) string {
	s, err := strconv.Unquote(quoted)
	if err != nil {
		return quoted
	}
	return s
}

// Evaluate dispatches on the JS shape the form layer generates.
func (p *Page) Evaluate(ctx context.Context, js string, out any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Label-match clicks scan buttons instead of resolving one selector.
	if strings.Contains(js, "el.textContent || el.value") {
		labelMatch := reLabel.FindStringSubmatch(js)
		if labelMatch == nil {
			return errors.New("browsertest: label click script without label")
		}
		clickedOut, isBool := out.(*bool)
		if !isBool {
			return errors.New("browsertest: label click script expects *bool")
		}
		label := unquote(labelMatch[1])
		if !p.ButtonLabels[label] {
			*clickedOut = false
			return nil
		}
		candidate := "text=" + label
		p.Clicks = append(p.Clicks, candidate)
		if p.OnClick != nil {
			hook := p.OnClick
			p.mu.Unlock()
			hook(candidate)
			p.mu.Lock()
		}
		*clickedOut = true
		return nil
	}

	selMatch := reSelector.FindStringSubmatch(js)
	if selMatch == nil {
		return errors.New("browsertest: unrecognized script")
	}
	selector := unquote(selMatch[1])

	switch {
	case strings.Contains(js, "el.options"):
		opts, ok := p.OptionSets[selector]
		dst, isSlice := out.(*[]browser.SelectOption)
		if !isSlice {
			return errors.New("browsertest: options listing expects *[]SelectOption")
		}
		if !ok {
			*dst = nil
			return nil
		}
		// Present-but-empty selects answer with an empty, non-nil list.
		*dst = make([]browser.SelectOption, 0, len(opts))
		*dst = append(*dst, opts...)
		return nil

	case strings.Contains(js, "selectpicker"):
		valMatch := reValue.FindStringSubmatch(js)
		if valMatch == nil {
			return errors.New("browsertest: apply script without value")
		}
		value := unquote(valMatch[1])
		status := "ok"
		if _, ok := p.OptionSets[selector]; !ok {
			status = "missing"
		} else if p.RejectValues {
			status = "rejected"
		} else {
			p.Applied = append(p.Applied, Fill{Selector: selector, Value: value})
			if p.OnApply != nil {
				// The hook may mutate scripted state; run it without the lock.
				hook := p.OnApply
				p.mu.Unlock()
				hook(selector, value)
				p.mu.Lock()
			}
		}
		if dst, ok := out.(*string); ok {
			*dst = status
			return nil
		}
		return errors.New("browsertest: apply script expects *string")

	case strings.Contains(js, "new Event('input'"):
		valMatch := reValue.FindStringSubmatch(js)
		if valMatch == nil {
			return errors.New("browsertest: fill script without value")
		}
		okOut, isBool := out.(*bool)
		if !isBool {
			return errors.New("browsertest: fill script expects *bool")
		}
		if p.FailFills[selector] {
			*okOut = false
			return nil
		}
		p.Fills = append(p.Fills, Fill{Selector: selector, Value: unquote(valMatch[1])})
		*okOut = true
		return nil

	default:
		return errors.New("browsertest: unrecognized script")
	}
}

func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Texts[selector], nil
}

func (p *Page) PageText(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.BodyText, nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.HTMLData, nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PNGData, nil
}

func (p *Page) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// FillValue returns the last value written to selector via either path.
func (p *Page) FillValue(selector string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.Fills) - 1; i >= 0; i-- {
		if p.Fills[i].Selector == selector {
			return p.Fills[i].Value, true
		}
	}
	return "", false
}

// AppliedValue returns the last value applied to a select.
func (p *Page) AppliedValue(selector string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.Applied) - 1; i >= 0; i-- {
		if p.Applied[i].Selector == selector {
			return p.Applied[i].Value, true
		}
	}
	return "", false
}

// SetOptions replaces the option set of a select.
func (p *Page) SetOptions(selector string, opts []browser.SelectOption) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OptionSets[selector] = opts
}

// SetVisible scripts the visibility of a selector.
func (p *Page) SetVisible(selector string, visible bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.VisibleSet[selector] = visible
}
