// pkg/pipeline/pipeline.go
// The per-record submission state machine. States run strictly in order
// with no skipping; each carries its own retry budget, and stale-session
// errors restart from ENSURE_SESSION charged against the state that hit
// them. Bounded retry handles transient faults; the extraction fallback
// chain handles structural uncertainty. The two are never mixed.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clawops/chargebot/internal/config"
	"github.com/clawops/chargebot/internal/records"
	"github.com/clawops/chargebot/pkg/browser"
	"github.com/clawops/chargebot/pkg/form"
)

// State names the stages of the submission machine.
type State string

const (
	StateInit          State = "INIT"
	StateEnsureSession State = "ENSURE_SESSION"
	StateNavigate      State = "NAVIGATE"
	StateSetFilter     State = "SET_FILTER"
	StateSelectProgram State = "SELECT_PROGRAM"
	StateSelectCode    State = "SELECT_CODE"
	StateFillFields    State = "FILL_FIELDS"
	StateSubmit        State = "SUBMIT"
	StateExtractID     State = "EXTRACT_ID"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
)

// Session is the slice of a pooled session the pipeline drives. The pool's
// *browser.Session satisfies it; tests substitute scripted fakes.
type Session interface {
	Page() browser.PageDriver
	Authenticated() bool
	Login(ctx context.Context) error
	Invalidate()
}

// portal date format.
const dateLayout = "02/01/2006"

// Pipeline processes one record at a time against a borrowed session.
type Pipeline struct {
	logger     *zap.Logger
	cfg        config.Interface
	interactor *form.Interactor
	extractor  *form.Extractor
	snapshots  *Snapshotter
}

func New(logger *zap.Logger, cfg config.Interface) (*Pipeline, error) {
	extractor, err := form.NewExtractor(logger, cfg.Portal())
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		logger:     logger.Named("pipeline"),
		cfg:        cfg,
		interactor: form.NewInteractor(logger, cfg.Pipeline()),
		extractor:  extractor,
		snapshots:  NewSnapshotter(cfg.Pipeline().ArtifactsDir, logger),
	}, nil
}

// Process runs the full state machine for one record. It always returns a
// result; errors are folded into the result's kind and detail. The session
// is borrowed, never released here.
func (p *Pipeline) Process(ctx context.Context, sess Session, rec records.Record, jobID string, index int) records.RecordResult {
	r := &run{
		p:     p,
		sess:  sess,
		rec:   rec,
		jobID: jobID,
		index: index,
		log: p.logger.With(
			zap.String("job_id", jobID),
			zap.Int("record", index),
			zap.String("tour_code", rec.TourCode)),
	}
	res := r.execute(ctx)
	res.Record = rec
	res.Attempts = r.attempts
	res.AmbiguousMatch = r.ambiguous
	res.Timestamp = time.Now()
	return res
}

// run is the mutable state of one record's trip through the machine.
type run struct {
	p     *Pipeline
	sess  Session
	rec   records.Record
	jobID string
	index int
	log   *zap.Logger

	attempts  int
	ambiguous bool

	// Retry bookkeeping. Counters are never reset, so a restart from
	// ENSURE_SESSION keeps charging the states that already struggled.
	navFailures    int
	filterFailures int
	submitFailures int
	widened        bool

	snapshotPath   string
	verifyManually bool
}

func (r *run) execute(ctx context.Context) records.RecordResult {
	// INIT is pure validation; a bad record must not touch the session.
	if err := r.rec.Validate(); err != nil {
		return r.failed(StateInit, KindInvalidInput, err)
	}

	pl := r.p.cfg.Pipeline()
	state := StateEnsureSession
	for {
		if err := ctx.Err(); err != nil {
			return r.failed(state, KindCancelled, err)
		}
		r.attempts++

		switch state {
		case StateEnsureSession:
			if err := r.ensureSession(ctx); err != nil {
				return r.failed(state, KindLoginFailed, err)
			}
			state = StateNavigate

		case StateNavigate:
			err := r.step(ctx, pl.NavigationTimeout, r.navigate)
			if err == nil {
				state = StateSetFilter
				continue
			}
			r.navFailures++
			r.log.Warn("Navigation failed.", zap.Int("failures", r.navFailures), zap.Error(err))
			if r.navFailures >= 2 {
				return r.failed(state, KindNavigationFailed, err)
			}
			if r.staleSession(ctx) {
				state = r.restart()
			}
			// else retry NAVIGATE

		case StateSetFilter:
			err := r.step(ctx, pl.StepTimeout, r.setFilter)
			if err == nil {
				state = StateSelectProgram
				continue
			}
			state = r.filterMiss(ctx, state, err)
			if state == StateFailed {
				return r.failed(StateSetFilter, KindProgramNotFound, err)
			}

		case StateSelectProgram:
			err := r.step(ctx, pl.StepTimeout, r.selectProgram)
			if err == nil {
				state = StateSelectCode
				continue
			}
			state = r.filterMiss(ctx, state, err)
			if state == StateFailed {
				return r.failed(StateSelectProgram, KindProgramNotFound, err)
			}

		case StateSelectCode:
			// No retry here. The only recovery for a missing code option is a
			// wider date filter, and that was already spent upstream.
			if err := r.step(ctx, pl.StepTimeout, r.selectCode); err != nil {
				return r.failed(state, KindTourCodeNotFound, err)
			}
			state = StateFillFields

		case StateFillFields:
			// A fill failure means the form schema drifted; retrying the same
			// selectors cannot help.
			if err := r.step(ctx, pl.StepTimeout, r.fillFields); err != nil {
				return r.failed(state, KindFieldFillFailed, err)
			}
			state = StateSubmit

		case StateSubmit:
			err := r.step(ctx, pl.StepTimeout, r.submit)
			if err == nil {
				state = StateExtractID
				continue
			}
			r.submitFailures++
			r.log.Warn("Submission failed.", zap.Int("failures", r.submitFailures), zap.Error(err))
			if r.snapshotPath == "" {
				r.snapshotPath = r.p.snapshots.Capture(ctx, r.sess.Page(), r.jobID, r.index)
			}
			if r.submitFailures >= 2 {
				return r.failed(state, KindSubmissionFailed, err)
			}
			if r.staleSession(ctx) {
				state = r.restart()
				continue
			}
			state = StateFillFields

		case StateExtractID:
			id, strategy, err := r.extract(ctx)
			if err != nil {
				// The submit may have landed server-side. Flag for manual
				// verification instead of calling the business operation failed.
				r.verifyManually = true
				if r.snapshotPath == "" {
					r.snapshotPath = r.p.snapshots.Capture(ctx, r.sess.Page(), r.jobID, r.index)
				}
				return r.failed(state, KindExtractionFailed, err)
			}
			r.log.Info("Record submitted.",
				zap.String("generated_id", id),
				zap.String("strategy", strategy),
				zap.Bool("ambiguous", r.ambiguous))
			return records.RecordResult{
				Status:       records.StatusSuccess,
				GeneratedID:  id,
				SnapshotPath: r.snapshotPath,
			}

		default:
			return r.failed(state, KindSubmissionFailed, fmt.Errorf("unexpected state %s", state))
		}
	}
}

// filterMiss applies the shared SET_FILTER/SELECT_PROGRAM budget: one widen
// and retry, stale restarts charged against the same budget.
func (r *run) filterMiss(ctx context.Context, state State, err error) State {
	r.filterFailures++
	r.log.Warn("Program lookup miss.",
		zap.String("state", string(state)),
		zap.Int("failures", r.filterFailures),
		zap.Bool("widened", r.widened),
		zap.Error(err))
	if r.filterFailures >= 2 {
		return StateFailed
	}
	if r.staleSession(ctx) {
		return r.restart()
	}
	r.widened = true
	return StateSetFilter
}

// restart invalidates the session and rewinds to ENSURE_SESSION.
func (r *run) restart() State {
	r.log.Warn("Stale session detected; restarting from login.")
	r.sess.Invalidate()
	return StateEnsureSession
}

// staleSession checks whether the portal bounced us back to its login page,
// the one observable signal of an expired session.
func (r *run) staleSession(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	url, err := r.sess.Page().CurrentURL(checkCtx)
	return err == nil && browser.LooksLikeLoginPage(url)
}

func (r *run) step(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(stepCtx)
}

// ensureSession logs in when the session holds no live authentication,
// with linear backoff between attempts.
func (r *run) ensureSession(ctx context.Context) error {
	if r.sess.Authenticated() {
		return nil
	}
	pl := r.p.cfg.Pipeline()
	var lastErr error
	for attempt := 1; attempt <= pl.LoginMaxRetries; attempt++ {
		err := r.step(ctx, pl.NavigationTimeout, r.sess.Login)
		if err == nil {
			return nil
		}
		lastErr = err
		r.log.Warn("Login attempt failed.", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == pl.LoginMaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pl.RetryBackoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("login failed after %d attempts: %w", pl.LoginMaxRetries, lastErr)
}

func (r *run) navigate(ctx context.Context) error {
	portal := r.p.cfg.Portal()
	url := portal.ChargesFormURL
	if url == "" {
		url = portal.BaseURL
	}
	return r.sess.Page().Navigate(ctx, url)
}

// setFilter writes the date-range filter that scopes the program dropdown.
// The first pass brackets the payment date; a widened pass opens the range
// to maximal bounds.
func (r *run) setFilter(ctx context.Context) error {
	portal := r.p.cfg.Portal()
	page := r.sess.Page()
	from, to := r.filterWindow()

	if portal.DateFromSelector != "" {
		if err := r.p.interactor.FillDirect(ctx, page, portal.DateFromSelector, from); err != nil {
			return fmt.Errorf("setting date-from filter: %w", err)
		}
	}
	if portal.DateToSelector != "" {
		if err := r.p.interactor.FillDirect(ctx, page, portal.DateToSelector, to); err != nil {
			return fmt.Errorf("setting date-to filter: %w", err)
		}
	}
	return nil
}

func (r *run) filterWindow() (string, string) {
	ref := time.Now()
	if r.rec.PaymentDate != "" {
		if t, err := time.Parse(dateLayout, r.rec.PaymentDate); err == nil {
			ref = t
		}
	}
	if r.widened {
		return "01/01/2015", ref.AddDate(2, 0, 0).Format(dateLayout)
	}
	return ref.AddDate(0, -6, 0).Format(dateLayout), ref.AddDate(0, 1, 0).Format(dateLayout)
}

// selectProgram drives the cascading program dropdown and waits for the
// tour-code options to repopulate.
func (r *run) selectProgram(ctx context.Context) error {
	portal := r.p.cfg.Portal()
	query := r.rec.ProgramCode
	if query == "" {
		query = r.rec.TourCode
	}
	m, err := r.p.interactor.SelectCascading(ctx, r.sess.Page(),
		portal.ProgramSelector, query, portal.TourCodeSelector)
	if err != nil {
		return err
	}
	r.ambiguous = r.ambiguous || m.Ambiguous
	return nil
}

func (r *run) selectCode(ctx context.Context) error {
	portal := r.p.cfg.Portal()
	m, err := r.p.interactor.Select(ctx, r.sess.Page(), portal.TourCodeSelector, r.rec.TourCode)
	if err != nil {
		return err
	}
	r.ambiguous = r.ambiguous || m.Ambiguous
	return nil
}

// fillFields populates one form row from the configured field list. Fields
// the record has no value for are skipped, never cleared.
func (r *run) fillFields(ctx context.Context) error {
	portal := r.p.cfg.Portal()
	page := r.sess.Page()
	for _, f := range portal.Fields {
		value, ok := r.rec.FieldValue(f.Key)
		if !ok {
			continue
		}
		var err error
		switch f.Mode {
		case config.ModeCascading:
			err = r.p.interactor.SetValue(ctx, page, f.Selector, value, "")
		default:
			err = r.p.interactor.FillDirect(ctx, page, f.Selector, value)
		}
		if err != nil {
			return fmt.Errorf("field %s: %w", f.Key, err)
		}
	}
	return nil
}

// submit clicks the first visible submit candidate and checks for an
// explicit rejection banner. Anything else counts as submitted; extraction
// decides what actually came back.
func (r *run) submit(ctx context.Context) error {
	portal := r.p.cfg.Portal()
	pl := r.p.cfg.Pipeline()
	page := r.sess.Page()

	sel, err := r.p.interactor.ClickFirstVisible(ctx, page, portal.SubmitCandidates)
	if err != nil {
		return err
	}
	r.log.Debug("Submit clicked.", zap.String("selector", sel))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pl.SettleWait):
	}

	if visible, verr := page.IsVisible(ctx, ".alert-danger"); verr == nil && visible {
		msg, _ := page.Text(ctx, ".alert-danger")
		return fmt.Errorf("portal rejected submission: %s", strings.TrimSpace(msg))
	}
	return nil
}

func (r *run) extract(ctx context.Context) (string, string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, r.p.cfg.Pipeline().StepTimeout)
	defer cancel()
	return r.p.extractor.Extract(stepCtx, r.sess.Page())
}

func (r *run) failed(state State, kind string, err error) records.RecordResult {
	perr := &Error{Kind: kind, State: state, Err: err}
	r.log.Warn("Record failed.", zap.String("kind", kind), zap.String("state", string(state)), zap.Error(err))
	res := records.RecordResult{
		Status:         records.StatusFailed,
		ErrorKind:      kind,
		SnapshotPath:   r.snapshotPath,
		VerifyManually: r.verifyManually,
	}
	res.ErrorDetail = perr.Error()
	return res
}
