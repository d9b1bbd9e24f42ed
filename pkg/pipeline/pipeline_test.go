// pkg/pipeline/pipeline_test.go
package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/clawops/chargebot/internal/config"
	"github.com/clawops/chargebot/internal/records"
	"github.com/clawops/chargebot/pkg/browser"
	"github.com/clawops/chargebot/pkg/browser/browsertest"
)

const (
	chargesURL = "https://portal.example.com/charges"
	loginURL   = "https://portal.example.com/login"
	programSel = `select[name="program_id"]`
	tourSel    = `select[name="tour_code"]`
	dateFrom   = `input[name="program_date_from"]`
)

// fakeSession satisfies the pipeline's Session interface with scripted
// behaviour.
type fakeSession struct {
	mu            sync.Mutex
	page          *browsertest.Page
	authenticated bool
	loginErr      error
	loginCalls    int
	invalidations int
	onLogin       func()
}

func (s *fakeSession) Page() browser.PageDriver { return s.page }

func (s *fakeSession) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *fakeSession) Login(ctx context.Context) error {
	s.mu.Lock()
	s.loginCalls++
	err := s.loginErr
	hook := s.onLogin
	if err == nil {
		s.authenticated = true
	}
	s.mu.Unlock()
	if err == nil && hook != nil {
		hook()
	}
	return err
}

func (s *fakeSession) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidations++
	s.authenticated = false
}

func (s *fakeSession) logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginCalls
}

func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("portal.base_url", loginURL)
	v.Set("portal.charges_form_url", chargesURL)
	v.Set("pipeline.retry_backoff", "5ms")
	v.Set("pipeline.step_timeout", "2s")
	v.Set("pipeline.navigation_timeout", "2s")
	v.Set("pipeline.settle_wait", "5ms")
	v.Set("pipeline.interaction_rate", 1000)
	v.Set("pipeline.artifacts_dir", t.TempDir())
	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)

	p, err := New(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	return p
}

// happyPage scripts a portal that accepts the whole submission flow.
func happyPage() *browsertest.Page {
	page := browsertest.New()
	page.Location = chargesURL
	page.SetOptions(programSel, []browser.SelectOption{
		{Value: "11", Text: "Europe Grand Tour EU250801"},
	})
	page.SetOptions(tourSel, nil)
	page.OnApply = func(selector, value string) {
		if selector == programSel {
			page.SetOptions(tourSel, []browser.SelectOption{{Value: "EU250801", Text: "EU250801"}})
		}
	}
	page.SetOptions(`select[name="type"]`, []browser.SelectOption{{Value: "flight", Text: "Flight"}})
	page.SetOptions(`select[name="currency"]`, []browser.SelectOption{{Value: "THB", Text: "THB"}})
	page.SetVisible(`button[type="submit"]`, true)
	page.BodyText = "Charge saved as C250801-000123. Thank you."
	page.HTMLData = "<html><body>ok</body></html>"
	return page
}

func authedSession(page *browsertest.Page) *fakeSession {
	return &fakeSession{page: page, authenticated: true}
}

func testRecord() records.Record {
	return records.Record{
		TourCode:   "EU250801",
		Pax:        10,
		Amount:     1500.50,
		Currency:   "THB",
		ChargeType: records.ChargeFlight,
	}
}

func TestInvalidRecordNeverTouchesSession(t *testing.T) {
	p := testPipeline(t)
	// A nil page guarantees a panic if any state past INIT runs.
	sess := &fakeSession{}

	rec := testRecord()
	rec.Amount = 0
	res := p.Process(context.Background(), sess, rec, "job-1", 0)

	assert.Equal(t, records.StatusFailed, res.Status)
	assert.Equal(t, KindInvalidInput, res.ErrorKind)
	assert.Zero(t, sess.logins())
}

func TestHappyPath(t *testing.T) {
	p := testPipeline(t)
	page := happyPage()
	sess := authedSession(page)

	res := p.Process(context.Background(), sess, testRecord(), "job-1", 0)

	require.Equal(t, records.StatusSuccess, res.Status, "detail: %s", res.ErrorDetail)
	assert.Equal(t, "C250801-000123", res.GeneratedID)
	assert.False(t, res.AmbiguousMatch)
	assert.False(t, res.VerifyManually)

	assert.Contains(t, page.Navigations, chargesURL)
	_, filtered := page.FillValue(dateFrom)
	assert.True(t, filtered, "the date filter was set")
	amount, ok := page.FillValue(`input[name*="amount"]`)
	require.True(t, ok)
	assert.Equal(t, "1500.5", amount)
	applied, ok := page.AppliedValue(tourSel)
	require.True(t, ok)
	assert.Equal(t, "EU250801", applied)
}

func TestLoginExhaustionFailsRecord(t *testing.T) {
	p := testPipeline(t)
	sess := &fakeSession{page: happyPage(), loginErr: errors.New("bad credentials")}

	res := p.Process(context.Background(), sess, testRecord(), "job-1", 0)

	assert.Equal(t, KindLoginFailed, res.ErrorKind)
	assert.Equal(t, 3, sess.logins(), "login retries exactly its configured budget")
}

func TestProgramNotFoundAfterWidenAndRetry(t *testing.T) {
	p := testPipeline(t)
	page := happyPage()
	page.SetOptions(programSel, []browser.SelectOption{
		{Value: "99", Text: "Japan Autumn JP250901"},
	})
	sess := authedSession(page)

	res := p.Process(context.Background(), sess, testRecord(), "job-1", 0)

	assert.Equal(t, KindProgramNotFound, res.ErrorKind)

	// The filter was applied twice, the second time at maximal bounds.
	from, ok := page.FillValue(dateFrom)
	require.True(t, ok)
	assert.Equal(t, "01/01/2015", from, "the retry widened the date range")
}

func TestTourCodeNotFoundHasNoRetry(t *testing.T) {
	p := testPipeline(t)
	page := happyPage()
	page.OnApply = func(selector, value string) {
		if selector == programSel {
			// The dependent dropdown repopulates, but with a different code.
			page.SetOptions(tourSel, []browser.SelectOption{{Value: "XX111111", Text: "XX111111"}})
		}
	}
	sess := authedSession(page)

	res := p.Process(context.Background(), sess, testRecord(), "job-1", 0)

	assert.Equal(t, KindTourCodeNotFound, res.ErrorKind)
	applied, _ := page.AppliedValue(programSel)
	assert.Equal(t, "11", applied, "the program selection itself succeeded")
}

func TestSubmitRetriesOnceThroughRefill(t *testing.T) {
	p := testPipeline(t)
	page := happyPage()
	page.PNGData = []byte{0x89, 'P', 'N', 'G'}
	clicks := 0
	page.OnClick = func(selector string) {
		clicks++
		// First submit shows a rejection banner; the retry goes through.
		page.SetVisible(".alert-danger", clicks == 1)
	}
	page.Texts[".alert-danger"] = "Please review the highlighted fields"
	sess := authedSession(page)

	res := p.Process(context.Background(), sess, testRecord(), "job-1", 2)

	require.Equal(t, records.StatusSuccess, res.Status, "detail: %s", res.ErrorDetail)
	assert.Equal(t, 2, clicks, "FILL_FIELDS to SUBMIT ran exactly twice")
	assert.NotEmpty(t, res.SnapshotPath, "the first failure left a diagnostic snapshot")
}

func TestSubmitFailureIsTerminalAfterRetry(t *testing.T) {
	p := testPipeline(t)
	page := happyPage()
	page.OnClick = func(selector string) {
		page.SetVisible(".alert-danger", true)
	}
	page.Texts[".alert-danger"] = "Validation failed"
	sess := authedSession(page)

	res := p.Process(context.Background(), sess, testRecord(), "job-1", 0)

	assert.Equal(t, KindSubmissionFailed, res.ErrorKind)
	assert.Contains(t, res.ErrorDetail, "Validation failed")
}

func TestExtractionFailureFlagsManualVerification(t *testing.T) {
	p := testPipeline(t)
	page := happyPage()
	page.BodyText = "The operation completed." // nothing extractable
	sess := authedSession(page)

	res := p.Process(context.Background(), sess, testRecord(), "job-1", 0)

	assert.Equal(t, records.StatusFailed, res.Status)
	assert.Equal(t, KindExtractionFailed, res.ErrorKind)
	assert.True(t, res.VerifyManually,
		"the submit may have landed server-side; never silently call it failed")
	assert.NotEmpty(t, res.SnapshotPath)
}

func TestStaleSessionRestartsFromLogin(t *testing.T) {
	p := testPipeline(t)
	page := happyPage()
	// The portal bounced to its login page and the first navigation died.
	page.Location = loginURL
	page.NavigateErr = errors.New("net::ERR_ABORTED")
	sess := &fakeSession{page: page, authenticated: true}
	sess.onLogin = func() {
		page.NavigateErr = nil
		page.Location = chargesURL
	}

	res := p.Process(context.Background(), sess, testRecord(), "job-1", 0)

	require.Equal(t, records.StatusSuccess, res.Status, "detail: %s", res.ErrorDetail)
	assert.Equal(t, 1, sess.invalidations, "the stale session was invalidated")
	assert.Equal(t, 1, sess.logins(), "processing re-authenticated and resumed")
}

func TestAmbiguousMatchIsFlagged(t *testing.T) {
	p := testPipeline(t)
	page := happyPage()
	page.SetOptions(programSel, []browser.SelectOption{
		{Value: "11", Text: "Promo B EU250801"},
		{Value: "12", Text: "Promo A EU250801"},
	})
	sess := authedSession(page)

	res := p.Process(context.Background(), sess, testRecord(), "job-1", 0)

	require.Equal(t, records.StatusSuccess, res.Status, "detail: %s", res.ErrorDetail)
	assert.True(t, res.AmbiguousMatch)
}

func TestCancelledContext(t *testing.T) {
	p := testPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := p.Process(ctx, authedSession(happyPage()), testRecord(), "job-1", 0)

	assert.Equal(t, KindCancelled, res.ErrorKind)
}
