// pkg/browser/pool_test.go
package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/clawops/chargebot/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakePage is a scriptable PageDriver for pool and session tests.
type fakePage struct {
	mu       sync.Mutex
	location string
	// postLoginURL is what CurrentURL reports after the login submit click.
	postLoginURL string
	closed       bool
	fills        map[string]string
	clicks       []string
}

func newFakePage() *fakePage {
	return &fakePage{fills: map[string]string{}}
}

func (f *fakePage) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.location = url
	return nil
}

func (f *fakePage) CurrentURL(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.location, nil
}

func (f *fakePage) Fill(ctx context.Context, selector, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fills[selector] = value
	return nil
}

func (f *fakePage) Click(ctx context.Context, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks = append(f.clicks, selector)
	if f.postLoginURL != "" {
		f.location = f.postLoginURL
	}
	return nil
}

func (f *fakePage) IsVisible(ctx context.Context, selector string) (bool, error) { return true, nil }
func (f *fakePage) Evaluate(ctx context.Context, js string, out any) error       { return nil }
func (f *fakePage) Text(ctx context.Context, selector string) (string, error)    { return "", nil }
func (f *fakePage) PageText(ctx context.Context) (string, error)                 { return "", nil }
func (f *fakePage) HTML(ctx context.Context) (string, error)                     { return "", nil }
func (f *fakePage) Screenshot(ctx context.Context) ([]byte, error)               { return nil, nil }

func (f *fakePage) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePage) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeFactory counts page creations and remembers every page it handed out.
type fakeFactory struct {
	mu      sync.Mutex
	pages   []*fakePage
	created atomic.Int32
	err     error
}

func (f *fakeFactory) factory(ctx context.Context, ownerID string) (PageDriver, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created.Add(1)
	p := newFakePage()
	p.postLoginURL = "https://portal.example.com/dashboard"
	f.mu.Lock()
	f.pages = append(f.pages, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeFactory) page(i int) *fakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages[i]
}

func testConfig(t *testing.T, mutate func(v *viper.Viper)) config.Interface {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("pool.max_sessions", 2)
	v.Set("pool.acquire_timeout", "5s")
	v.Set("portal.base_url", "https://portal.example.com/login")
	if mutate != nil {
		mutate(v)
	}
	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)
	return cfg
}

func testPool(t *testing.T, cfg config.Interface) (*Pool, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	p := NewPoolWithFactory(cfg, zaptest.NewLogger(t), f.factory, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, p.Close(ctx))
	})
	return p, f
}

func TestBuildAllocatorOptions(t *testing.T) {
	pool, _ := testPool(t, testConfig(t, func(v *viper.Viper) {
		v.Set("browser.args", []string{"--lang=en-US", "--mute-audio"})
	}))

	opts := pool.buildAllocatorOptions()
	// The chromedp defaults are carried wholesale, with the automation
	// override, our own flags and the configured extra args on top.
	assert.Greater(t, len(opts), len(chromedp.DefaultExecAllocatorOptions)+7)
}

func TestAcquireCreatesAndReuses(t *testing.T) {
	pool, f := testPool(t, testConfig(t, nil))
	ctx := context.Background()

	h1, err := pool.Acquire(ctx, "alice")
	require.NoError(t, err)
	id := h1.Session().ID()
	assert.Equal(t, "alice", h1.Session().Owner())
	assert.Equal(t, 1, pool.Len())
	h1.Release()

	h2, err := pool.Acquire(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, id, h2.Session().ID(), "idle session is reused, not recreated")
	assert.Equal(t, int32(1), f.created.Load())
	h2.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	pool, _ := testPool(t, testConfig(t, nil))
	h, err := pool.Acquire(context.Background(), "alice")
	require.NoError(t, err)

	h.Release()
	h.Release()
	h.Release()

	// A double release must not corrupt the refcount; the next acquisition
	// still sees a clean idle session.
	h2, err := pool.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	h2.Release()
}

func TestSameOwnerJobsSerialized(t *testing.T) {
	pool, _ := testPool(t, testConfig(t, nil))
	ctx := context.Background()

	h1, err := pool.Acquire(ctx, "alice")
	require.NoError(t, err)

	acquired := make(chan *Handle, 1)
	go func() {
		h, err := pool.Acquire(ctx, "alice")
		if err == nil {
			acquired <- h
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquisition must block while the first handle is held")
	case <-time.After(100 * time.Millisecond):
	}

	h1.Release()
	select {
	case h2 := <-acquired:
		assert.Equal(t, h1.Session().ID(), h2.Session().ID())
		h2.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("second acquisition did not proceed after release")
	}
}

func TestConcurrentSameOwnerAcquireCreatesOneSession(t *testing.T) {
	pool, f := testPool(t, testConfig(t, nil))

	// All acquisitions race on an empty pool; only one resource may be built.
	const n = 10
	errs := make([]error, n)
	var wg sync.WaitGroup
	for k := 0; k < n; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			h, err := pool.Acquire(context.Background(), "alice")
			errs[k] = err
			if err == nil {
				h.Release()
			}
		}(k)
	}
	wg.Wait()

	for k, err := range errs {
		require.NoError(t, err, "acquisition %d", k)
	}
	assert.Equal(t, int32(1), f.created.Load(), "racing acquisitions share one creation")
	assert.Equal(t, 1, pool.Len())
}

func TestDistinctOwnersRunInParallel(t *testing.T) {
	pool, f := testPool(t, testConfig(t, nil))
	ctx := context.Background()

	h1, err := pool.Acquire(ctx, "alice")
	require.NoError(t, err)
	h2, err := pool.Acquire(ctx, "bob")
	require.NoError(t, err)

	assert.Equal(t, 2, pool.Len())
	assert.Equal(t, int32(2), f.created.Load())
	h1.Release()
	h2.Release()
}

func TestCapacityFailFast(t *testing.T) {
	pool, _ := testPool(t, testConfig(t, func(v *viper.Viper) {
		v.Set("pool.max_sessions", 1)
	}))
	ctx := context.Background()

	h, err := pool.Acquire(ctx, "alice")
	require.NoError(t, err)
	defer h.Release()

	_, err = pool.Acquire(ctx, "bob")
	assert.ErrorIs(t, err, ErrCapacityExceeded,
		"pool full with every session in use must fail fast in fail mode")
	assert.Equal(t, 1, pool.Len(), "capacity is never exceeded")
}

func TestCapacityEvictsIdleLRU(t *testing.T) {
	pool, f := testPool(t, testConfig(t, func(v *viper.Viper) {
		v.Set("pool.max_sessions", 1)
	}))
	ctx := context.Background()

	h, err := pool.Acquire(ctx, "alice")
	require.NoError(t, err)
	h.Release() // alice is now idle

	h2, err := pool.Acquire(ctx, "bob")
	require.NoError(t, err, "an idle session must be evicted to make room")
	defer h2.Release()

	assert.Equal(t, 1, pool.Len())
	assert.Eventually(t, func() bool { return f.page(0).isClosed() },
		2*time.Second, 10*time.Millisecond, "evicted session's page must be closed")
}

func TestInUseSessionNeverEvicted(t *testing.T) {
	pool, f := testPool(t, testConfig(t, func(v *viper.Viper) {
		v.Set("pool.max_sessions", 1)
	}))
	ctx := context.Background()

	h, err := pool.Acquire(ctx, "alice")
	require.NoError(t, err)
	defer h.Release()

	_, err = pool.Acquire(ctx, "bob")
	require.Error(t, err)
	assert.False(t, f.page(0).isClosed(), "a referenced session must never be closed")
}

func TestCapacityBlockMode(t *testing.T) {
	pool, _ := testPool(t, testConfig(t, func(v *viper.Viper) {
		v.Set("pool.max_sessions", 1)
		v.Set("pool.acquire_mode", "block")
	}))
	ctx := context.Background()

	h, err := pool.Acquire(ctx, "alice")
	require.NoError(t, err)

	acquired := make(chan error, 1)
	go func() {
		h2, err := pool.Acquire(ctx, "bob")
		if err == nil {
			h2.Release()
		}
		acquired <- err
	}()

	select {
	case <-acquired:
		t.Fatal("block-mode acquisition must wait while the pool is full")
	case <-time.After(100 * time.Millisecond):
	}

	h.Release()
	select {
	case err := <-acquired:
		assert.NoError(t, err, "blocked acquisition proceeds once a slot frees")
	case <-time.After(2 * time.Second):
		t.Fatal("blocked acquisition never proceeded")
	}
}

func TestBlockModeHonorsAcquireTimeout(t *testing.T) {
	pool, _ := testPool(t, testConfig(t, func(v *viper.Viper) {
		v.Set("pool.max_sessions", 1)
		v.Set("pool.acquire_mode", "block")
		v.Set("pool.acquire_timeout", "100ms")
	}))
	ctx := context.Background()

	h, err := pool.Acquire(ctx, "alice")
	require.NoError(t, err)
	defer h.Release()

	start := time.Now()
	_, err = pool.Acquire(ctx, "bob")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCreateFailureIsScopedToTheCall(t *testing.T) {
	cfg := testConfig(t, nil)
	f := &fakeFactory{err: errors.New("chrome went away")}
	pool := NewPoolWithFactory(cfg, zaptest.NewLogger(t), f.factory, nil)
	defer pool.Close(context.Background())

	_, err := pool.Acquire(context.Background(), "alice")
	require.ErrorIs(t, err, ErrResourceCreateFailed)
	assert.Equal(t, 0, pool.Len())

	// A later acquisition with a healthy factory succeeds.
	f.err = nil
	h, err := pool.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	h.Release()
}

func TestReaperEvictsIdleSessions(t *testing.T) {
	pool, f := testPool(t, testConfig(t, func(v *viper.Viper) {
		v.Set("pool.idle_timeout", "30ms")
		v.Set("pool.reap_interval", "10ms")
	}))

	h, err := pool.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	h.Release()

	assert.Eventually(t, func() bool { return pool.Len() == 0 },
		2*time.Second, 10*time.Millisecond, "idle session past the timeout must be reclaimed")
	assert.Eventually(t, func() bool { return f.page(0).isClosed() },
		2*time.Second, 10*time.Millisecond)
}

func TestReaperSparesBusySessions(t *testing.T) {
	pool, _ := testPool(t, testConfig(t, func(v *viper.Viper) {
		v.Set("pool.idle_timeout", "30ms")
		v.Set("pool.reap_interval", "10ms")
	}))

	h, err := pool.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	defer h.Release()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, pool.Len(), "a referenced session outlives any idle timeout")
}

func TestCloseForcesEverythingDown(t *testing.T) {
	cfg := testConfig(t, nil)
	f := &fakeFactory{}
	pool := NewPoolWithFactory(cfg, zaptest.NewLogger(t), f.factory, nil)

	h, err := pool.Acquire(context.Background(), "alice")
	require.NoError(t, err)

	require.NoError(t, pool.Close(context.Background()))
	assert.Equal(t, 0, pool.Len())
	assert.True(t, f.page(0).isClosed(), "shutdown closes sessions even while referenced")

	_, err = pool.Acquire(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrPoolClosed)
	h.Release() // must not panic after close
}

func TestSnapshot(t *testing.T) {
	pool, _ := testPool(t, testConfig(t, nil))
	h, err := pool.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	defer h.Release()

	infos := pool.Snapshot()
	require.Len(t, infos, 1)
	assert.Equal(t, "alice", infos[0].OwnerID)
	assert.True(t, infos[0].InUse)
	assert.False(t, infos[0].Authenticated)
}
