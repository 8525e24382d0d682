package session

import (
	"context"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/imap-bridge/internal/config"
	"github.com/brandon/imap-bridge/internal/errs"
	"github.com/brandon/imap-bridge/pkg/types"
)

// fakeDriver is a scriptable in-memory Driver. It tracks concurrent entries
// so tests can assert that the session never lets two operations overlap.
type fakeDriver struct {
	mu        sync.Mutex
	connected bool
	connects  int
	selects   []string

	active    int32
	maxActive int32

	failNextFetch  error
	failNextSelect error
	failAllConnect error

	fetchDelay time.Duration
	uids       map[uint32][]string // uid -> flags
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{uids: map[uint32][]string{}}
}

func (f *fakeDriver) enter() {
	n := atomic.AddInt32(&f.active, 1)
	for {
		max := atomic.LoadInt32(&f.maxActive)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxActive, max, n) {
			break
		}
	}
}

func (f *fakeDriver) leave() { atomic.AddInt32(&f.active, -1) }

func (f *fakeDriver) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAllConnect != nil {
		return f.failAllConnect
	}
	f.connects++
	f.connected = true
	return nil
}

func (f *fakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeDriver) Noop() error { return nil }

func (f *fakeDriver) ListFolders() ([]types.Folder, error) {
	f.enter()
	defer f.leave()
	return []types.Folder{{Name: "INBOX"}}, nil
}

func (f *fakeDriver) SelectFolder(name string) (*types.FolderStatus, error) {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextSelect != nil {
		err := f.failNextSelect
		f.failNextSelect = nil
		return nil, err
	}
	f.selects = append(f.selects, name)
	return &types.FolderStatus{Name: name, UIDValidity: 1, UIDNext: 100}, nil
}

func (f *fakeDriver) Search(criteria *types.SearchCriteria) ([]uint32, error) {
	f.enter()
	defer f.leave()
	var uids []uint32
	f.mu.Lock()
	defer f.mu.Unlock()
	for uid := range f.uids {
		uids = append(uids, uid)
	}
	return uids, nil
}

func (f *fakeDriver) SearchRange(from, to uint32) ([]uint32, error) {
	return f.Search(nil)
}

func (f *fakeDriver) Fetch(uids []uint32, wantBody bool) ([]types.FetchResult, error) {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	if f.failNextFetch != nil {
		err := f.failNextFetch
		f.failNextFetch = nil
		f.mu.Unlock()
		return nil, err
	}
	delay := f.fetchDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var results []types.FetchResult
	for _, uid := range uids {
		if flags, ok := f.uids[uid]; ok {
			results = append(results, types.FetchResult{
				UID:   uid,
				Email: &types.Email{UID: uid, Flags: append([]string{}, flags...)},
			})
		} else {
			results = append(results, types.FetchResult{UID: uid, Missing: true})
		}
	}
	return results, nil
}

func (f *fakeDriver) FetchRaw(uid uint32) ([]byte, error) {
	f.enter()
	defer f.leave()
	return []byte("raw"), nil
}

func (f *fakeDriver) StoreFlags(uids []uint32, op types.FlagOp, flags []string) error {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, uid := range uids {
		current, ok := f.uids[uid]
		if !ok {
			continue
		}
		switch op {
		case types.FlagAdd:
			for _, fl := range flags {
				if !contains(current, fl) {
					current = append(current, fl)
				}
			}
		case types.FlagRemove:
			var kept []string
			for _, c := range current {
				if !contains(flags, c) {
					kept = append(kept, c)
				}
			}
			current = kept
		case types.FlagReplace:
			current = append([]string{}, flags...)
		}
		f.uids[uid] = current
	}
	return nil
}

func (f *fakeDriver) Move(uids []uint32, dest string) error { return nil }

func (f *fakeDriver) Append(folder string, raw []byte, flags []string) error {
	return nil
}

func (f *fakeDriver) Expunge() error                 { return nil }
func (f *fakeDriver) CreateFolder(name string) error { return nil }
func (f *fakeDriver) DeleteFolder(name string) error { return nil }
func (f *fakeDriver) RenameFolder(o, n string) error { return nil }

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig(limit int) *config.Config {
	return &config.Config{
		PoolMaxPerAccount:  limit,
		IdleSessionTimeout: time.Minute,
		Accounts: []config.AccountConfig{
			{ID: "a1", IMAPHost: "h", IMAPPort: 993, Username: "u", Password: "p"},
			{ID: "a2", IMAPHost: "h", IMAPPort: 993, Username: "u", Password: "p", Disabled: true},
		},
	}
}

func TestSessionSerializesOperations(t *testing.T) {
	driver := newFakeDriver()
	driver.uids[1] = []string{}
	driver.fetchDelay = time.Millisecond
	s := NewSession("a1", driver, testLogger(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Fetch("INBOX", []uint32{1}, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&driver.maxActive),
		"two protocol operations overlapped on one session")
}

func TestSessionRetriesConnectionErrorOnce(t *testing.T) {
	driver := newFakeDriver()
	driver.uids[2] = []string{}
	driver.failNextFetch = errs.New(errs.KindConnection, "connection reset")
	s := NewSession("a1", driver, testLogger(), nil)

	results, err := s.Fetch("INBOX", []uint32{2}, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint32(2), results[0].UID)

	// First select, reconnect, then re-select before the retry.
	assert.Equal(t, []string{"INBOX", "INBOX"}, driver.selects)
	assert.True(t, s.Healthy())
}

func TestSessionDoesNotRetryProtocolRejection(t *testing.T) {
	driver := newFakeDriver()
	driver.failNextSelect = errs.New(errs.KindNotFound, "folder missing")
	s := NewSession("a1", driver, testLogger(), nil)

	_, err := s.Fetch("Nope", []uint32{1}, false)
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	assert.Empty(t, driver.selects, "rejected select must not be retried")
	assert.True(t, s.Healthy(), "protocol rejection must not poison the session")
}

func TestSessionReusesSelection(t *testing.T) {
	driver := newFakeDriver()
	driver.uids[1] = []string{}
	s := NewSession("a1", driver, testLogger(), nil)

	_, err := s.Fetch("INBOX", []uint32{1}, false)
	require.NoError(t, err)
	_, err = s.Fetch("INBOX", []uint32{1}, false)
	require.NoError(t, err)
	_, err = s.Fetch("Archive", []uint32{1}, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"INBOX", "Archive"}, driver.selects)
}

func TestFlagRoundTripAndIdempotence(t *testing.T) {
	driver := newFakeDriver()
	driver.uids[2] = []string{"\\Seen"}
	s := NewSession("a1", driver, testLogger(), nil)

	require.NoError(t, s.StoreFlags("INBOX", []uint32{2}, types.FlagAdd, []string{"\\Flagged"}))
	require.NoError(t, s.StoreFlags("INBOX", []uint32{2}, types.FlagAdd, []string{"\\Flagged"}))

	results, err := s.Fetch("INBOX", []uint32{2}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"\\Seen", "\\Flagged"}, results[0].Email.Flags, "adding twice must equal adding once")

	require.NoError(t, s.StoreFlags("INBOX", []uint32{2}, types.FlagRemove, []string{"\\Flagged"}))
	results, err = s.Fetch("INBOX", []uint32{2}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"\\Seen"}, results[0].Email.Flags, "remove must restore the prior flag set")
}

func TestFetchSkipsMissingUID(t *testing.T) {
	driver := newFakeDriver()
	driver.uids[1] = []string{}
	driver.uids[3] = []string{}
	s := NewSession("a1", driver, testLogger(), nil)

	results, err := s.Fetch("INBOX", []uint32{1, 2, 3}, false)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.False(t, results[0].Missing)
	assert.True(t, results[1].Missing)
	assert.False(t, results[2].Missing)
}

func TestPoolAccountErrors(t *testing.T) {
	pool := NewPool(testConfig(1), func(*config.AccountConfig) Driver { return newFakeDriver() }, testLogger(), nil)
	defer pool.Close()

	_, err := pool.Acquire(context.Background(), "ghost")
	assert.Equal(t, errs.KindAccount, errs.KindOf(err))

	_, err = pool.Acquire(context.Background(), "a2")
	assert.Equal(t, errs.KindAccount, errs.KindOf(err))
}

func TestPoolServesWaitersInArrivalOrder(t *testing.T) {
	driver := newFakeDriver()
	driver.uids[1] = []string{}
	pool := NewPool(testConfig(1), func(*config.AccountConfig) Driver { return driver }, testLogger(), nil)
	defer pool.Close()

	first, err := pool.Acquire(context.Background(), "a1")
	require.NoError(t, err)

	var order []int
	var orderMu sync.Mutex
	var wg sync.WaitGroup
	ready := make(chan struct{}, 10)

	for i := 1; i <= 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ready <- struct{}{}
			s, err := pool.Acquire(context.Background(), "a1")
			require.NoError(t, err)
			orderMu.Lock()
			order = append(order, i)
			orderMu.Unlock()
			pool.Release(s)
		}()
		<-ready
		// Give the goroutine time to enqueue before starting the next so
		// arrival order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	pool.Release(first)
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func TestPoolBoundsSessionsPerAccount(t *testing.T) {
	var created int32
	pool := NewPool(testConfig(2), func(*config.AccountConfig) Driver {
		atomic.AddInt32(&created, 1)
		return newFakeDriver()
	}, testLogger(), nil)
	defer pool.Close()

	s1, err := pool.Acquire(context.Background(), "a1")
	require.NoError(t, err)
	s2, err := pool.Acquire(context.Background(), "a1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, "a1")
	assert.Equal(t, errs.KindTimeout, errs.KindOf(err))

	pool.Release(s1)
	pool.Release(s2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&created))
}

func TestPoolReleaseRacingCancelledWaiterKeepsSlot(t *testing.T) {
	driver := newFakeDriver()
	pool := NewPool(testConfig(1), func(*config.AccountConfig) Driver { return driver }, testLogger(), nil)
	defer pool.Close()

	for i := 0; i < 2000; i++ {
		held, err := pool.Acquire(context.Background(), "a1")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		acquired := make(chan *Session, 1)
		go func() {
			s, err := pool.Acquire(ctx, "a1")
			if err != nil {
				acquired <- nil
				return
			}
			acquired <- s
		}()

		// Wait for the waiter to enqueue so every iteration races the
		// hand-off against the cancellation.
		for {
			pool.mu.Lock()
			queued := len(pool.accounts["a1"].waiters) == 1
			pool.mu.Unlock()
			if queued {
				break
			}
			runtime.Gosched()
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); cancel() }()
		go func() { defer wg.Done(); pool.Release(held) }()
		wg.Wait()

		if s := <-acquired; s != nil {
			pool.Release(s)
		}

		// Whichever way the race went, the slot must still be usable.
		checkCtx, checkCancel := context.WithTimeout(context.Background(), time.Second)
		s, err := pool.Acquire(checkCtx, "a1")
		checkCancel()
		require.NoError(t, err, "pool slot leaked after cancel/release race at iteration %d", i)
		pool.Release(s)
	}
}

func TestPoolAcquireCancelIsNotTimeout(t *testing.T) {
	pool := NewPool(testConfig(1), func(*config.AccountConfig) Driver { return newFakeDriver() }, testLogger(), nil)
	defer pool.Close()

	held, err := pool.Acquire(context.Background(), "a1")
	require.NoError(t, err)
	defer pool.Release(held)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx, "a1")
	require.Error(t, err)
	assert.NotEqual(t, errs.KindTimeout, errs.KindOf(err),
		"caller abandonment must not surface as a timeout")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	_, err = pool.Acquire(ctx2, "a1")
	assert.Equal(t, errs.KindTimeout, errs.KindOf(err))
}

func TestPoolReleaseUnhealthyDestroysSession(t *testing.T) {
	driver := newFakeDriver()
	driver.failAllConnect = errs.New(errs.KindConnection, "refused")
	pool := NewPool(testConfig(1), func(*config.AccountConfig) Driver { return driver }, testLogger(), nil)
	defer pool.Close()

	s, err := pool.Acquire(context.Background(), "a1")
	require.NoError(t, err)

	// Drive the session into an unhealthy state: the fetch fails with a
	// connection error and the reconnect fails too.
	driver.failNextFetch = errs.New(errs.KindConnection, "reset")
	driver.uids[1] = []string{}
	_, err = s.Fetch("INBOX", []uint32{1}, false)
	require.Error(t, err)
	assert.False(t, s.Healthy())

	pool.Release(s)

	// The pool must be able to hand out a fresh session afterwards.
	driver.failAllConnect = nil
	s2, err := pool.Acquire(context.Background(), "a1")
	require.NoError(t, err)
	pool.Release(s2)
}

func TestPoolReapsIdleSessions(t *testing.T) {
	driver := newFakeDriver()
	pool := NewPool(testConfig(1), func(*config.AccountConfig) Driver { return driver }, testLogger(), nil)
	defer pool.Close()

	s, err := pool.Acquire(context.Background(), "a1")
	require.NoError(t, err)
	pool.Release(s)

	pool.reapIdle(time.Now().Add(2 * time.Minute))

	pool.mu.Lock()
	ap := pool.accounts["a1"]
	idle, total := len(ap.idle), ap.total
	pool.mu.Unlock()
	assert.Zero(t, idle)
	assert.Zero(t, total)
}
