package mailbox

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/imap-bridge/internal/cache"
	"github.com/brandon/imap-bridge/internal/config"
	"github.com/brandon/imap-bridge/internal/errs"
	"github.com/brandon/imap-bridge/internal/session"
	"github.com/brandon/imap-bridge/pkg/types"
)

const rawPlain = "From: Alice <alice@example.com>\r\n" +
	"To: me@example.com\r\n" +
	"Subject: hello\r\n" +
	"Message-Id: <m1@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"plain body here\r\n"

const rawHTMLOnly = "From: Bob <bob@example.com>\r\n" +
	"To: me@example.com\r\n" +
	"Subject: rendered\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><body><p>html only body</p></body></html>\r\n"

// fakeDriver serves a scripted message set and records calls.
type fakeDriver struct {
	mu         sync.Mutex
	messages   map[uint32]*types.Email
	raw        map[uint32][]byte
	searchHits []uint32
	surviving  []uint32 // UIDs reported after an expunge

	fetchCount  int
	storeCalls  []string
	movedTo     string
	appended    []byte
	expunged    bool
	folderOps   []string
	failConnect bool
}

func (f *fakeDriver) Connect() error {
	if f.failConnect {
		return errs.New(errs.KindConnection, "connect refused")
	}
	return nil
}
func (f *fakeDriver) Close() error { return nil }
func (f *fakeDriver) Noop() error  { return nil }

func (f *fakeDriver) ListFolders() ([]types.Folder, error) {
	if f.failConnect {
		return nil, errs.New(errs.KindConnection, "connection lost")
	}
	return []types.Folder{{Name: "INBOX"}, {Name: "Archive"}}, nil
}

func (f *fakeDriver) SelectFolder(name string) (*types.FolderStatus, error) {
	return &types.FolderStatus{Name: name, UIDValidity: 7}, nil
}

func (f *fakeDriver) Search(criteria *types.SearchCriteria) ([]uint32, error) {
	return f.searchHits, nil
}

func (f *fakeDriver) SearchRange(from, to uint32) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var uids []uint32
	for _, uid := range f.surviving {
		if uid >= from && (to == 0 || uid <= to) {
			uids = append(uids, uid)
		}
	}
	return uids, nil
}

func (f *fakeDriver) Fetch(uids []uint32, wantBody bool) ([]types.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCount++

	var results []types.FetchResult
	for _, uid := range uids {
		email, ok := f.messages[uid]
		if !ok {
			results = append(results, types.FetchResult{UID: uid, Missing: true})
			continue
		}
		cp := *email
		r := types.FetchResult{UID: uid, Email: &cp}
		if wantBody {
			r.Raw = f.raw[uid]
		}
		results = append(results, r)
	}
	return results, nil
}

func (f *fakeDriver) FetchRaw(uid uint32) ([]byte, error) {
	raw, ok := f.raw[uid]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "no message %d", uid)
	}
	return raw, nil
}

func (f *fakeDriver) StoreFlags(uids []uint32, op types.FlagOp, flags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeCalls = append(f.storeCalls, string(op))
	return nil
}

func (f *fakeDriver) Move(uids []uint32, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.movedTo = dest
	return nil
}

func (f *fakeDriver) Append(folder string, raw []byte, flags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = raw
	return nil
}

func (f *fakeDriver) Expunge() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expunged = true
	return nil
}

func (f *fakeDriver) CreateFolder(name string) error {
	f.folderOps = append(f.folderOps, "create:"+name)
	return nil
}

func (f *fakeDriver) DeleteFolder(name string) error {
	f.folderOps = append(f.folderOps, "delete:"+name)
	return nil
}

func (f *fakeDriver) RenameFolder(oldName, newName string) error {
	f.folderOps = append(f.folderOps, "rename:"+oldName+":"+newName)
	return nil
}

func metaEmail(uid uint32) *types.Email {
	return &types.Email{
		UID:         uid,
		Subject:     "hello",
		SenderName:  "Alice",
		SenderEmail: "alice@example.com",
		To:          []string{"me@example.com"},
		Date:        time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
		Flags:       []string{"\\Seen"},
	}
}

func newTestService(t *testing.T, driver *fakeDriver) (*Service, *cache.Store) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{
		SearchResultLimit:  100,
		PoolMaxPerAccount:  1,
		IdleSessionTimeout: time.Minute,
		Accounts: []config.AccountConfig{
			{ID: "a1", IMAPHost: "h", IMAPPort: 993, Username: "u", Password: "p"},
		},
	}

	c, err := cache.NewCache(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	store := cache.NewStore(c, logger)
	require.NoError(t, store.UpsertAccount(&cfg.Accounts[0]))

	pool := session.NewPool(cfg, func(*config.AccountConfig) session.Driver { return driver }, logger, nil)
	t.Cleanup(pool.Close)

	return NewService(pool, store, cfg, logger), store
}

func TestGetEmailServesCachedMetadata(t *testing.T) {
	driver := &fakeDriver{}
	svc, store := newTestService(t, driver)

	cached := metaEmail(1)
	cached.AccountID = "a1"
	cached.Folder = "INBOX"
	require.NoError(t, store.UpsertEmails([]*types.Email{cached}))

	got, err := svc.GetEmail(context.Background(), "a1", "INBOX", 1, false)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Subject)
	assert.Zero(t, driver.fetchCount, "cached metadata must not touch the server")

	// Second read comes from the in-process LRU.
	_, err = svc.GetEmail(context.Background(), "a1", "INBOX", 1, false)
	require.NoError(t, err)
	assert.Zero(t, driver.fetchCount)
}

func TestGetEmailFetchesAndDecodesBody(t *testing.T) {
	driver := &fakeDriver{
		messages: map[uint32]*types.Email{1: metaEmail(1)},
		raw:      map[uint32][]byte{1: []byte(rawPlain)},
	}
	svc, store := newTestService(t, driver)

	got, err := svc.GetEmail(context.Background(), "a1", "INBOX", 1, true)
	require.NoError(t, err)
	assert.Contains(t, got.BodyText, "plain body here")
	assert.Equal(t, 1, driver.fetchCount)

	// The decoded body was written through: the next read is cache-only.
	got, err = svc.GetEmail(context.Background(), "a1", "INBOX", 1, true)
	require.NoError(t, err)
	assert.Contains(t, got.BodyText, "plain body here")
	assert.Equal(t, 1, driver.fetchCount)

	stored, err := store.GetEmail("a1", "INBOX", 1)
	require.NoError(t, err)
	assert.True(t, stored.HasBody())
}

func TestGetEmailRendersHTMLOnlyBody(t *testing.T) {
	driver := &fakeDriver{
		messages: map[uint32]*types.Email{2: metaEmail(2)},
		raw:      map[uint32][]byte{2: []byte(rawHTMLOnly)},
	}
	svc, _ := newTestService(t, driver)

	got, err := svc.GetEmail(context.Background(), "a1", "INBOX", 2, true)
	require.NoError(t, err)
	assert.NotEmpty(t, got.BodyHTML)
	assert.Contains(t, got.BodyText, "html only body")
}

func TestGetEmailMissingUID(t *testing.T) {
	driver := &fakeDriver{messages: map[uint32]*types.Email{}}
	svc, _ := newTestService(t, driver)

	_, err := svc.GetEmail(context.Background(), "a1", "INBOX", 99, false)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestListFoldersFallsBackToCacheWhenUnreachable(t *testing.T) {
	driver := &fakeDriver{}
	svc, store := newTestService(t, driver)

	require.NoError(t, store.UpsertFolder(&types.Folder{AccountID: "a1", Name: "INBOX"}))
	driver.failConnect = true

	folders, err := svc.ListFolders(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "INBOX", folders[0].Name)
}

func TestStoreFlagsMirrorsIntoCache(t *testing.T) {
	driver := &fakeDriver{}
	svc, store := newTestService(t, driver)

	cached := metaEmail(1)
	cached.AccountID = "a1"
	cached.Folder = "INBOX"
	require.NoError(t, store.UpsertEmails([]*types.Email{cached}))

	err := svc.StoreFlags(context.Background(), "a1", "INBOX", []uint32{1}, types.FlagAdd, []string{"\\Flagged"})
	require.NoError(t, err)
	assert.Equal(t, []string{"add"}, driver.storeCalls)

	got, err := store.GetEmail("a1", "INBOX", 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"\\Seen", "\\Flagged"}, got.Flags)
}

func TestMoveDropsCachedSourceRows(t *testing.T) {
	driver := &fakeDriver{}
	svc, store := newTestService(t, driver)

	cached := metaEmail(1)
	cached.AccountID = "a1"
	cached.Folder = "INBOX"
	require.NoError(t, store.UpsertEmails([]*types.Email{cached}))

	require.NoError(t, svc.Move(context.Background(), "a1", "INBOX", []uint32{1}, "Archive"))
	assert.Equal(t, "Archive", driver.movedTo)

	_, err := store.GetEmail("a1", "INBOX", 1)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestSearchRemoteWritesThrough(t *testing.T) {
	driver := &fakeDriver{
		messages:   map[uint32]*types.Email{1: metaEmail(1), 3: metaEmail(3)},
		searchHits: []uint32{1, 3},
	}
	svc, store := newTestService(t, driver)

	results, err := svc.SearchRemote(context.Background(), "a1", "INBOX", &types.SearchCriteria{Text: "hello"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	count, err := store.CountEmails("a1", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestExpungeDropsCachedRows(t *testing.T) {
	driver := &fakeDriver{surviving: []uint32{1, 3}}
	svc, store := newTestService(t, driver)

	var cached []*types.Email
	for _, uid := range []uint32{1, 2, 3} {
		e := metaEmail(uid)
		e.AccountID = "a1"
		e.Folder = "INBOX"
		cached = append(cached, e)
	}
	require.NoError(t, store.UpsertEmails(cached))

	require.NoError(t, svc.Expunge(context.Background(), "a1", "INBOX"))
	assert.True(t, driver.expunged)

	// UID 2 no longer exists on the server and must leave the cache; the
	// survivors stay.
	_, err := store.GetEmail("a1", "INBOX", 2)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	_, err = store.GetEmail("a1", "INBOX", 1)
	assert.NoError(t, err)
	_, err = store.GetEmail("a1", "INBOX", 3)
	assert.NoError(t, err)
}

func TestAppendRejectsEmptyMessage(t *testing.T) {
	driver := &fakeDriver{}
	svc, _ := newTestService(t, driver)

	err := svc.Append(context.Background(), "a1", "INBOX", nil, nil)
	assert.Equal(t, errs.KindProtocolRejected, errs.KindOf(err))
	assert.Nil(t, driver.appended)
}

func TestFolderLifecycleMirrorsCache(t *testing.T) {
	driver := &fakeDriver{}
	svc, store := newTestService(t, driver)
	ctx := context.Background()

	require.NoError(t, svc.CreateFolder(ctx, "a1", "Projects"))
	require.NoError(t, svc.RenameFolder(ctx, "a1", "Projects", "Work"))
	require.NoError(t, svc.DeleteFolder(ctx, "a1", "Work"))

	assert.Equal(t, []string{"create:Projects", "rename:Projects:Work", "delete:Work"}, driver.folderOps)

	folders, err := store.ListFolders("a1")
	require.NoError(t, err)
	assert.Empty(t, folders)
}

func TestApplyFlags(t *testing.T) {
	current := []string{"\\Seen", "\\Flagged"}

	assert.ElementsMatch(t, []string{"\\Seen", "\\Flagged", "\\Answered"},
		applyFlags(current, types.FlagAdd, []string{"\\Answered", "\\Seen"}))
	assert.ElementsMatch(t, []string{"\\Seen"},
		applyFlags(current, types.FlagRemove, []string{"\\Flagged"}))
	assert.Equal(t, []string{"\\Draft"},
		applyFlags(current, types.FlagReplace, []string{"\\Draft"}))
}

func TestListAccountsHidesCredentials(t *testing.T) {
	driver := &fakeDriver{}
	svc, _ := newTestService(t, driver)

	accounts := svc.ListAccounts()
	require.Len(t, accounts, 1)
	assert.Equal(t, "a1", accounts[0].ID)
}
