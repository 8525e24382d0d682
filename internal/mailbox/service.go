// Package mailbox exposes the domain operations shared by every transport.
// Reads prefer the cache and fall through to a pooled IMAP session; writes
// go to the server first and the cache is updated only after the server
// accepted the change. Message bodies are decoded per request from the raw
// fetch and written through, so repeated reads of the same message hit the
// cache.
package mailbox

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/brandon/imap-bridge/internal/cache"
	"github.com/brandon/imap-bridge/internal/config"
	"github.com/brandon/imap-bridge/internal/errs"
	"github.com/brandon/imap-bridge/internal/session"
	"github.com/brandon/imap-bridge/pkg/types"
)

const (
	metaCacheSize = 512
	metaCacheTTL  = time.Minute
)

// AccountInfo is the transport-safe view of a configured account.
type AccountInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	Disabled bool   `json:"disabled"`
}

// Service implements the domain operations over the pool and the cache.
type Service struct {
	pool   *session.Pool
	store  *cache.Store
	cfg    *config.Config
	logger *logrus.Logger

	// metaCache keeps recently served metadata out of sqlite on hot paths.
	metaCache *expirable.LRU[string, *types.Email]
}

// NewService creates the mailbox service.
func NewService(pool *session.Pool, store *cache.Store, cfg *config.Config, logger *logrus.Logger) *Service {
	return &Service{
		pool:      pool,
		store:     store,
		cfg:       cfg,
		logger:    logger,
		metaCache: expirable.NewLRU[string, *types.Email](metaCacheSize, nil, metaCacheTTL),
	}
}

// ListAccounts returns all configured accounts without credentials.
func (s *Service) ListAccounts() []AccountInfo {
	infos := make([]AccountInfo, 0, len(s.cfg.Accounts))
	for i := range s.cfg.Accounts {
		acc := &s.cfg.Accounts[i]
		infos = append(infos, AccountInfo{
			ID:       acc.ID,
			Name:     acc.Name,
			Address:  acc.Address,
			Disabled: acc.Disabled,
		})
	}
	return infos
}

// ListFolders lists folders from the server, refreshing the cached folder
// rows. When the server is unreachable the cached listing is served instead.
func (s *Service) ListFolders(ctx context.Context, accountID string) ([]types.Folder, error) {
	var folders []types.Folder
	err := s.pool.WithSession(ctx, accountID, func(sess *session.Session) error {
		var err error
		folders, err = sess.ListFolders()
		return err
	})
	if err != nil {
		if errs.Retryable(err) {
			cached, cerr := s.store.ListFolders(accountID)
			if cerr == nil && len(cached) > 0 {
				s.logger.WithError(err).WithField("account", accountID).
					Warn("Serving cached folder list, server unreachable")
				return cached, nil
			}
		}
		return nil, err
	}

	for i := range folders {
		folders[i].AccountID = accountID
		if uerr := s.store.UpsertFolder(&folders[i]); uerr != nil {
			s.logger.WithError(uerr).Warn("Failed to refresh cached folder")
		}
	}
	return folders, nil
}

// GetEmail returns one message. Metadata comes from the cache when present;
// a body request that misses the cached body fetches and decodes the raw
// message, writing the decoded body through.
func (s *Service) GetEmail(ctx context.Context, accountID, folder string, uid uint32, wantBody bool) (*types.Email, error) {
	key := emailKey(accountID, folder, uid)
	if !wantBody {
		if email, ok := s.metaCache.Get(key); ok {
			return email, nil
		}
	}

	email, err := s.store.GetEmail(accountID, folder, uid)
	if err == nil && (!wantBody || email.HasBody()) {
		if !wantBody {
			s.metaCache.Add(key, email)
		}
		return email, nil
	}
	if err != nil && errs.KindOf(err) != errs.KindNotFound {
		return nil, err
	}

	fetched, err := s.fetchOne(ctx, accountID, folder, uid, wantBody)
	if err != nil {
		return nil, err
	}
	if uerr := s.store.UpsertEmails([]*types.Email{fetched}); uerr != nil {
		s.logger.WithError(uerr).Warn("Failed to write fetched message through to cache")
	}
	s.metaCache.Add(key, fetched)
	return fetched, nil
}

// fetchOne pulls one message from the server and, when a body was asked
// for, decodes it from the raw bytes. The raw buffer is not retained.
func (s *Service) fetchOne(ctx context.Context, accountID, folder string, uid uint32, wantBody bool) (*types.Email, error) {
	var result types.FetchResult
	err := s.pool.WithSession(ctx, accountID, func(sess *session.Session) error {
		results, err := sess.Fetch(folder, []uint32{uid}, wantBody)
		if err != nil {
			return err
		}
		if len(results) == 0 || results[0].Missing || results[0].Email == nil {
			return errs.New(errs.KindNotFound, "message %d not found in %s/%s", uid, accountID, folder)
		}
		result = results[0]
		return nil
	})
	if err != nil {
		return nil, err
	}

	email := result.Email
	email.AccountID = accountID
	email.Folder = folder

	if wantBody && len(result.Raw) > 0 {
		text, html, derr := decodeBody(result.Raw)
		if derr != nil {
			return nil, derr
		}
		email.BodyText = text
		email.BodyHTML = html
	}
	return email, nil
}

// GetRaw returns the undecoded RFC 822 message.
func (s *Service) GetRaw(ctx context.Context, accountID, folder string, uid uint32) ([]byte, error) {
	var raw []byte
	err := s.pool.WithSession(ctx, accountID, func(sess *session.Session) error {
		var err error
		raw, err = sess.FetchRaw(folder, uid)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errs.New(errs.KindNotFound, "message %d not found in %s/%s", uid, accountID, folder)
	}
	return raw, nil
}

// SearchCached searches the local cache only.
func (s *Service) SearchCached(opts cache.SearchOptions) ([]types.EmailSummary, error) {
	if opts.Limit <= 0 || opts.Limit > s.cfg.SearchResultLimit {
		opts.Limit = s.cfg.SearchResultLimit
	}
	return s.store.Search(opts)
}

// SearchText runs a full-text search over cached subjects, senders and
// bodies.
func (s *Service) SearchText(query, accountID string, limit int) ([]types.EmailSummary, error) {
	if limit <= 0 || limit > s.cfg.SearchResultLimit {
		limit = s.cfg.SearchResultLimit
	}
	return s.store.SearchFTS(query, accountID, limit)
}

// SearchRemote searches one folder on the server and returns summaries for
// the matches, writing their metadata through to the cache.
func (s *Service) SearchRemote(ctx context.Context, accountID, folder string, criteria *types.SearchCriteria) ([]types.EmailSummary, error) {
	var summaries []types.EmailSummary
	err := s.pool.WithSession(ctx, accountID, func(sess *session.Session) error {
		uids, err := sess.Search(folder, criteria)
		if err != nil {
			return err
		}
		if len(uids) > s.cfg.SearchResultLimit {
			uids = uids[:s.cfg.SearchResultLimit]
		}
		if len(uids) == 0 {
			return nil
		}

		results, err := sess.Fetch(folder, uids, false)
		if err != nil {
			return err
		}

		emails := make([]*types.Email, 0, len(results))
		for _, r := range results {
			if r.Missing || r.Email == nil {
				continue
			}
			r.Email.AccountID = accountID
			r.Email.Folder = folder
			emails = append(emails, r.Email)
			summaries = append(summaries, types.EmailSummary{
				AccountID:   accountID,
				Folder:      folder,
				UID:         r.Email.UID,
				Subject:     r.Email.Subject,
				SenderName:  r.Email.SenderName,
				SenderEmail: r.Email.SenderEmail,
				Date:        r.Email.Date,
			})
		}
		if uerr := s.store.UpsertEmails(emails); uerr != nil {
			s.logger.WithError(uerr).Warn("Failed to write search results through to cache")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// StoreFlags applies a flag change on the server and mirrors it into the
// cache for the rows already cached.
func (s *Service) StoreFlags(ctx context.Context, accountID, folder string, uids []uint32, op types.FlagOp, flags []string) error {
	err := s.pool.WithSession(ctx, accountID, func(sess *session.Session) error {
		return sess.StoreFlags(folder, uids, op, flags)
	})
	if err != nil {
		return err
	}

	for _, uid := range uids {
		s.metaCache.Remove(emailKey(accountID, folder, uid))
		cached, gerr := s.store.GetEmail(accountID, folder, uid)
		if gerr != nil {
			continue
		}
		if uerr := s.store.UpdateFlags(accountID, folder, uid, applyFlags(cached.Flags, op, flags)); uerr != nil {
			s.logger.WithError(uerr).Warn("Failed to mirror flag change into cache")
		}
	}
	return nil
}

// Move moves messages to another folder on the server. The cached source
// rows are dropped; the destination is picked up by the next sync pass.
func (s *Service) Move(ctx context.Context, accountID, folder string, uids []uint32, dest string) error {
	err := s.pool.WithSession(ctx, accountID, func(sess *session.Session) error {
		return sess.Move(folder, uids, dest)
	})
	if err != nil {
		return err
	}

	for _, uid := range uids {
		s.metaCache.Remove(emailKey(accountID, folder, uid))
	}
	if derr := s.store.DeleteEmails(accountID, folder, uids); derr != nil {
		s.logger.WithError(derr).Warn("Failed to drop moved messages from cache")
	}
	return nil
}

// Append stores a raw message into a folder on the server.
func (s *Service) Append(ctx context.Context, accountID, folder string, raw []byte, flags []string) error {
	if len(raw) == 0 {
		return errs.New(errs.KindProtocolRejected, "refusing to append an empty message")
	}
	return s.pool.WithSession(ctx, accountID, func(sess *session.Session) error {
		return sess.Append(folder, raw, flags)
	})
}

// Expunge permanently removes \Deleted messages from a folder. The folder's
// surviving UIDs are re-enumerated on the same session and cached rows for
// expunged messages are dropped immediately.
func (s *Service) Expunge(ctx context.Context, accountID, folder string) error {
	var surviving []uint32
	err := s.pool.WithSession(ctx, accountID, func(sess *session.Session) error {
		if err := sess.Expunge(folder); err != nil {
			return err
		}
		var serr error
		surviving, serr = sess.SearchRange(folder, 1, 0)
		return serr
	})
	if err != nil {
		return err
	}

	cached, err := s.store.ListUIDs(accountID, folder)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to enumerate cached uids after expunge")
		return nil
	}
	alive := make(map[uint32]bool, len(surviving))
	for _, uid := range surviving {
		alive[uid] = true
	}
	var removed []uint32
	for _, uid := range cached {
		if !alive[uid] {
			removed = append(removed, uid)
			s.metaCache.Remove(emailKey(accountID, folder, uid))
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if derr := s.store.DeleteEmails(accountID, folder, removed); derr != nil {
		s.logger.WithError(derr).Warn("Failed to drop expunged messages from cache")
	}
	return nil
}

// CreateFolder creates a folder on the server and mirrors it into the cache.
func (s *Service) CreateFolder(ctx context.Context, accountID, name string) error {
	err := s.pool.WithSession(ctx, accountID, func(sess *session.Session) error {
		return sess.CreateFolder(name)
	})
	if err != nil {
		return err
	}
	if uerr := s.store.UpsertFolder(&types.Folder{AccountID: accountID, Name: name}); uerr != nil {
		s.logger.WithError(uerr).Warn("Failed to mirror created folder into cache")
	}
	return nil
}

// DeleteFolder deletes a folder on the server and purges it from the cache.
func (s *Service) DeleteFolder(ctx context.Context, accountID, name string) error {
	err := s.pool.WithSession(ctx, accountID, func(sess *session.Session) error {
		return sess.DeleteFolder(name)
	})
	if err != nil {
		return err
	}
	if derr := s.store.DeleteFolder(accountID, name); derr != nil {
		s.logger.WithError(derr).Warn("Failed to purge deleted folder from cache")
	}
	return nil
}

// RenameFolder renames a folder on the server and in the cache, keeping
// cached messages and sync state attached to the new name.
func (s *Service) RenameFolder(ctx context.Context, accountID, oldName, newName string) error {
	err := s.pool.WithSession(ctx, accountID, func(sess *session.Session) error {
		return sess.RenameFolder(oldName, newName)
	})
	if err != nil {
		return err
	}
	if rerr := s.store.RenameFolder(accountID, oldName, newName); rerr != nil {
		s.logger.WithError(rerr).Warn("Failed to rename folder in cache")
	}
	return nil
}

// SyncStates returns the sync state of every tracked folder of an account.
func (s *Service) SyncStates(accountID string) ([]types.SyncState, error) {
	return s.store.ListSyncStates(accountID)
}

// SyncState returns the sync state of one folder.
func (s *Service) SyncState(accountID, folder string) (*types.SyncState, error) {
	return s.store.GetSyncState(accountID, folder)
}

// CheckHealth verifies the account's connection by issuing a NOOP on a
// pooled session.
func (s *Service) CheckHealth(ctx context.Context, accountID string) error {
	return s.pool.WithSession(ctx, accountID, func(sess *session.Session) error {
		return sess.Noop()
	})
}

func emailKey(accountID, folder string, uid uint32) string {
	return fmt.Sprintf("%s/%s/%d", accountID, folder, uid)
}

// applyFlags computes the flag set after an operation, mirroring the
// server-side semantics locally.
func applyFlags(current []string, op types.FlagOp, flags []string) []string {
	switch op {
	case types.FlagReplace:
		return flags
	case types.FlagAdd:
		out := append([]string{}, current...)
		for _, f := range flags {
			if !containsFlag(out, f) {
				out = append(out, f)
			}
		}
		return out
	case types.FlagRemove:
		out := make([]string, 0, len(current))
		for _, f := range current {
			if !containsFlag(flags, f) {
				out = append(out, f)
			}
		}
		return out
	}
	return current
}

func containsFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

// decodeBody extracts the plain-text and HTML bodies from a raw message.
// HTML-only messages get a text rendering so callers always have a text
// body to show.
func decodeBody(raw []byte) (text, html string, err error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return "", "", errs.Wrap(errs.KindInternal, err, "failed to decode message")
	}

	text = env.Text
	html = env.HTML
	if text == "" && html != "" {
		if rendered, terr := html2text.FromString(html, html2text.Options{TextOnly: true}); terr == nil {
			text = rendered
		}
	}
	return text, html, nil
}
