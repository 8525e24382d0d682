// Package syncer mirrors remote folder state into the cache store. Sync
// runs are incremental, UID-watermarked, chunked to bound memory, and
// limited by a per-run message cap and time budget. Bodies are never
// fetched here: background sync is metadata-only.
package syncer

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/imap-bridge/internal/cache"
	"github.com/brandon/imap-bridge/internal/config"
	"github.com/brandon/imap-bridge/internal/events"
	"github.com/brandon/imap-bridge/internal/session"
	"github.com/brandon/imap-bridge/pkg/types"
)

// Syncer drives sessions to pull folder state into the cache.
type Syncer struct {
	pool   *session.Pool
	store  *cache.Store
	cfg    *config.Config
	hub    *events.Hub
	logger *logrus.Logger
}

// NewSyncer creates a synchronizer. hub may be nil when no push transport
// is attached.
func NewSyncer(pool *session.Pool, store *cache.Store, cfg *config.Config, hub *events.Hub, logger *logrus.Logger) *Syncer {
	return &Syncer{
		pool:   pool,
		store:  store,
		cfg:    cfg,
		hub:    hub,
		logger: logger,
	}
}

// Run executes scheduled sync passes until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	s.SyncAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncAll(ctx)
		}
	}
}

// SyncAll syncs every enabled account. Account failures are isolated.
func (s *Syncer) SyncAll(ctx context.Context) {
	for i := range s.cfg.Accounts {
		acc := &s.cfg.Accounts[i]
		if acc.Disabled {
			continue
		}
		if err := s.SyncAccount(ctx, acc.ID); err != nil {
			s.logger.WithError(err).WithField("account", acc.ID).Warn("Account sync failed")
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// SyncAccount syncs every folder of one account. Folder failures are
// recorded in that folder's sync state and do not stop the run. The session
// goes back to the pool between folders so foreground callers are never
// blocked for the whole pass, and the time budget covers the entire account,
// not each folder.
func (s *Syncer) SyncAccount(ctx context.Context, accountID string) error {
	var folders []types.Folder
	err := s.pool.WithSession(ctx, accountID, func(sess *session.Session) error {
		var lerr error
		folders, lerr = sess.ListFolders()
		return lerr
	})
	if err != nil {
		return err
	}

	names := make([]string, 0, len(folders))
	for _, f := range folders {
		names = append(names, f.Name)
	}
	if err := s.store.PruneFolders(accountID, names); err != nil {
		s.logger.WithError(err).WithField("account", accountID).Warn("Failed to prune deleted folders")
	}

	deadline := time.Now().Add(s.cfg.SyncTimeBudget)
	for _, folder := range folders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			s.logger.WithField("account", accountID).Info("Sync time budget exhausted, deferring remaining folders")
			return nil
		}
		if isUnselectable(folder.Attributes) {
			continue
		}
		name := folder.Name
		err := s.pool.WithSession(ctx, accountID, func(sess *session.Session) error {
			return s.syncFolder(sess, accountID, name, deadline)
		})
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"account": accountID,
				"folder":  name,
			}).Warn("Failed to sync folder")
		}
	}
	return nil
}

// SyncFolder syncs a single folder on demand with a fresh time budget.
func (s *Syncer) SyncFolder(ctx context.Context, accountID, folder string) error {
	return s.pool.WithSession(ctx, accountID, func(sess *session.Session) error {
		return s.syncFolder(sess, accountID, folder, time.Now().Add(s.cfg.SyncTimeBudget))
	})
}

// syncFolder runs the per-folder algorithm: select, compare UID validity,
// enumerate new UIDs past the watermark, fetch metadata in bounded chunks,
// and advance the watermark transactionally with each chunk. deadline caps
// the work; chunks past it are deferred to the next run.
func (s *Syncer) syncFolder(sess *session.Session, accountID, folder string, deadline time.Time) error {
	log := s.logger.WithFields(logrus.Fields{"account": accountID, "folder": folder})

	status, err := sess.SelectFolder(folder)
	if err != nil {
		s.recordError(accountID, folder, err)
		return err
	}

	state, err := s.store.GetSyncState(accountID, folder)
	if err != nil {
		s.recordError(accountID, folder, err)
		return err
	}

	fullSync := state.LastUIDSynced == 0
	if state.UIDValidity != 0 && state.UIDValidity != status.UIDValidity {
		log.WithFields(logrus.Fields{
			"old_validity": state.UIDValidity,
			"new_validity": status.UIDValidity,
		}).Warn("UID validity changed, invalidating folder cache")
		if err := s.store.ResetFolder(accountID, folder, status.UIDValidity); err != nil {
			s.recordError(accountID, folder, err)
			return err
		}
		state.LastUIDSynced = 0
		fullSync = true
	}

	if err := s.store.UpsertFolder(&types.Folder{
		AccountID:   accountID,
		Name:        folder,
		UIDValidity: status.UIDValidity,
		UIDNext:     status.UIDNext,
		Total:       status.Total,
		Unseen:      status.Unseen,
		Recent:      status.Recent,
	}); err != nil {
		s.recordError(accountID, folder, err)
		return err
	}

	s.setStatus(accountID, folder, types.SyncRunning, "")

	uids, err := sess.SearchRange(folder, state.LastUIDSynced+1, 0)
	if err != nil {
		s.recordError(accountID, folder, err)
		return err
	}

	// Servers may echo UIDs at or below the range start; drop them so the
	// watermark only ever moves forward.
	filtered := uids[:0]
	for _, uid := range uids {
		if uid > state.LastUIDSynced {
			filtered = append(filtered, uid)
		}
	}
	uids = filtered
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	capped := false
	if len(uids) > s.cfg.SyncMessageCap {
		uids = uids[:s.cfg.SyncMessageCap]
		capped = true
	}

	synced := 0
	for start := 0; start < len(uids); start += s.cfg.SyncBatchSize {
		if time.Now().After(deadline) {
			capped = true
			break
		}

		end := start + s.cfg.SyncBatchSize
		if end > len(uids) {
			end = len(uids)
		}
		chunk := uids[start:end]

		results, err := sess.Fetch(folder, chunk, false)
		if err != nil {
			s.recordError(accountID, folder, err)
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
		}

		watermark := chunk[len(chunk)-1]
		if err := s.store.WriteSyncChunk(accountID, folder, emails, watermark, status.UIDValidity); err != nil {
			s.recordError(accountID, folder, err)
			return err
		}
		synced += len(emails)
	}

	if err := s.store.FinishSync(accountID, folder, fullSync && !capped); err != nil {
		s.recordError(accountID, folder, err)
		return err
	}
	s.setStatus(accountID, folder, types.SyncIdle, "")

	log.WithFields(logrus.Fields{
		"synced": synced,
		"capped": capped,
		"full":   fullSync,
	}).Info("Synced folder")
	return nil
}

func (s *Syncer) setStatus(accountID, folder string, status types.SyncStatus, errMsg string) {
	if err := s.store.SetSyncStatus(accountID, folder, status, errMsg); err != nil {
		s.logger.WithError(err).Warn("Failed to record sync status")
	}
	if s.hub != nil {
		s.hub.PublishSyncState(accountID, folder, string(status), errMsg)
	}
}

func (s *Syncer) recordError(accountID, folder string, cause error) {
	s.setStatus(accountID, folder, types.SyncError, cause.Error())
}

// isUnselectable reports whether a folder cannot be selected (\Noselect).
func isUnselectable(attributes []string) bool {
	for _, attr := range attributes {
		if attr == "\\Noselect" {
			return true
		}
	}
	return false
}
