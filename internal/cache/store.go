package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/brandon/imap-bridge/internal/config"
	"github.com/brandon/imap-bridge/internal/errs"
	"github.com/brandon/imap-bridge/pkg/types"
)

// Store provides methods for storing and retrieving data from the cache.
// Every failure leaving this package is classified as a cache error, except
// lookups of rows that do not exist.
type Store struct {
	cache  *Cache
	logger *logrus.Logger
}

// NewStore creates a new store instance.
func NewStore(cache *Cache, logger *logrus.Logger) *Store {
	return &Store{
		cache:  cache,
		logger: logger,
	}
}

const timeLayout = time.RFC3339

type emailRow struct {
	ID          int64          `db:"id"`
	AccountID   string         `db:"account_id"`
	Folder      string         `db:"folder"`
	UID         uint32         `db:"uid"`
	MessageID   sql.NullString `db:"message_id"`
	Subject     sql.NullString `db:"subject"`
	SenderName  sql.NullString `db:"sender_name"`
	SenderEmail sql.NullString `db:"sender_email"`
	ToAddrs     sql.NullString `db:"to_addrs"`
	CcAddrs     sql.NullString `db:"cc_addrs"`
	Date        string         `db:"date"`
	Size        uint32         `db:"size"`
	Flags       sql.NullString `db:"flags"`
	BodyText    sql.NullString `db:"body_text"`
	BodyHTML    sql.NullString `db:"body_html"`
	CachedAt    string         `db:"cached_at"`
}

func (r *emailRow) toEmail() (*types.Email, error) {
	email := &types.Email{
		ID:          r.ID,
		AccountID:   r.AccountID,
		Folder:      r.Folder,
		UID:         r.UID,
		MessageID:   r.MessageID.String,
		Subject:     r.Subject.String,
		SenderName:  r.SenderName.String,
		SenderEmail: r.SenderEmail.String,
		Size:        r.Size,
		BodyText:    r.BodyText.String,
		BodyHTML:    r.BodyHTML.String,
	}

	var err error
	if email.Date, err = time.Parse(timeLayout, r.Date); err != nil {
		return nil, fmt.Errorf("failed to parse date: %w", err)
	}
	if r.CachedAt != "" {
		if email.CachedAt, err = time.Parse(timeLayout, r.CachedAt); err != nil {
			return nil, fmt.Errorf("failed to parse cached_at: %w", err)
		}
	}
	if err := unmarshalList(r.ToAddrs, &email.To); err != nil {
		return nil, err
	}
	if err := unmarshalList(r.CcAddrs, &email.Cc); err != nil {
		return nil, err
	}
	if err := unmarshalList(r.Flags, &email.Flags); err != nil {
		return nil, err
	}
	return email, nil
}

func unmarshalList(col sql.NullString, dst *[]string) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return fmt.Errorf("failed to unmarshal list column: %w", err)
	}
	return nil
}

func marshalList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// UpsertAccount mirrors a configured account into the cache. Credentials
// are never written.
func (s *Store) UpsertAccount(acc *config.AccountConfig) error {
	query := `
		INSERT INTO accounts (id, name, address, imap_host, imap_port, username, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			imap_host = excluded.imap_host,
			imap_port = excluded.imap_port,
			username = excluded.username,
			updated_at = excluded.updated_at
	`
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.cache.DB().Exec(query, acc.ID, acc.Name, acc.Address, acc.IMAPHost, acc.IMAPPort, acc.Username, now)
	return errs.Wrap(errs.KindCache, err, "failed to upsert account %q", acc.ID)
}

// UpsertFolder creates or updates a folder row.
func (s *Store) UpsertFolder(folder *types.Folder) error {
	query := `
		INSERT INTO folders (account_id, name, delimiter, attributes, uid_validity, uid_next, total, unseen, recent, last_synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, name) DO UPDATE SET
			delimiter = excluded.delimiter,
			attributes = excluded.attributes,
			uid_validity = excluded.uid_validity,
			uid_next = excluded.uid_next,
			total = excluded.total,
			unseen = excluded.unseen,
			recent = excluded.recent,
			last_synced = excluded.last_synced
	`
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.cache.DB().Exec(query,
		folder.AccountID, folder.Name, folder.Delimiter, marshalList(folder.Attributes),
		folder.UIDValidity, folder.UIDNext, folder.Total, folder.Unseen, folder.Recent, now)
	return errs.Wrap(errs.KindCache, err, "failed to upsert folder %q", folder.Name)
}

// ListFolders lists cached folders for an account.
func (s *Store) ListFolders(accountID string) ([]types.Folder, error) {
	rows, err := s.cache.DB().Queryx(`
		SELECT name, delimiter, attributes, uid_validity, uid_next, total, unseen, recent, last_synced
		FROM folders WHERE account_id = ? ORDER BY name`, accountID)
	if err != nil {
		return nil, errs.Wrap(errs.KindCache, err, "failed to query folders")
	}
	defer rows.Close()

	var folders []types.Folder
	for rows.Next() {
		var (
			f          types.Folder
			attrs      sql.NullString
			delim      sql.NullString
			lastSynced sql.NullString
		)
		if err := rows.Scan(&f.Name, &delim, &attrs, &f.UIDValidity, &f.UIDNext, &f.Total, &f.Unseen, &f.Recent, &lastSynced); err != nil {
			return nil, errs.Wrap(errs.KindCache, err, "failed to scan folder")
		}
		f.AccountID = accountID
		f.Delimiter = delim.String
		if err := unmarshalList(attrs, &f.Attributes); err != nil {
			return nil, errs.Wrap(errs.KindCache, err, "bad attributes for folder %q", f.Name)
		}
		if lastSynced.Valid {
			if t, err := time.Parse(timeLayout, lastSynced.String); err == nil {
				f.LastSynced = &t
			}
		}
		folders = append(folders, f)
	}
	return folders, nil
}

// PruneFolders deletes cached folders (and their emails and sync state)
// that are no longer present on the server.
func (s *Store) PruneFolders(accountID string, remaining []string) error {
	keep := make(map[string]bool, len(remaining))
	for _, name := range remaining {
		keep[name] = true
	}

	folders, err := s.ListFolders(accountID)
	if err != nil {
		return err
	}

	tx, err := s.cache.DB().Beginx()
	if err != nil {
		return errs.Wrap(errs.KindCache, err, "failed to begin prune transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, f := range folders {
		if keep[f.Name] {
			continue
		}
		if err := deleteFolderTx(tx, accountID, f.Name); err != nil {
			return err
		}
		s.logger.WithFields(logrus.Fields{"account": accountID, "folder": f.Name}).Info("Pruned deleted folder from cache")
	}
	return errs.Wrap(errs.KindCache, tx.Commit(), "failed to commit prune")
}

// DeleteFolder removes one folder and everything cached under it.
func (s *Store) DeleteFolder(accountID, name string) error {
	tx, err := s.cache.DB().Beginx()
	if err != nil {
		return errs.Wrap(errs.KindCache, err, "failed to begin delete transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := deleteFolderTx(tx, accountID, name); err != nil {
		return err
	}
	return errs.Wrap(errs.KindCache, tx.Commit(), "failed to commit folder delete")
}

func deleteFolderTx(tx *sqlx.Tx, accountID, name string) error {
	for _, q := range []string{
		"DELETE FROM emails WHERE account_id = ? AND folder = ?",
		"DELETE FROM sync_state WHERE account_id = ? AND folder = ?",
		"DELETE FROM folders WHERE account_id = ? AND name = ?",
	} {
		if _, err := tx.Exec(q, accountID, name); err != nil {
			return errs.Wrap(errs.KindCache, err, "failed to delete folder %q", name)
		}
	}
	return nil
}

// RenameFolder renames a folder across all cache tables.
func (s *Store) RenameFolder(accountID, oldName, newName string) error {
	tx, err := s.cache.DB().Beginx()
	if err != nil {
		return errs.Wrap(errs.KindCache, err, "failed to begin rename transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, q := range []string{
		"UPDATE folders SET name = ? WHERE account_id = ? AND name = ?",
		"UPDATE emails SET folder = ? WHERE account_id = ? AND folder = ?",
		"UPDATE sync_state SET folder = ? WHERE account_id = ? AND folder = ?",
	} {
		if _, err := tx.Exec(q, newName, accountID, oldName); err != nil {
			return errs.Wrap(errs.KindCache, err, "failed to rename folder %q", oldName)
		}
	}
	return errs.Wrap(errs.KindCache, tx.Commit(), "failed to commit folder rename")
}

// UpsertEmails writes a batch of email rows in one transaction. Metadata is
// always replaced; body columns are only overwritten when the new row
// actually carries a body, so cached bodies survive metadata refreshes.
func (s *Store) UpsertEmails(emails []*types.Email) error {
	if len(emails) == 0 {
		return nil
	}

	tx, err := s.cache.DB().Beginx()
	if err != nil {
		return errs.Wrap(errs.KindCache, err, "failed to begin upsert transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := upsertEmailsTx(tx, emails); err != nil {
		return err
	}
	return errs.Wrap(errs.KindCache, tx.Commit(), "failed to commit email upsert")
}

func upsertEmailsTx(tx *sqlx.Tx, emails []*types.Email) error {
	query := `
		INSERT INTO emails (account_id, folder, uid, message_id, subject, sender_name, sender_email, to_addrs, cc_addrs, date, size, flags, body_text, body_html, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, folder, uid) DO UPDATE SET
			message_id = excluded.message_id,
			subject = excluded.subject,
			sender_name = excluded.sender_name,
			sender_email = excluded.sender_email,
			to_addrs = excluded.to_addrs,
			cc_addrs = excluded.cc_addrs,
			date = excluded.date,
			size = excluded.size,
			flags = excluded.flags,
			body_text = CASE WHEN excluded.body_text IS NOT NULL THEN excluded.body_text ELSE emails.body_text END,
			body_html = CASE WHEN excluded.body_html IS NOT NULL THEN excluded.body_html ELSE emails.body_html END,
			cached_at = excluded.cached_at
	`
	now := time.Now().UTC().Format(timeLayout)
	for _, email := range emails {
		var bodyText, bodyHTML interface{}
		if email.BodyText != "" {
			bodyText = email.BodyText
		}
		if email.BodyHTML != "" {
			bodyHTML = email.BodyHTML
		}
		_, err := tx.Exec(query,
			email.AccountID, email.Folder, email.UID, email.MessageID, email.Subject,
			email.SenderName, email.SenderEmail, marshalList(email.To), marshalList(email.Cc),
			email.Date.UTC().Format(timeLayout), email.Size, marshalList(email.Flags),
			bodyText, bodyHTML, now)
		if err != nil {
			return errs.Wrap(errs.KindCache, err, "failed to upsert email uid %d", email.UID)
		}
	}
	return nil
}

// GetEmail retrieves one cached email by its (account, folder, uid) key.
func (s *Store) GetEmail(accountID, folder string, uid uint32) (*types.Email, error) {
	var row emailRow
	err := s.cache.DB().Get(&row, `
		SELECT id, account_id, folder, uid, message_id, subject, sender_name, sender_email,
		       to_addrs, cc_addrs, date, size, flags, body_text, body_html, cached_at
		FROM emails WHERE account_id = ? AND folder = ? AND uid = ?`, accountID, folder, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.KindNotFound, "email %s/%s/%d not cached", accountID, folder, uid)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindCache, err, "failed to get email")
	}

	email, err := row.toEmail()
	if err != nil {
		return nil, errs.Wrap(errs.KindCache, err, "corrupt email row %d", row.ID)
	}
	return email, nil
}

// UpdateFlags replaces the cached flag set for one message.
func (s *Store) UpdateFlags(accountID, folder string, uid uint32, flags []string) error {
	_, err := s.cache.DB().Exec(
		"UPDATE emails SET flags = ? WHERE account_id = ? AND folder = ? AND uid = ?",
		marshalList(flags), accountID, folder, uid)
	return errs.Wrap(errs.KindCache, err, "failed to update flags for uid %d", uid)
}

// DeleteEmails removes cached rows for expunged or moved messages.
func (s *Store) DeleteEmails(accountID, folder string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		"DELETE FROM emails WHERE account_id = ? AND folder = ? AND uid IN (?)",
		accountID, folder, uids)
	if err != nil {
		return errs.Wrap(errs.KindCache, err, "failed to build delete query")
	}
	_, err = s.cache.DB().Exec(query, args...)
	return errs.Wrap(errs.KindCache, err, "failed to delete emails")
}

// ListUIDs returns the UIDs of every cached message in a folder.
func (s *Store) ListUIDs(accountID, folder string) ([]uint32, error) {
	var uids []uint32
	err := s.cache.DB().Select(&uids,
		"SELECT uid FROM emails WHERE account_id = ? AND folder = ? ORDER BY uid",
		accountID, folder)
	if err != nil {
		return nil, errs.Wrap(errs.KindCache, err, "failed to list cached uids")
	}
	return uids, nil
}

// GetSyncState returns the watermark row for a folder, or a zero-valued
// idle state if the folder has never been synced.
func (s *Store) GetSyncState(accountID, folder string) (*types.SyncState, error) {
	var (
		state           types.SyncState
		lastFull        sql.NullString
		lastIncremental sql.NullString
	)
	err := s.cache.DB().QueryRow(`
		SELECT uid_validity, last_uid_synced, last_full_sync, last_incremental_sync, status, last_error
		FROM sync_state WHERE account_id = ? AND folder = ?`, accountID, folder).
		Scan(&state.UIDValidity, &state.LastUIDSynced, &lastFull, &lastIncremental, &state.Status, &state.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return &types.SyncState{AccountID: accountID, Folder: folder, Status: types.SyncIdle}, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindCache, err, "failed to get sync state")
	}

	state.AccountID = accountID
	state.Folder = folder
	if lastFull.Valid {
		if t, err := time.Parse(timeLayout, lastFull.String); err == nil {
			state.LastFullSync = &t
		}
	}
	if lastIncremental.Valid {
		if t, err := time.Parse(timeLayout, lastIncremental.String); err == nil {
			state.LastIncremental = &t
		}
	}
	return &state, nil
}

// ListSyncStates returns the watermark rows for every synced folder of an
// account.
func (s *Store) ListSyncStates(accountID string) ([]types.SyncState, error) {
	folders, err := s.ListFolders(accountID)
	if err != nil {
		return nil, err
	}
	states := make([]types.SyncState, 0, len(folders))
	for _, f := range folders {
		state, err := s.GetSyncState(accountID, f.Name)
		if err != nil {
			return nil, err
		}
		states = append(states, *state)
	}
	return states, nil
}

// SetSyncStatus records a status transition for a folder.
func (s *Store) SetSyncStatus(accountID, folder string, status types.SyncStatus, lastError string) error {
	query := `
		INSERT INTO sync_state (account_id, folder, status, last_error)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, folder) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error
	`
	_, err := s.cache.DB().Exec(query, accountID, folder, status, lastError)
	return errs.Wrap(errs.KindCache, err, "failed to set sync status")
}

// WriteSyncChunk durably writes one chunk of synced emails together with
// the watermark that covers them, in a single transaction. A crash between
// chunks resumes from the last committed watermark: partial writes are
// never observable.
func (s *Store) WriteSyncChunk(accountID, folder string, emails []*types.Email, watermark, uidValidity uint32) error {
	tx, err := s.cache.DB().Beginx()
	if err != nil {
		return errs.Wrap(errs.KindCache, err, "failed to begin sync chunk transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := upsertEmailsTx(tx, emails); err != nil {
		return err
	}

	query := `
		INSERT INTO sync_state (account_id, folder, uid_validity, last_uid_synced, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, folder) DO UPDATE SET
			uid_validity = excluded.uid_validity,
			last_uid_synced = excluded.last_uid_synced,
			status = excluded.status
	`
	if _, err := tx.Exec(query, accountID, folder, uidValidity, watermark, types.SyncRunning); err != nil {
		return errs.Wrap(errs.KindCache, err, "failed to advance watermark")
	}
	return errs.Wrap(errs.KindCache, tx.Commit(), "failed to commit sync chunk")
}

// FinishSync marks a folder's sync run complete, stamping the appropriate
// completion time.
func (s *Store) FinishSync(accountID, folder string, full bool) error {
	column := "last_incremental_sync"
	if full {
		column = "last_full_sync"
	}
	query := fmt.Sprintf(`
		UPDATE sync_state SET status = ?, last_error = '', %s = ?
		WHERE account_id = ? AND folder = ?`, column)
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.cache.DB().Exec(query, types.SyncIdle, now, accountID, folder)
	return errs.Wrap(errs.KindCache, err, "failed to finish sync")
}

// ResetFolder invalidates every cached row for a folder after a
// UID-validity change and re-arms the watermark for a full resync.
func (s *Store) ResetFolder(accountID, folder string, newValidity uint32) error {
	tx, err := s.cache.DB().Beginx()
	if err != nil {
		return errs.Wrap(errs.KindCache, err, "failed to begin reset transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec("DELETE FROM emails WHERE account_id = ? AND folder = ?", accountID, folder); err != nil {
		return errs.Wrap(errs.KindCache, err, "failed to invalidate emails")
	}
	query := `
		INSERT INTO sync_state (account_id, folder, uid_validity, last_uid_synced, status)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(account_id, folder) DO UPDATE SET
			uid_validity = excluded.uid_validity,
			last_uid_synced = 0,
			status = excluded.status
	`
	if _, err := tx.Exec(query, accountID, folder, newValidity, types.SyncRunning); err != nil {
		return errs.Wrap(errs.KindCache, err, "failed to reset watermark")
	}
	return errs.Wrap(errs.KindCache, tx.Commit(), "failed to commit folder reset")
}

// CountEmails returns the number of cached emails in a folder.
func (s *Store) CountEmails(accountID, folder string) (int, error) {
	var count int
	err := s.cache.DB().Get(&count,
		"SELECT COUNT(*) FROM emails WHERE account_id = ? AND folder = ?", accountID, folder)
	if err != nil {
		return 0, errs.Wrap(errs.KindCache, err, "failed to count emails")
	}
	return count, nil
}
