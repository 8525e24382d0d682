package cache

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/brandon/imap-bridge/internal/errs"
	"github.com/brandon/imap-bridge/pkg/types"
)

// SearchOptions contains cached-search parameters.
type SearchOptions struct {
	AccountID string
	Folder    string
	Sender    string
	Recipient string
	Subject   string
	Body      string
	DateFrom  *time.Time
	DateTo    *time.Time
	Limit     int
}

// Search performs a search on cached emails.
func (s *Store) Search(opts SearchOptions) ([]types.EmailSummary, error) {
	var conditions []string
	var args []interface{}

	if opts.AccountID != "" {
		conditions = append(conditions, "e.account_id = ?")
		args = append(args, opts.AccountID)
	}
	if opts.Folder != "" {
		conditions = append(conditions, "e.folder = ?")
		args = append(args, opts.Folder)
	}
	if opts.Sender != "" {
		conditions = append(conditions, "(e.sender_email LIKE ? OR e.sender_name LIKE ?)")
		term := "%" + opts.Sender + "%"
		args = append(args, term, term)
	}
	if opts.Recipient != "" {
		conditions = append(conditions, "(e.to_addrs LIKE ? OR e.cc_addrs LIKE ?)")
		term := "%" + opts.Recipient + "%"
		args = append(args, term, term)
	}
	if opts.Subject != "" {
		conditions = append(conditions, "e.subject LIKE ?")
		args = append(args, "%"+opts.Subject+"%")
	}
	if opts.DateFrom != nil {
		conditions = append(conditions, "e.date >= ?")
		args = append(args, opts.DateFrom.UTC().Format(timeLayout))
	}
	if opts.DateTo != nil {
		conditions = append(conditions, "e.date <= ?")
		args = append(args, opts.DateTo.UTC().Format(timeLayout))
	}
	if opts.Body != "" {
		// Use FTS5 for body search
		conditions = append(conditions, "e.id IN (SELECT rowid FROM emails_fts WHERE emails_fts MATCH ?)")
		args = append(args, escapeFTS(opts.Body))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := fmt.Sprintf(`
		SELECT e.id, e.account_id, e.folder, e.uid, e.subject, e.sender_name, e.sender_email, e.date, e.body_text
		FROM emails e
		%s
		ORDER BY e.date DESC
		LIMIT ?
	`, whereClause)
	args = append(args, limit)

	rows, err := s.cache.DB().Query(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindCache, err, "failed to search emails")
	}
	defer rows.Close()

	var results []types.EmailSummary
	for rows.Next() {
		var (
			summary  types.EmailSummary
			dateStr  string
			bodyText sql.NullString
		)
		err := rows.Scan(
			&summary.ID,
			&summary.AccountID,
			&summary.Folder,
			&summary.UID,
			&summary.Subject,
			&summary.SenderName,
			&summary.SenderEmail,
			&dateStr,
			&bodyText,
		)
		if err != nil {
			return nil, errs.Wrap(errs.KindCache, err, "failed to scan email")
		}

		if t, err := time.Parse(timeLayout, dateStr); err == nil {
			summary.Date = t
		}
		summary.Snippet = makeSnippet(bodyText)
		results = append(results, summary)
	}
	return results, nil
}

// SearchFTS performs a full-text search using FTS5 over subject, sender and
// cached body text.
func (s *Store) SearchFTS(query string, accountID string, limit int) ([]types.EmailSummary, error) {
	conditions := []string{"e.id IN (SELECT rowid FROM emails_fts WHERE emails_fts MATCH ?)"}
	args := []interface{}{escapeFTS(query)}

	if accountID != "" {
		conditions = append(conditions, "e.account_id = ?")
		args = append(args, accountID)
	}

	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	sqlQuery := fmt.Sprintf(`
		SELECT e.id, e.account_id, e.folder, e.uid, e.subject, e.sender_name, e.sender_email, e.date, e.body_text
		FROM emails e
		WHERE %s
		ORDER BY e.date DESC
		LIMIT ?
	`, strings.Join(conditions, " AND "))
	args = append(args, limit)

	rows, err := s.cache.DB().Query(sqlQuery, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindCache, err, "failed to perform FTS search")
	}
	defer rows.Close()

	var results []types.EmailSummary
	for rows.Next() {
		var (
			summary  types.EmailSummary
			dateStr  string
			bodyText sql.NullString
		)
		err := rows.Scan(
			&summary.ID,
			&summary.AccountID,
			&summary.Folder,
			&summary.UID,
			&summary.Subject,
			&summary.SenderName,
			&summary.SenderEmail,
			&dateStr,
			&bodyText,
		)
		if err != nil {
			return nil, errs.Wrap(errs.KindCache, err, "failed to scan email")
		}

		if t, err := time.Parse(timeLayout, dateStr); err == nil {
			summary.Date = t
		}
		summary.Snippet = makeSnippet(bodyText)
		results = append(results, summary)
	}
	return results, nil
}

// escapeFTS escapes special characters for FTS5.
func escapeFTS(query string) string {
	query = strings.ReplaceAll(query, "\"", "\"\"")
	return strings.ReplaceAll(query, "'", "''")
}

func makeSnippet(bodyText sql.NullString) string {
	if !bodyText.Valid || bodyText.String == "" {
		return ""
	}
	// Truncate on rune boundaries so multi-byte characters are never split.
	runes := []rune(bodyText.String)
	if len(runes) > 200 {
		return string(runes[:200]) + "..."
	}
	return bodyText.String
}
