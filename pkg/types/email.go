package types

import "time"

// Email represents a synchronized email message. Metadata fields are always
// populated; BodyText/BodyHTML are set only when a body was explicitly
// requested or previously cached for this UID.
type Email struct {
	ID          int64             `json:"id,omitempty"`
	AccountID   string            `json:"account_id"`
	Folder      string            `json:"folder"`
	UID         uint32            `json:"uid"`
	MessageID   string            `json:"message_id"`
	Subject     string            `json:"subject"`
	SenderName  string            `json:"sender_name"`
	SenderEmail string            `json:"sender_email"`
	To          []string          `json:"to"`
	Cc          []string          `json:"cc,omitempty"`
	Date        time.Time         `json:"date"`
	Size        uint32            `json:"size"`
	Flags       []string          `json:"flags,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	BodyText    string            `json:"body_text,omitempty"`
	BodyHTML    string            `json:"body_html,omitempty"`
	CachedAt    time.Time         `json:"cached_at,omitempty"`
}

// HasBody reports whether a decoded body is present.
func (e *Email) HasBody() bool {
	return e.BodyText != "" || e.BodyHTML != ""
}

// HasFlag reports whether the given flag is set on the message.
func (e *Email) HasFlag(flag string) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// EmailSummary is a lightweight projection used for search results.
type EmailSummary struct {
	ID          int64     `json:"id"`
	AccountID   string    `json:"account_id"`
	Folder      string    `json:"folder"`
	UID         uint32    `json:"uid"`
	Subject     string    `json:"subject"`
	SenderName  string    `json:"sender_name"`
	SenderEmail string    `json:"sender_email"`
	Date        time.Time `json:"date"`
	Snippet     string    `json:"snippet,omitempty"`
}

// Folder represents a mailbox folder scoped to an account.
type Folder struct {
	ID          int64      `json:"id,omitempty"`
	AccountID   string     `json:"account_id"`
	Name        string     `json:"name"`
	Delimiter   string     `json:"delimiter,omitempty"`
	Attributes  []string   `json:"attributes,omitempty"`
	UIDValidity uint32     `json:"uid_validity"`
	UIDNext     uint32     `json:"uid_next"`
	Total       uint32     `json:"total"`
	Unseen      uint32     `json:"unseen"`
	Recent      uint32     `json:"recent"`
	LastSynced  *time.Time `json:"last_synced,omitempty"`
}

// FolderStatus is the metadata returned by selecting a folder on the server.
type FolderStatus struct {
	Name        string `json:"name"`
	UIDValidity uint32 `json:"uid_validity"`
	UIDNext     uint32 `json:"uid_next"`
	Total       uint32 `json:"total"`
	Unseen      uint32 `json:"unseen"`
	Recent      uint32 `json:"recent"`
}
