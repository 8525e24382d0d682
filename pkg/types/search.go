package types

import "time"

// FlagOp is a flag-store operation.
type FlagOp string

const (
	FlagAdd     FlagOp = "add"
	FlagRemove  FlagOp = "remove"
	FlagReplace FlagOp = "replace"
)

// Valid reports whether the operation is one of the known flag operations.
func (op FlagOp) Valid() bool {
	switch op {
	case FlagAdd, FlagRemove, FlagReplace:
		return true
	}
	return false
}

// SearchCriteria is a structured, protocol-independent search expression.
// Zero-valued fields are not part of the search; an entirely zero criteria
// matches all messages.
type SearchCriteria struct {
	Since      time.Time         `json:"since,omitempty"`
	Before     time.Time         `json:"before,omitempty"`
	WithFlags  []string          `json:"with_flags,omitempty"`
	Without    []string          `json:"without_flags,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Text       string            `json:"text,omitempty"`
	LargerThan uint32            `json:"larger_than,omitempty"`
}

// FetchResult is the per-UID outcome of a batch fetch. Missing reports that
// the UID no longer exists on the server; the batch as a whole still
// succeeds. Raw holds the undecoded message when a body was requested; it
// is request-scoped and never cached.
type FetchResult struct {
	UID     uint32 `json:"uid"`
	Missing bool   `json:"missing,omitempty"`
	Email   *Email `json:"email,omitempty"`
	Raw     []byte `json:"-"`
}
