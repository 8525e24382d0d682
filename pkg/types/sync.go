package types

import "time"

// SyncStatus is the state of a folder's synchronization.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncRunning SyncStatus = "running"
	SyncError   SyncStatus = "error"
)

// SyncState is the per-folder watermark row. It is mutated only by the
// synchronizer and is the single source of truth for resuming an
// interrupted run.
type SyncState struct {
	AccountID       string     `json:"account_id"`
	Folder          string     `json:"folder"`
	UIDValidity     uint32     `json:"uid_validity"`
	LastUIDSynced   uint32     `json:"last_uid_synced"`
	LastFullSync    *time.Time `json:"last_full_sync,omitempty"`
	LastIncremental *time.Time `json:"last_incremental_sync,omitempty"`
	Status          SyncStatus `json:"status"`
	LastError       string     `json:"last_error,omitempty"`
}
