// Package session owns serialized access to IMAP connections. A Session
// wraps one protocol driver and guarantees that no two operations ever
// overlap on the same connection; the Pool bounds how many sessions exist
// per account and serves waiters in arrival order.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/imap-bridge/internal/errs"
	"github.com/brandon/imap-bridge/pkg/types"
)

// Driver is the operation set a Session serializes access to. The concrete
// implementation is imapcli.Driver; tests substitute fakes.
type Driver interface {
	Connect() error
	Close() error
	Noop() error
	ListFolders() ([]types.Folder, error)
	SelectFolder(name string) (*types.FolderStatus, error)
	Search(criteria *types.SearchCriteria) ([]uint32, error)
	SearchRange(from, to uint32) ([]uint32, error)
	Fetch(uids []uint32, wantBody bool) ([]types.FetchResult, error)
	FetchRaw(uid uint32) ([]byte, error)
	StoreFlags(uids []uint32, op types.FlagOp, flags []string) error
	Move(uids []uint32, dest string) error
	Append(folder string, raw []byte, flags []string) error
	Expunge() error
	CreateFolder(name string) error
	DeleteFolder(name string) error
	RenameFolder(oldName, newName string) error
}

// State is the session lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateSelecting    State = "selecting"
	StateReconnecting State = "reconnecting"
)

// Session is one logical, serialized handle to a single IMAP connection.
type Session struct {
	ID        string
	AccountID string

	driver   Driver
	logger   *logrus.Entry
	onHealth func(accountID string, healthy bool)

	mu       sync.Mutex
	state    State
	selected string
	lastUsed time.Time
	healthy  bool
}

// NewSession wraps a driver. The connection is established lazily on first
// use.
func NewSession(accountID string, driver Driver, logger *logrus.Logger, onHealth func(string, bool)) *Session {
	id := uuid.NewString()
	return &Session{
		ID:        id,
		AccountID: accountID,
		driver:    driver,
		logger:    logger.WithFields(logrus.Fields{"account": accountID, "session": id}),
		onHealth:  onHealth,
		state:     StateDisconnected,
		lastUsed:  time.Now(),
		healthy:   true,
	}
}

// Healthy reports whether the session survived its last operation.
func (s *Session) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// LastUsed returns the time of the last operation.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Close terminates the underlying connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDisconnected
	s.selected = ""
	return s.driver.Close()
}

// do runs one protocol operation under the session lock. On a
// connection-level failure it reconnects once and retries; protocol
// rejections propagate unchanged. The operation runs to completion even if
// the caller has gone away: results are discarded by the caller, not by
// aborting mid-exchange.
func (s *Session) do(fn func(Driver) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doLocked(fn)
}

func (s *Session) doLocked(fn func(Driver) error) error {
	s.lastUsed = time.Now()
	if s.state == StateDisconnected {
		s.state = StateConnecting
	}

	err := fn(s.driver)
	if err == nil {
		s.state = StateReady
		s.setHealthyLocked(true)
		return nil
	}
	if !errs.Retryable(err) {
		// Server refused a well-formed command; the connection is fine.
		s.state = StateReady
		return err
	}

	s.logger.WithError(err).Warn("Connection-level failure, reconnecting")
	s.state = StateReconnecting
	if rerr := s.reconnectLocked(); rerr != nil {
		s.state = StateDisconnected
		s.setHealthyLocked(false)
		return err
	}

	err = fn(s.driver)
	if err != nil {
		if errs.Retryable(err) {
			s.state = StateDisconnected
			s.setHealthyLocked(false)
		} else {
			s.state = StateReady
		}
		return err
	}
	s.state = StateReady
	s.setHealthyLocked(true)
	return nil
}

// doSelected is like do but first ensures the wanted folder is selected,
// re-selecting after a reconnect.
func (s *Session) doSelected(folder string, fn func(Driver) error) error {
	return s.do(func(d Driver) error {
		if err := s.ensureSelected(d, folder); err != nil {
			return err
		}
		return fn(d)
	})
}

// ensureSelected selects folder if it is not the cached selection. A
// reconnect clears the cached selection, so the retry path re-selects.
func (s *Session) ensureSelected(d Driver, folder string) error {
	if s.selected == folder {
		return nil
	}
	s.state = StateSelecting
	if _, err := d.SelectFolder(folder); err != nil {
		s.selected = ""
		return err
	}
	s.selected = folder
	return nil
}

func (s *Session) reconnectLocked() error {
	s.driver.Close() //nolint:errcheck
	s.selected = ""
	if err := s.driver.Connect(); err != nil {
		s.logger.WithError(err).Error("Reconnect failed")
		return err
	}
	s.logger.Info("Reconnected")
	return nil
}

func (s *Session) setHealthyLocked(healthy bool) {
	if s.healthy == healthy {
		return
	}
	s.healthy = healthy
	if s.onHealth != nil {
		go s.onHealth(s.AccountID, healthy)
	}
}

// Noop pings the server, verifying connection health.
func (s *Session) Noop() error {
	return s.do(func(d Driver) error {
		return d.Noop()
	})
}

// ListFolders lists all folders for the account.
func (s *Session) ListFolders() ([]types.Folder, error) {
	var folders []types.Folder
	err := s.do(func(d Driver) error {
		var err error
		folders, err = d.ListFolders()
		return err
	})
	return folders, err
}

// SelectFolder selects a folder and returns its server-side metadata.
func (s *Session) SelectFolder(name string) (*types.FolderStatus, error) {
	var status *types.FolderStatus
	err := s.do(func(d Driver) error {
		s.state = StateSelecting
		var err error
		status, err = d.SelectFolder(name)
		if err != nil {
			s.selected = ""
			return err
		}
		s.selected = name
		return nil
	})
	return status, err
}

// Search returns UIDs in folder matching the criteria.
func (s *Session) Search(folder string, criteria *types.SearchCriteria) ([]uint32, error) {
	var uids []uint32
	err := s.doSelected(folder, func(d Driver) error {
		var err error
		uids, err = d.Search(criteria)
		return err
	})
	return uids, err
}

// SearchRange returns UIDs in folder within [from, to]; to == 0 means no
// upper bound.
func (s *Session) SearchRange(folder string, from, to uint32) ([]uint32, error) {
	var uids []uint32
	err := s.doSelected(folder, func(d Driver) error {
		var err error
		uids, err = d.SearchRange(from, to)
		return err
	})
	return uids, err
}

// Fetch retrieves per-UID results from folder.
func (s *Session) Fetch(folder string, uids []uint32, wantBody bool) ([]types.FetchResult, error) {
	var results []types.FetchResult
	err := s.doSelected(folder, func(d Driver) error {
		var err error
		results, err = d.Fetch(uids, wantBody)
		return err
	})
	return results, err
}

// FetchRaw retrieves the undecoded message for one UID in folder.
func (s *Session) FetchRaw(folder string, uid uint32) ([]byte, error) {
	var raw []byte
	err := s.doSelected(folder, func(d Driver) error {
		var err error
		raw, err = d.FetchRaw(uid)
		return err
	})
	return raw, err
}

// StoreFlags applies a flag operation in folder.
func (s *Session) StoreFlags(folder string, uids []uint32, op types.FlagOp, flags []string) error {
	return s.doSelected(folder, func(d Driver) error {
		return d.StoreFlags(uids, op, flags)
	})
}

// Move moves messages from folder to dest.
func (s *Session) Move(folder string, uids []uint32, dest string) error {
	return s.doSelected(folder, func(d Driver) error {
		return d.Move(uids, dest)
	})
}

// Append stores a raw message into folder.
func (s *Session) Append(folder string, raw []byte, flags []string) error {
	return s.do(func(d Driver) error {
		return d.Append(folder, raw, flags)
	})
}

// Expunge removes \Deleted messages from folder.
func (s *Session) Expunge(folder string) error {
	return s.doSelected(folder, func(d Driver) error {
		return d.Expunge()
	})
}

// CreateFolder creates a folder.
func (s *Session) CreateFolder(name string) error {
	return s.do(func(d Driver) error {
		return d.CreateFolder(name)
	})
}

// DeleteFolder deletes a folder, dropping the cached selection if it was
// selected.
func (s *Session) DeleteFolder(name string) error {
	return s.do(func(d Driver) error {
		if err := d.DeleteFolder(name); err != nil {
			return err
		}
		if s.selected == name {
			s.selected = ""
		}
		return nil
	})
}

// RenameFolder renames a folder.
func (s *Session) RenameFolder(oldName, newName string) error {
	return s.do(func(d Driver) error {
		if err := d.RenameFolder(oldName, newName); err != nil {
			return err
		}
		if s.selected == oldName {
			s.selected = ""
		}
		return nil
	})
}
