// Package imapcli wraps one physical IMAP connection behind domain-level
// operations. Wire types from the IMAP library never leave this package;
// every failure is classified into the error taxonomy here, at the boundary
// that produced it.
package imapcli

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"

	"github.com/brandon/imap-bridge/internal/config"
	"github.com/brandon/imap-bridge/internal/errs"
	"github.com/brandon/imap-bridge/pkg/types"
)

// Driver translates domain operations into protocol exchanges over a single
// IMAP connection. It is not safe for concurrent use; the session layer
// serializes access.
type Driver struct {
	account *config.AccountConfig
	timeout time.Duration
	logger  *logrus.Logger

	client    *client.Client
	connected bool
}

// NewDriver creates a driver for the given account. It does not connect.
func NewDriver(account *config.AccountConfig, timeout time.Duration, logger *logrus.Logger) *Driver {
	return &Driver{
		account: account,
		timeout: timeout,
		logger:  logger,
	}
}

// Connect establishes and authenticates the connection.
func (d *Driver) Connect() error {
	if d.connected && d.client != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", d.account.IMAPHost, d.account.IMAPPort)
	tlsConfig := &tls.Config{
		ServerName: d.account.IMAPHost,
		MinVersion: tls.VersionTLS12,
	}

	var (
		cl  *client.Client
		err error
	)
	if d.account.TLSMode == config.TLSModeStartTLS {
		cl, err = client.Dial(addr)
		if err == nil {
			err = cl.StartTLS(tlsConfig)
		}
	} else {
		cl, err = client.DialTLS(addr, tlsConfig)
	}
	if err != nil {
		return errs.Wrap(errs.KindConnection, err, "failed to connect to %s", addr)
	}

	cl.Timeout = d.timeout

	if err := d.login(cl); err != nil {
		cl.Logout() //nolint:errcheck
		return err
	}

	d.client = cl
	d.connected = true
	d.logger.WithField("account", d.account.ID).Info("Connected to IMAP server")
	return nil
}

func (d *Driver) login(cl *client.Client) error {
	switch d.account.AuthType {
	case config.AuthOAuth:
		auth := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: d.account.Username,
			Token:    d.account.OAuthToken,
			Host:     d.account.IMAPHost,
			Port:     d.account.IMAPPort,
		})
		if err := cl.Authenticate(auth); err != nil {
			return errs.Wrap(errs.KindAuth, err, "OAUTHBEARER authentication failed for %s", d.account.Username)
		}
	default:
		if err := cl.Login(d.account.Username, d.account.Password); err != nil {
			return errs.Wrap(errs.KindAuth, err, "login failed for %s", d.account.Username)
		}
	}
	return nil
}

// Close logs out and drops the connection.
func (d *Driver) Close() error {
	if d.client == nil {
		return nil
	}
	err := d.client.Logout()
	d.client = nil
	d.connected = false
	if err != nil {
		return errs.Wrap(errs.KindConnection, err, "logout failed")
	}
	return nil
}

// Noop sends a NOOP, keeping the connection alive and verifying health.
func (d *Driver) Noop() error {
	if err := d.Connect(); err != nil {
		return err
	}
	if err := d.client.Noop(); err != nil {
		d.connected = false
		return d.classify(err, "noop failed")
	}
	return nil
}

// ListFolders lists all folders. The result is all-or-nothing: a failure
// mid-listing returns an error, never a partial list.
func (d *Driver) ListFolders() ([]types.Folder, error) {
	if err := d.Connect(); err != nil {
		return nil, err
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- d.client.List("", "*", mailboxes)
	}()

	var folders []types.Folder
	for m := range mailboxes {
		folders = append(folders, types.Folder{
			AccountID:  d.account.ID,
			Name:       m.Name,
			Delimiter:  m.Delimiter,
			Attributes: m.Attributes,
		})
	}

	if err := <-done; err != nil {
		return nil, d.classify(err, "failed to list folders")
	}
	return folders, nil
}

// SelectFolder selects a folder and returns its metadata.
func (d *Driver) SelectFolder(name string) (*types.FolderStatus, error) {
	if err := d.Connect(); err != nil {
		return nil, err
	}

	mbox, err := d.client.Select(name, false)
	if err != nil {
		cerr := d.classify(err, "failed to select folder %q", name)
		if errs.KindOf(cerr) == errs.KindProtocolRejected {
			return nil, errs.Wrap(errs.KindNotFound, err, "folder %q not found", name)
		}
		return nil, cerr
	}

	return &types.FolderStatus{
		Name:        name,
		UIDValidity: mbox.UidValidity,
		UIDNext:     mbox.UidNext,
		Total:       mbox.Messages,
		Unseen:      mbox.Unseen,
		Recent:      mbox.Recent,
	}, nil
}

// Search returns the UIDs matching the criteria in the selected folder. An
// empty result is a valid success.
func (d *Driver) Search(criteria *types.SearchCriteria) ([]uint32, error) {
	if err := d.Connect(); err != nil {
		return nil, err
	}

	sc := buildSearchCriteria(criteria)
	uids, err := d.client.UidSearch(sc)
	if err != nil {
		return nil, d.classify(err, "search failed")
	}
	return uids, nil
}

// SearchRange returns UIDs in the range [from, to]; to == 0 means "*".
// Used by the synchronizer to enumerate new messages past the watermark.
func (d *Driver) SearchRange(from, to uint32) ([]uint32, error) {
	if err := d.Connect(); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	if to == 0 {
		seqSet.AddRange(from, 0)
	} else {
		seqSet.AddRange(from, to)
	}
	sc := imap.NewSearchCriteria()
	sc.Uid = seqSet

	uids, err := d.client.UidSearch(sc)
	if err != nil {
		return nil, d.classify(err, "uid range search failed")
	}
	return uids, nil
}

// Fetch retrieves envelope, flags and size for each UID; the raw message
// body is included only when wantBody is set. UIDs that no longer exist are
// reported per-item as missing, never as a batch failure.
func (d *Driver) Fetch(uids []uint32, wantBody bool) ([]types.FetchResult, error) {
	if err := d.Connect(); err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchInternalDate,
		imap.FetchRFC822Size,
		imap.FetchUid,
	}
	var section *imap.BodySectionName
	if wantBody {
		section = &imap.BodySectionName{Peek: true}
		items = append(items, section.FetchItem())
	}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- d.client.UidFetch(seqSet, items, messages)
	}()

	fetched := make(map[uint32]types.FetchResult)
	for msg := range messages {
		email := d.parseMessage(msg)
		result := types.FetchResult{UID: msg.Uid, Email: email}
		if wantBody && section != nil {
			if literal := msg.GetBody(section); literal != nil {
				result.Raw = readLiteral(literal)
			}
		}
		fetched[msg.Uid] = result
	}

	if err := <-done; err != nil {
		return nil, d.classify(err, "fetch failed")
	}

	results := make([]types.FetchResult, 0, len(uids))
	for _, uid := range uids {
		if r, ok := fetched[uid]; ok {
			results = append(results, r)
		} else {
			results = append(results, types.FetchResult{UID: uid, Missing: true})
		}
	}
	return results, nil
}

// FetchRaw retrieves the undecoded RFC822 message for one UID.
func (d *Driver) FetchRaw(uid uint32) ([]byte, error) {
	results, err := d.Fetch([]uint32{uid}, true)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || results[0].Missing {
		return nil, errs.New(errs.KindNotFound, "message %d not found", uid)
	}
	return results[0].Raw, nil
}

// StoreFlags applies a flag operation to the given UIDs. Adds and removes
// are idempotent on the server side.
func (d *Driver) StoreFlags(uids []uint32, op types.FlagOp, flags []string) error {
	if !op.Valid() {
		return errs.New(errs.KindProtocolRejected, "unknown flag operation %q", op)
	}
	if len(uids) == 0 {
		return nil
	}
	if err := d.Connect(); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	var item imap.StoreItem
	switch op {
	case types.FlagAdd:
		item = imap.FormatFlagsOp(imap.AddFlags, true)
	case types.FlagRemove:
		item = imap.FormatFlagsOp(imap.RemoveFlags, true)
	case types.FlagReplace:
		item = imap.FormatFlagsOp(imap.SetFlags, true)
	}

	flagSet := make([]interface{}, len(flags))
	for i, f := range flags {
		flagSet[i] = f
	}

	if err := d.client.UidStore(seqSet, item, flagSet, nil); err != nil {
		return d.classify(err, "store flags failed")
	}
	return nil
}

// Move moves the given UIDs from the selected folder to dest.
func (d *Driver) Move(uids []uint32, dest string) error {
	if err := d.Connect(); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	if err := d.client.UidMove(seqSet, dest); err != nil {
		return d.classify(err, "failed to move messages to %q", dest)
	}
	return nil
}

// Append stores a raw message into the given folder.
func (d *Driver) Append(folder string, raw []byte, flags []string) error {
	if err := d.Connect(); err != nil {
		return err
	}

	if err := d.client.Append(folder, flags, time.Now(), bytes.NewBuffer(raw)); err != nil {
		return d.classify(err, "append to %q failed", folder)
	}
	return nil
}

// Expunge permanently removes messages flagged \Deleted in the selected
// folder.
func (d *Driver) Expunge() error {
	if err := d.Connect(); err != nil {
		return err
	}

	if err := d.client.Expunge(nil); err != nil {
		return d.classify(err, "expunge failed")
	}
	return nil
}

// CreateFolder creates a folder. An already-existing folder is a conflict.
func (d *Driver) CreateFolder(name string) error {
	if err := d.Connect(); err != nil {
		return err
	}

	if err := d.client.Create(name); err != nil {
		cerr := d.classify(err, "failed to create folder %q", name)
		if errs.KindOf(cerr) == errs.KindProtocolRejected && mentionsExists(err) {
			return errs.Wrap(errs.KindConflict, err, "folder %q already exists", name)
		}
		return cerr
	}
	return nil
}

// DeleteFolder deletes a folder.
func (d *Driver) DeleteFolder(name string) error {
	if err := d.Connect(); err != nil {
		return err
	}

	if err := d.client.Delete(name); err != nil {
		cerr := d.classify(err, "failed to delete folder %q", name)
		if errs.KindOf(cerr) == errs.KindProtocolRejected {
			return errs.Wrap(errs.KindNotFound, err, "folder %q not found", name)
		}
		return cerr
	}
	return nil
}

// RenameFolder renames a folder.
func (d *Driver) RenameFolder(oldName, newName string) error {
	if err := d.Connect(); err != nil {
		return err
	}

	if err := d.client.Rename(oldName, newName); err != nil {
		cerr := d.classify(err, "failed to rename folder %q to %q", oldName, newName)
		if errs.KindOf(cerr) == errs.KindProtocolRejected && mentionsExists(err) {
			return errs.Wrap(errs.KindConflict, err, "folder %q already exists", newName)
		}
		return cerr
	}
	return nil
}

// parseMessage converts an IMAP message into the domain Email type.
func (d *Driver) parseMessage(msg *imap.Message) *types.Email {
	email := &types.Email{
		AccountID: d.account.ID,
		UID:       msg.Uid,
		Size:      msg.Size,
		Date:      msg.InternalDate,
		To:        []string{},
		Flags:     []string{},
	}

	if msg.Envelope != nil {
		email.MessageID = msg.Envelope.MessageId
		email.Subject = msg.Envelope.Subject
		if !msg.Envelope.Date.IsZero() {
			email.Date = msg.Envelope.Date
		}
		if len(msg.Envelope.From) > 0 {
			addr := msg.Envelope.From[0]
			email.SenderName = addr.PersonalName
			email.SenderEmail = addr.Address()
		}
		for _, to := range msg.Envelope.To {
			email.To = append(email.To, to.Address())
		}
		for _, cc := range msg.Envelope.Cc {
			email.Cc = append(email.Cc, cc.Address())
		}
	}

	email.Flags = append(email.Flags, msg.Flags...)
	return email
}

// buildSearchCriteria translates the domain criteria into the wire form.
func buildSearchCriteria(criteria *types.SearchCriteria) *imap.SearchCriteria {
	sc := imap.NewSearchCriteria()
	if criteria == nil {
		return sc
	}
	if !criteria.Since.IsZero() {
		sc.Since = criteria.Since
	}
	if !criteria.Before.IsZero() {
		sc.Before = criteria.Before
	}
	if len(criteria.WithFlags) > 0 {
		sc.WithFlags = append(sc.WithFlags, criteria.WithFlags...)
	}
	if len(criteria.Without) > 0 {
		sc.WithoutFlags = append(sc.WithoutFlags, criteria.Without...)
	}
	for k, v := range criteria.Headers {
		sc.Header.Add(k, v)
	}
	if criteria.Text != "" {
		sc.Text = append(sc.Text, criteria.Text)
	}
	if criteria.LargerThan > 0 {
		sc.Larger = criteria.LargerThan
	}
	return sc
}

// classify maps a lower-layer error into the taxonomy. Network failures are
// retryable; anything else is a protocol rejection the caller must not
// retry.
func (d *Driver) classify(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		d.connected = false
		return errs.Wrap(errs.KindTimeout, err, format, args...)
	}
	if isConnectionError(err) {
		d.connected = false
		return errs.Wrap(errs.KindConnection, err, format, args...)
	}
	return errs.Wrap(errs.KindProtocolRejected, err, format, args...)
}

func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, client.ErrAlreadyLoggedOut) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"use of closed network connection",
		"connection reset",
		"broken pipe",
		"connection closed",
		"i/o timeout",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func mentionsExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "exist") || strings.Contains(msg, "duplicate")
}

// readLiteral drains an IMAP literal into memory.
func readLiteral(literal imap.Literal) []byte {
	buf := make([]byte, 0, 8192)
	tmp := make([]byte, 4096)
	for {
		n, err := literal.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf
}
