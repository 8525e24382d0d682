// Package rpc exposes the mailbox operations as JSON-RPC 2.0 over
// stdin/stdout for embedding hosts that speak a pipe instead of HTTP.
// Requests are processed one at a time in arrival order.
package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/brandon/imap-bridge/internal/cache"
	"github.com/brandon/imap-bridge/internal/errs"
	"github.com/brandon/imap-bridge/internal/mailbox"
	"github.com/brandon/imap-bridge/internal/syncer"
	"github.com/brandon/imap-bridge/pkg/types"
)

// JSON-RPC error codes. The -32000 block carries the domain error kinds.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32000
	codeConnection     = -32001
	codeAuth           = -32002
	codeTimeout        = -32003
	codeNotFound       = -32004
	codeConflict       = -32005
	codeProtocol       = -32006
	codeAccount        = -32007
	codeCache          = -32008
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *responseError  `json:"error,omitempty"`
}

type responseError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Server is the JSON-RPC transport.
type Server struct {
	svc    *mailbox.Service
	syncer *syncer.Syncer
	logger *logrus.Logger
	in     io.Reader
	out    io.Writer
}

// NewServer builds a JSON-RPC server reading from in and writing to out.
func NewServer(svc *mailbox.Service, sync *syncer.Syncer, in io.Reader, out io.Writer, logger *logrus.Logger) *Server {
	return &Server{
		svc:    svc,
		syncer: sync,
		logger: logger,
		in:     in,
		out:    out,
	}
}

// Run reads requests until EOF or ctx cancellation.
func (s *Server) Run(ctx context.Context) error {
	decoder := json.NewDecoder(s.in)
	encoder := json.NewEncoder(s.out)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var req request
		if err := decoder.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			s.logger.WithError(err).Error("Failed to decode request")
			s.write(encoder, response{
				JSONRPC: "2.0",
				Error:   &responseError{Code: codeParseError, Message: "parse error"},
			})
			return err
		}

		s.write(encoder, s.dispatch(ctx, &req))
	}
}

func (s *Server) write(encoder *json.Encoder, resp response) {
	if err := encoder.Encode(resp); err != nil {
		s.logger.WithError(err).Error("Failed to write response")
	}
}

func (s *Server) dispatch(ctx context.Context, req *request) response {
	resp := response{JSONRPC: "2.0", ID: req.ID}

	result, err := s.call(ctx, req.Method, req.Params)
	if err != nil {
		resp.Error = toResponseError(err)
		return resp
	}
	resp.Result = result
	return resp
}

type paramsError struct{ msg string }

func (e *paramsError) Error() string { return e.msg }

func invalidParams(msg string) error { return &paramsError{msg: msg} }

func (s *Server) call(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "accounts.list":
		return s.svc.ListAccounts(), nil

	case "accounts.health":
		var p struct {
			Account string `json:"account"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := s.svc.CheckHealth(ctx, p.Account); err != nil {
			return nil, err
		}
		return map[string]string{"status": "ok"}, nil

	case "folders.list":
		var p struct {
			Account string `json:"account"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.svc.ListFolders(ctx, p.Account)

	case "folders.create":
		var p struct {
			Account string `json:"account"`
			Name    string `json:"name"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, invalidParams("name is required")
		}
		return okResult(s.svc.CreateFolder(ctx, p.Account, p.Name))

	case "folders.delete":
		var p struct {
			Account string `json:"account"`
			Name    string `json:"name"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, invalidParams("name is required")
		}
		return okResult(s.svc.DeleteFolder(ctx, p.Account, p.Name))

	case "folders.rename":
		var p struct {
			Account string `json:"account"`
			OldName string `json:"old_name"`
			NewName string `json:"new_name"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.OldName == "" || p.NewName == "" {
			return nil, invalidParams("old_name and new_name are required")
		}
		return okResult(s.svc.RenameFolder(ctx, p.Account, p.OldName, p.NewName))

	case "messages.get":
		var p struct {
			Account string `json:"account"`
			Folder  string `json:"folder"`
			UID     uint32 `json:"uid"`
			Body    bool   `json:"body"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.Folder == "" || p.UID == 0 {
			return nil, invalidParams("folder and uid are required")
		}
		return s.svc.GetEmail(ctx, p.Account, p.Folder, p.UID, p.Body)

	case "messages.raw":
		var p struct {
			Account string `json:"account"`
			Folder  string `json:"folder"`
			UID     uint32 `json:"uid"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.Folder == "" || p.UID == 0 {
			return nil, invalidParams("folder and uid are required")
		}
		raw, err := s.svc.GetRaw(ctx, p.Account, p.Folder, p.UID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"raw": base64.StdEncoding.EncodeToString(raw)}, nil

	case "messages.flags":
		var p struct {
			Account string   `json:"account"`
			Folder  string   `json:"folder"`
			UIDs    []uint32 `json:"uids"`
			Op      string   `json:"op"`
			Flags   []string `json:"flags"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.Folder == "" || len(p.UIDs) == 0 {
			return nil, invalidParams("folder and uids are required")
		}
		return okResult(s.svc.StoreFlags(ctx, p.Account, p.Folder, p.UIDs, types.FlagOp(p.Op), p.Flags))

	case "messages.move":
		var p struct {
			Account     string   `json:"account"`
			Folder      string   `json:"folder"`
			UIDs        []uint32 `json:"uids"`
			Destination string   `json:"destination"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.Folder == "" || p.Destination == "" || len(p.UIDs) == 0 {
			return nil, invalidParams("folder, destination and uids are required")
		}
		return okResult(s.svc.Move(ctx, p.Account, p.Folder, p.UIDs, p.Destination))

	case "messages.append":
		var p struct {
			Account string   `json:"account"`
			Folder  string   `json:"folder"`
			Raw     string   `json:"raw"`
			Flags   []string `json:"flags"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.Folder == "" || p.Raw == "" {
			return nil, invalidParams("folder and raw are required")
		}
		raw, err := base64.StdEncoding.DecodeString(p.Raw)
		if err != nil {
			return nil, invalidParams("raw must be base64")
		}
		return okResult(s.svc.Append(ctx, p.Account, p.Folder, raw, p.Flags))

	case "messages.expunge":
		var p struct {
			Account string `json:"account"`
			Folder  string `json:"folder"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.Folder == "" {
			return nil, invalidParams("folder is required")
		}
		return okResult(s.svc.Expunge(ctx, p.Account, p.Folder))

	case "search.cached":
		var p struct {
			Account   string `json:"account"`
			Folder    string `json:"folder"`
			Sender    string `json:"sender"`
			Recipient string `json:"recipient"`
			Subject   string `json:"subject"`
			Body      string `json:"body"`
			Limit     int    `json:"limit"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.svc.SearchCached(cache.SearchOptions{
			AccountID: p.Account,
			Folder:    p.Folder,
			Sender:    p.Sender,
			Recipient: p.Recipient,
			Subject:   p.Subject,
			Body:      p.Body,
			Limit:     p.Limit,
		})

	case "search.text":
		var p struct {
			Query   string `json:"query"`
			Account string `json:"account"`
			Limit   int    `json:"limit"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.Query == "" {
			return nil, invalidParams("query is required")
		}
		return s.svc.SearchText(p.Query, p.Account, p.Limit)

	case "search.remote":
		var p struct {
			Account  string               `json:"account"`
			Folder   string               `json:"folder"`
			Criteria types.SearchCriteria `json:"criteria"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.Folder == "" {
			return nil, invalidParams("folder is required")
		}
		return s.svc.SearchRemote(ctx, p.Account, p.Folder, &p.Criteria)

	case "sync.states":
		var p struct {
			Account string `json:"account"`
			Folder  string `json:"folder"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.Folder != "" {
			return s.svc.SyncState(p.Account, p.Folder)
		}
		return s.svc.SyncStates(p.Account)

	case "sync.trigger":
		var p struct {
			Account string `json:"account"`
			Folder  string `json:"folder"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		var err error
		if p.Folder != "" {
			err = s.syncer.SyncFolder(ctx, p.Account, p.Folder)
		} else {
			err = s.syncer.SyncAccount(ctx, p.Account)
		}
		return okResult(err)
	}

	return nil, &methodError{method: method}
}

type methodError struct{ method string }

func (e *methodError) Error() string { return "method not found: " + e.method }

func unmarshalParams(params json.RawMessage, dst interface{}) error {
	if len(params) == 0 {
		return invalidParams("params are required")
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return invalidParams("invalid params: " + err.Error())
	}
	return nil
}

func okResult(err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	return map[string]string{"status": "ok"}, nil
}

// toResponseError translates failures into the wire error. Domain kinds map
// to fixed codes so callers can react without parsing messages.
func toResponseError(err error) *responseError {
	var me *methodError
	if errors.As(err, &me) {
		return &responseError{Code: codeMethodNotFound, Message: me.Error()}
	}
	var pe *paramsError
	if errors.As(err, &pe) {
		return &responseError{Code: codeInvalidParams, Message: pe.Error()}
	}

	var code int
	kind := errs.KindOf(err)
	switch kind {
	case errs.KindConnection:
		code = codeConnection
	case errs.KindAuth:
		code = codeAuth
	case errs.KindTimeout:
		code = codeTimeout
	case errs.KindNotFound:
		code = codeNotFound
	case errs.KindConflict:
		code = codeConflict
	case errs.KindProtocolRejected:
		code = codeProtocol
	case errs.KindAccount:
		code = codeAccount
	case errs.KindCache:
		code = codeCache
	default:
		code = codeInternal
	}
	return &responseError{
		Code:    code,
		Message: err.Error(),
		Data:    map[string]string{"kind": string(kind)},
	}
}
