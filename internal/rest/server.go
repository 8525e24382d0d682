// Package rest exposes the mailbox operations over HTTP. Folder names can
// contain the hierarchy delimiter, so folders are addressed via query
// parameters or request bodies rather than path segments.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/brandon/imap-bridge/internal/cache"
	"github.com/brandon/imap-bridge/internal/errs"
	"github.com/brandon/imap-bridge/internal/events"
	"github.com/brandon/imap-bridge/internal/mailbox"
	"github.com/brandon/imap-bridge/internal/syncer"
	"github.com/brandon/imap-bridge/pkg/types"
)

// maxAppendSize bounds uploaded raw messages.
const maxAppendSize = 25 << 20

// Server is the HTTP transport.
type Server struct {
	svc    *mailbox.Service
	syncer *syncer.Syncer
	hub    *events.Hub
	logger *logrus.Logger
	http   *http.Server
}

// NewServer builds the HTTP server on addr.
func NewServer(addr string, svc *mailbox.Service, sync *syncer.Syncer, hub *events.Hub, logger *logrus.Logger) *Server {
	s := &Server{
		svc:    svc,
		syncer: sync,
		hub:    hub,
		logger: logger,
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/accounts", s.handleListAccounts).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{account}/health", s.handleHealth).Methods(http.MethodGet)

	api.HandleFunc("/accounts/{account}/folders", s.handleListFolders).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{account}/folders", s.handleCreateFolder).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{account}/folders", s.handleDeleteFolder).Methods(http.MethodDelete)
	api.HandleFunc("/accounts/{account}/folders/rename", s.handleRenameFolder).Methods(http.MethodPost)

	api.HandleFunc("/accounts/{account}/messages/flags", s.handleStoreFlags).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{account}/messages/move", s.handleMove).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{account}/messages/append", s.handleAppend).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{account}/messages/expunge", s.handleExpunge).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{account}/messages/{uid:[0-9]+}", s.handleGetEmail).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{account}/messages/{uid:[0-9]+}/raw", s.handleGetRaw).Methods(http.MethodGet)

	api.HandleFunc("/accounts/{account}/search", s.handleSearchRemote).Methods(http.MethodPost)
	api.HandleFunc("/search", s.handleSearchCached).Methods(http.MethodGet)
	api.HandleFunc("/search/text", s.handleSearchText).Methods(http.MethodGet)

	api.HandleFunc("/accounts/{account}/sync", s.handleSyncStates).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{account}/sync", s.handleTriggerSync).Methods(http.MethodPost)

	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  2 * time.Minute,
		WriteTimeout: 0, // SSE streams stay open indefinitely
	}
	return s
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.WithField("addr", s.http.Addr).Info("HTTP server listening")
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.ListAccounts())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	if err := s.svc.CheckHealth(r.Context(), account); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.svc.ListFolders(r.Context(), mux.Vars(r)["account"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, folders)
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeBadRequest(w, "folder name is required")
		return
	}
	if err := s.svc.CreateFolder(r.Context(), mux.Vars(r)["account"], req.Name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		s.writeBadRequest(w, "name query parameter is required")
		return
	}
	if err := s.svc.DeleteFolder(r.Context(), mux.Vars(r)["account"], name); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenameFolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldName string `json:"old_name"`
		NewName string `json:"new_name"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.OldName == "" || req.NewName == "" {
		s.writeBadRequest(w, "old_name and new_name are required")
		return
	}
	if err := s.svc.RenameFolder(r.Context(), mux.Vars(r)["account"], req.OldName, req.NewName); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	account, folder, uid, ok := s.messageParams(w, r)
	if !ok {
		return
	}
	wantBody, _ := strconv.ParseBool(r.URL.Query().Get("body"))

	email, err := s.svc.GetEmail(r.Context(), account, folder, uid, wantBody)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, email)
}

func (s *Server) handleGetRaw(w http.ResponseWriter, r *http.Request) {
	account, folder, uid, ok := s.messageParams(w, r)
	if !ok {
		return
	}

	raw, err := s.svc.GetRaw(r.Context(), account, folder, uid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%d.eml", uid)))
	w.Write(raw) //nolint:errcheck
}

func (s *Server) handleStoreFlags(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Folder string   `json:"folder"`
		UIDs   []uint32 `json:"uids"`
		Op     string   `json:"op"`
		Flags  []string `json:"flags"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Folder == "" || len(req.UIDs) == 0 {
		s.writeBadRequest(w, "folder and uids are required")
		return
	}
	err := s.svc.StoreFlags(r.Context(), mux.Vars(r)["account"], req.Folder, req.UIDs, types.FlagOp(req.Op), req.Flags)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Folder      string   `json:"folder"`
		UIDs        []uint32 `json:"uids"`
		Destination string   `json:"destination"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Folder == "" || req.Destination == "" || len(req.UIDs) == 0 {
		s.writeBadRequest(w, "folder, destination and uids are required")
		return
	}
	if err := s.svc.Move(r.Context(), mux.Vars(r)["account"], req.Folder, req.UIDs, req.Destination); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	folder := r.URL.Query().Get("folder")
	if folder == "" {
		s.writeBadRequest(w, "folder query parameter is required")
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxAppendSize))
	if err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, err, "failed to read message body"))
		return
	}
	flags := r.URL.Query()["flag"]

	if err := s.svc.Append(r.Context(), mux.Vars(r)["account"], folder, raw, flags); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleExpunge(w http.ResponseWriter, r *http.Request) {
	folder := r.URL.Query().Get("folder")
	if folder == "" {
		s.writeBadRequest(w, "folder query parameter is required")
		return
	}
	if err := s.svc.Expunge(r.Context(), mux.Vars(r)["account"], folder); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearchRemote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Folder   string               `json:"folder"`
		Criteria types.SearchCriteria `json:"criteria"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Folder == "" {
		s.writeBadRequest(w, "folder is required")
		return
	}
	results, err := s.svc.SearchRemote(r.Context(), mux.Vars(r)["account"], req.Folder, &req.Criteria)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleSearchCached(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := cache.SearchOptions{
		AccountID: q.Get("account"),
		Folder:    q.Get("folder"),
		Sender:    q.Get("sender"),
		Recipient: q.Get("recipient"),
		Subject:   q.Get("subject"),
		Body:      q.Get("body"),
	}
	if v := q.Get("limit"); v != "" {
		opts.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.DateFrom = &t
		}
	}
	if v := q.Get("before"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.DateTo = &t
		}
	}

	results, err := s.svc.SearchCached(opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleSearchText(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		s.writeBadRequest(w, "q query parameter is required")
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	results, err := s.svc.SearchText(query, q.Get("account"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleSyncStates(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	if folder := r.URL.Query().Get("folder"); folder != "" {
		state, err := s.svc.SyncState(account, folder)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, state)
		return
	}

	states, err := s.svc.SyncStates(account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	var err error
	if folder := r.URL.Query().Get("folder"); folder != "" {
		err = s.syncer.SyncFolder(r.Context(), account, folder)
	} else {
		err = s.syncer.SyncAccount(r.Context(), account)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

// handleEvents streams hub events as server-sent events until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, errs.New(errs.KindInternal, "streaming is not supported"))
		return
	}

	id, ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n") //nolint:errcheck
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, data) //nolint:errcheck
			flusher.Flush()
		}
	}
}

func (s *Server) messageParams(w http.ResponseWriter, r *http.Request) (account, folder string, uid uint32, ok bool) {
	vars := mux.Vars(r)
	account = vars["account"]
	folder = r.URL.Query().Get("folder")
	if folder == "" {
		s.writeBadRequest(w, "folder query parameter is required")
		return "", "", 0, false
	}
	n, err := strconv.ParseUint(vars["uid"], 10, 32)
	if err != nil {
		s.writeBadRequest(w, "invalid uid")
		return "", "", 0, false
	}
	return account, folder, uint32(n), true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("Failed to encode response")
	}
}

// writeBadRequest reports a malformed request. These never reach the
// mailbox service, so they bypass the kind mapping.
func (s *Server) writeBadRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// writeError maps an error kind to an HTTP status. Only the message and
// kind go over the wire.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)

	var status int
	switch kind {
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindAuth:
		status = http.StatusUnauthorized
	case errs.KindConflict:
		status = http.StatusConflict
	case errs.KindTimeout:
		status = http.StatusGatewayTimeout
	case errs.KindProtocolRejected:
		status = http.StatusBadGateway
	case errs.KindAccount:
		status = http.StatusUnprocessableEntity
	case errs.KindConnection:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}
	s.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}
