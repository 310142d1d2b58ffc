// Package server exposes users, chats, turns and documents over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/interfaces"
	"github.com/m-mizutani/paperchat/pkg/model"
	"github.com/m-mizutani/paperchat/pkg/usecase/chat"
	"github.com/m-mizutani/paperchat/pkg/usecase/document"
	"github.com/m-mizutani/paperchat/pkg/usecase/history"
	"github.com/m-mizutani/paperchat/pkg/utils/logging"
)

const (
	HeaderUserID = "X-User-ID"

	DefaultMaxUploadBytes = 32 << 20
	defaultMessageLimit   = 100
)

type Server struct {
	repo      interfaces.Repository
	chat      chat.NewInput
	documents *document.UseCase
	mcp       http.Handler
	maxUpload int64
}

type Option func(*Server)

// WithMCP mounts a streamable MCP handler on /mcp
func WithMCP(h http.Handler) Option {
	return func(s *Server) {
		s.mcp = h
	}
}

func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// New builds the server. chatInput is a template; user and chat IDs are set per request.
func New(repo interfaces.Repository, chatInput chat.NewInput, documents *document.UseCase, opts ...Option) *Server {
	s := &Server{
		repo:      repo,
		chat:      chatInput,
		documents: documents,
		maxUpload: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/users", s.handleCreateUser)
	mux.HandleFunc("POST /api/v1/chats", s.withUser(s.handleCreateChat))
	mux.HandleFunc("GET /api/v1/chats", s.withUser(s.handleListChats))
	mux.HandleFunc("GET /api/v1/chats/{chat_id}/messages", s.withUser(s.handleListMessages))
	mux.HandleFunc("POST /api/v1/chats/{chat_id}/messages", s.withUser(s.handleSendMessage))
	mux.HandleFunc("POST /api/v1/documents", s.withUser(s.handleUploadDocument))
	mux.HandleFunc("GET /api/v1/documents", s.withUser(s.handleListDocuments))
	mux.HandleFunc("GET /api/v1/documents/search", s.withUser(s.handleSearchDocuments))

	if s.mcp != nil {
		mux.Handle("/mcp", s.mcp)
	}

	return accessLog(mux)
}

// Serve listens on addr until ctx is canceled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logging.From(ctx).Info("HTTP server started", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return goerr.Wrap(err, "HTTP server failed", goerr.V("addr", addr))

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return goerr.Wrap(err, "failed to shut down HTTP server")
		}
		return nil
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		logger := logging.From(r.Context()).With("method", r.Method, "path", r.URL.Path)
		ctx := logging.With(r.Context(), logger)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "request", "status", rec.status, "duration", time.Since(started).String())
	})
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID model.UserID)

func (s *Server) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(HeaderUserID)
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, r, goerr.Wrap(model.ErrInvalidInput, "missing or invalid "+HeaderUserID+" header", goerr.V("value", raw)))
			return
		}
		next(w, r, model.UserID(id))
	}
}

// statusOf maps error categories to HTTP status codes
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrTurnTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrModelCallFailed),
		errors.Is(err, model.ErrIndexCallFailed),
		errors.Is(err, model.ErrModelResponseMalformed):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrPolicyRejected):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrChunkingConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides details of server side failures
func publicMessage(status int, err error) string {
	switch status {
	case http.StatusBadRequest, http.StatusForbidden:
		return err.Error()
	case http.StatusNotFound:
		return "not found"
	case http.StatusGatewayTimeout:
		return "the answer took too long, try again"
	case http.StatusBadGateway:
		return "upstream service failed, try again later"
	default:
		return "internal server error"
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	logger := logging.From(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	} else {
		logger.Info("request rejected", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: publicMessage(status, err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return goerr.Wrap(errors.Join(model.ErrInvalidInput, err), "invalid JSON body")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createUserRequest struct {
	Username string `json:"username"`
	Nickname string `json:"nickname"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Username) == "" {
		writeError(w, r, goerr.Wrap(model.ErrInvalidInput, "username is required"))
		return
	}

	user, err := s.repo.CreateUser(r.Context(), req.Username, req.Nickname)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

type createChatRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request, userID model.UserID) {
	var req createChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	c, err := s.repo.CreateChat(r.Context(), userID, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request, userID model.UserID) {
	chats, err := history.ListChats(r.Context(), s.repo, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": nonNil(chats)})
}

func parseChatID(r *http.Request) (model.ChatID, error) {
	raw := r.PathValue("chat_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, goerr.Wrap(model.ErrInvalidInput, "invalid chat_id", goerr.V("chat_id", raw))
	}
	return model.ChatID(id), nil
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, userID model.UserID) {
	chatID, err := parseChatID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, goerr.Wrap(model.ErrInvalidInput, "invalid limit", goerr.V("limit", raw)))
			return
		}
		limit = n
	}

	c, err := s.repo.GetChat(r.Context(), chatID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if c.UserID != userID {
		writeError(w, r, goerr.Wrap(model.ErrNotFound, "chat not found", goerr.V("chat_id", chatID)))
		return
	}

	msgs, err := history.Messages(r.Context(), s.repo, chatID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": nonNil(msgs)})
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

type sendMessageResponse struct {
	Answer string `json:"answer"`
	*chat.Reply
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, userID model.UserID) {
	chatID, err := parseChatID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	input := s.chat
	input.UserID = userID
	input.ChatID = chatID

	session, err := chat.New(r.Context(), input)
	if err != nil {
		writeError(w, r, err)
		return
	}

	reply, err := session.Send(r.Context(), req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sendMessageResponse{Answer: reply.Answer.Text, Reply: reply})
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request, userID model.UserID) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, goerr.Wrap(errors.Join(model.ErrInvalidInput, err), "multipart field 'file' is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, goerr.Wrap(errors.Join(model.ErrInvalidInput, err), "failed to read uploaded file"))
		return
	}

	doc, err := s.documents.Upload(r.Context(), userID, header.Filename, data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request, userID model.UserID) {
	docs, err := s.documents.List(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": nonNil(docs)})
}

func (s *Server) handleSearchDocuments(w http.ResponseWriter, r *http.Request, userID model.UserID) {
	topK := s.chat.Config.TopK
	if raw := r.URL.Query().Get("top_k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, goerr.Wrap(model.ErrInvalidInput, "invalid top_k", goerr.V("top_k", raw)))
			return
		}
		topK = n
	}

	results, err := s.documents.Search(r.Context(), userID, r.URL.Query().Get("q"), topK)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": nonNil(results)})
}

// nonNil keeps empty lists encoded as [] instead of null
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
