package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/tutor-gateway/internal/auth"
	"github.com/lexiqai/tutor-gateway/internal/config"
	"github.com/lexiqai/tutor-gateway/internal/observability"
	"github.com/lexiqai/tutor-gateway/internal/protocol"
	"github.com/lexiqai/tutor-gateway/internal/store"
)

// Handler accepts tutoring WebSocket connections. The first message must be
// an init carrying a session token for the session being opened.
type Handler struct {
	cfg      *config.Config
	bands    config.GradeBands
	verifier *auth.Verifier
	deps     Deps
	baseCtx  context.Context
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	wg sync.WaitGroup
}

// NewHandler creates the session endpoint. Sessions end when ctx is done.
func NewHandler(ctx context.Context, cfg *config.Config, bands config.GradeBands, verifier *auth.Verifier, deps Deps) *Handler {
	return &Handler{
		cfg:      cfg,
		bands:    bands,
		verifier: verifier,
		deps:     deps,
		baseCtx:  ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: observability.ComponentLogger("session_handler"),
	}
}

// ServeHTTP upgrades the connection and runs the session until it ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	h.wg.Add(1)
	defer h.wg.Done()

	correlationID := r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = observability.NewCorrelationID()
	}
	logger := observability.WithCorrelationID(correlationID)

	if h.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageBytes)
	}
	opts, err := h.handshake(r.Context(), conn)
	if err != nil {
		logger.Warn().Err(err).Msg("Session handshake rejected")
		reject(conn, err)
		return
	}

	s := New(conn, opts, h.deps, correlationID)
	reason := s.Run(h.baseCtx)
	logger.Info().Str("session_id", opts.SessionID).Str("reason", reason).Msg("Session connection closed")
}

// Wait blocks until every running session has ended.
func (h *Handler) Wait() { h.wg.Wait() }

// handshakeError carries the error code sent to a rejected client.
type handshakeError struct {
	code string
	msg  string
	err  error
}

func (e *handshakeError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *handshakeError) Unwrap() error { return e.err }

func (h *Handler) handshake(ctx context.Context, conn *websocket.Conn) (Options, error) {
	if h.cfg.HandshakeTimeoutMs > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(config.Millis(h.cfg.HandshakeTimeoutMs)))
	}
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return Options{}, &handshakeError{code: protocol.CodeBadMessage, msg: "failed to read init", err: err}
	}
	if messageType != websocket.TextMessage {
		return Options{}, &handshakeError{code: protocol.CodeBadMessage, msg: "first message must be init"}
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return Options{}, &handshakeError{code: protocol.CodeBadMessage, msg: "invalid init message", err: err}
	}
	hello, ok := msg.(*protocol.Init)
	if !ok || hello.SessionID == "" {
		return Options{}, &handshakeError{code: protocol.CodeBadMessage, msg: "first message must be init"}
	}

	claims, err := h.verifier.VerifySession(hello.Token, hello.SessionID)
	if err != nil {
		return Options{}, &handshakeError{code: protocol.CodeUnauthorized, msg: "invalid session token", err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	row, err := h.deps.Store.ValidateSession(ctx, hello.SessionID, claims.UserID())
	if err != nil {
		return Options{}, &handshakeError{code: protocol.CodeSessionInvalid, msg: sessionErrorMessage(err), err: err}
	}

	band := hello.GradeBand
	if band == "" {
		band = row.GradeBand
	}
	if band == "" {
		band = claims.GradeBand
	}
	policy, bandName := h.bands.Lookup(band)

	opts := NewOptions(h.cfg, policy, bandName, hello.Language, hello.Mode)
	opts.SessionID = hello.SessionID
	opts.UserID = claims.UserID()

	_ = conn.SetReadDeadline(time.Time{})
	return opts, nil
}

func sessionErrorMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return "session not found"
	case errors.Is(err, store.ErrSessionNotOwned):
		return "session belongs to another user"
	case errors.Is(err, store.ErrSessionEnded):
		return "session already ended"
	case errors.Is(err, store.ErrUserSuspended):
		return "account is suspended"
	}
	return "session could not be validated"
}

func reject(conn *websocket.Conn, err error) {
	code, msg := protocol.CodeInternal, "internal error"
	var he *handshakeError
	if errors.As(err, &he) {
		code, msg = he.code, he.msg
	}
	data, _ := json.Marshal(protocol.Error{Type: protocol.TypeError, Code: code, Message: msg, Fatal: true})
	deadline := time.Now().Add(writeWait)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, data)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), deadline)
	_ = conn.Close()
}
