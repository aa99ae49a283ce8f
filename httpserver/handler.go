// Package httpserver exposes a tool server over HTTP. A single endpoint
// accepts one protocol message per POST request, in either the JSON-RPC
// envelope or the legacy flat envelope, and answers in kind. Sessions
// established by handshake are identified on later requests by the
// Toolwire-Session-Id header; job progress can be followed on a
// Server-Sent Events sub-endpoint, and DELETE ends a session.
//
// Authentication is optional. When an auth.Authenticator is configured,
// every request must carry an OAuth2 bearer token and failures are
// reported with RFC 6750 challenges.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/toolwire/toolwire/auth"
	"github.com/toolwire/toolwire/internal/jsonrpc"
	"github.com/toolwire/toolwire/internal/logctx"
	"github.com/toolwire/toolwire/internal/sessiontoken"
	"github.com/toolwire/toolwire/protocol"
	"github.com/toolwire/toolwire/server"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	sessionIDHeader       = "Toolwire-Session-Id"
	protocolVersionHeader = "Toolwire-Protocol-Version"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

const defaultMaxBodyBytes = 4 << 20

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that
// happen before a protocol message exchange is possible. This is not a
// protocol envelope; shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	auth         auth.Authenticator
	tokens       sessiontoken.Codec
	realm        string
	maxBodyBytes int64
}

// WithLogger sets the slog logger used by the handler. If not provided,
// slog.Default() is used.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithAuthenticator requires a bearer token on every request, verified by
// a. Without this option the handler serves unauthenticated traffic.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *newConfig) { c.auth = a }
}

// WithSessionTokens sets the codec used to encode session IDs into the
// Toolwire-Session-Id header. The default passes raw IDs through; use
// sessiontoken.Signed to make header tokens tamper-evident.
func WithSessionTokens(codec sessiontoken.Codec) Option {
	return func(c *newConfig) { c.tokens = codec }
}

// WithRealm sets the authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted entirely
// per RFC 6750 (it is optional).
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithMaxBodyBytes caps the size of accepted POST bodies. The default is
// 4 MiB.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) { c.maxBodyBytes = n }
}

// buildBearerChallenge builds a Bearer challenge header value:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty. Go map iteration is randomized, so the
// parameter order we care about is built explicitly.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if v, ok := params["error"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
	}
	if v, ok := params["error_description"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// Handler serves the tool protocol over HTTP. Use New to construct one;
// it implements http.Handler.
type Handler struct {
	mux    *http.ServeMux
	log    *slog.Logger
	core   *server.Server
	tokens sessiontoken.Codec
	auth   auth.Authenticator
	realm  string

	maxBodyBytes int64
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a Handler serving core at the path of publicEndpoint.
//
// publicEndpoint is the externally visible URL of the tool endpoint
// (scheme, host, path). Messages are POSTed to its path; job progress
// streams from GET <path>/jobs/{job}/events; DELETE <path> ends a
// session.
func New(publicEndpoint string, core *server.Server, opts ...Option) (*Handler, error) {
	if core == nil {
		return nil, fmt.Errorf("server is required")
	}

	u, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL %q: %w", publicEndpoint, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("endpoint URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}

	cfg := &newConfig{logger: slog.Default(), tokens: sessiontoken.Plain{}, maxBodyBytes: defaultMaxBodyBytes}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:          slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		core:         core,
		tokens:       cfg.tokens,
		auth:         cfg.auth,
		realm:        cfg.realm,
		maxBodyBytes: cfg.maxBodyBytes,
	}

	base := strings.TrimSuffix(pathOnly(u), "/")

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", orRoot(base)), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", orRoot(base)), h.handleDelete)
	mux.HandleFunc(fmt.Sprintf("GET %s/jobs/{job}/events", base), h.handleJobEvents)
	h.mux = mux
	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func orRoot(base string) string {
	if base == "" {
		return "/"
	}
	return base
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})))
}

// handlePost accepts one protocol message per request. A handshake opens
// a session and returns its header token; any other message resolves its
// session from the Toolwire-Session-Id header or, in the legacy envelope,
// from the session_id field in the body.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "http.content_type.unsupported")
		return
	}

	if _, ok := h.checkAuthentication(ctx, r, w); !ok {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "http.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "batch arrays are not supported")
		h.log.WarnContext(ctx, "http.batch.forbidden")
		return
	}

	sessionID, ok := h.sessionFromHeader(ctx, r, w)
	if !ok {
		return
	}

	out := h.core.Handle(ctx, raw, server.WithSessionID(sessionID))
	if out == nil {
		// Notification: nothing to answer.
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.accepted", slog.Duration("dur", time.Since(start)))
		return
	}

	if isHandshake(raw) {
		if sid, version := handshakeIdentity(out); sid != "" {
			tok, err := h.tokens.Issue(sid)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "failed to issue session token")
				h.log.ErrorContext(ctx, "session.token.issue.fail", slog.String("err", err.Error()))
				return
			}
			w.Header().Set(sessionIDHeader, tok)
			if version != "" {
				w.Header().Set(protocolVersionHeader, version)
			}
		}
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		h.log.ErrorContext(ctx, "http.post.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// handleJobEvents streams a job's progress feed as Server-Sent Events.
// Each event is a notifications/progress JSON-RPC notification; the
// stream closes after the terminal event.
func (h *Handler) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "sse.accept.unsupported")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	if _, ok := h.checkAuthentication(ctx, r, w); !ok {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	tok := r.Header.Get(sessionIDHeader)
	if tok == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.header.missing")
		return
	}
	sessionID, err := h.tokens.Parse(tok)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.token.invalid", slog.String("err", err.Error()))
		return
	}

	jobID := r.PathValue("job")
	events, unsubscribe, err := h.core.ObserveJob(ctx, sessionID, jobID)
	if err != nil {
		w.WriteHeader(observeStatus(err))
		h.log.InfoContext(ctx, "sse.observe.reject", slog.String("err", err.Error()))
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start", slog.String("job_id", jobID))

	seq := 0
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				h.log.InfoContext(ctx, "sse.stream.end",
					slog.String("job_id", jobID),
					slog.Duration("dur", time.Since(start)))
				return
			}
			seq++
			payload, err := progressPayload(ev.JobID, ev.Progress, ev.Message, ev.Status)
			if err != nil {
				h.log.ErrorContext(ctx, "sse.encode.fail", slog.String("err", err.Error()))
				continue
			}
			if err := writeSSEEvent(wf, strconv.Itoa(seq), payload); err != nil {
				h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.closed", slog.String("job_id", jobID))
			return
		}
	}
}

// observeStatus maps a job observation error to its HTTP status.
func observeStatus(err error) int {
	switch protocol.CodeOf(err) {
	case protocol.CodeSessionEvicted, protocol.CodeJobNotFound:
		return http.StatusNotFound
	case protocol.CodeUnsupportedCapability:
		return http.StatusForbidden
	case protocol.CodeInvalidHandshake:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func progressPayload(jobID string, progress float64, message string, status protocol.JobStatus) ([]byte, error) {
	notif, err := jsonrpc.NewRequest(nil, string(protocol.MethodProgress), protocol.ProgressNotification{
		JobID:    jobID,
		Progress: progress,
		Message:  message,
		Status:   status,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(notif)
}

// handleDelete terminates the session named by the Toolwire-Session-Id
// header.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if _, ok := h.checkAuthentication(ctx, r, w); !ok {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	tok := r.Header.Get(sessionIDHeader)
	if tok == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.header.missing")
		return
	}
	sessionID, err := h.tokens.Parse(tok)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.token.invalid", slog.String("err", err.Error()))
		return
	}

	if err := h.core.EndSession(ctx, sessionID); err != nil {
		if protocol.CodeOf(err) == protocol.CodeSessionEvicted {
			w.WriteHeader(http.StatusNotFound)
			h.log.InfoContext(ctx, "session.delete.miss")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// sessionFromHeader resolves the session hint on r, writing a 400 when the
// header carries an unparseable token. An absent header is not an error;
// the body may name the session or the message may not need one.
func (h *Handler) sessionFromHeader(ctx context.Context, r *http.Request, w http.ResponseWriter) (string, bool) {
	tok := r.Header.Get(sessionIDHeader)
	if tok == "" {
		return "", true
	}
	sessionID, err := h.tokens.Parse(tok)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid session token")
		h.log.WarnContext(ctx, "session.token.invalid", slog.String("err", err.Error()))
		return "", false
	}
	return sessionID, true
}

// checkAuthentication enforces bearer auth when an authenticator is
// configured. On failure it writes the HTTP response, including the RFC
// 6750 WWW-Authenticate challenge, and returns ok=false.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) (auth.UserInfo, bool) {
	if h.auth == nil {
		return nil, true
	}

	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		// RFC 6750 section 3.1: a request with no authentication information
		// gets a bare challenge without an error code.
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil, false
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_token", "error_description": err.Error()}))
			w.WriteHeader(http.StatusUnauthorized)
			return nil, false
		}
		if errors.Is(err, auth.ErrInsufficientScope) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "insufficient_scope", "error_description": err.Error()}))
			w.WriteHeader(http.StatusForbidden)
			return nil, false
		}
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return nil, false
	}
	return userInfo, true
}

// isHandshake sniffs whether raw is a handshake request in either
// envelope.
func isHandshake(raw []byte) bool {
	var probe struct {
		Method string `json:"method"`
		Action string `json:"action"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Method == string(protocol.MethodHandshake) || probe.Action == string(protocol.MethodHandshake)
}

// handshakeIdentity pulls the session ID and agreed version out of a
// handshake response in either envelope. Both come back empty when the
// handshake failed.
func handshakeIdentity(body []byte) (sessionID, version string) {
	var flat struct {
		SessionID     string          `json:"session_id"`
		AgreedVersion string          `json:"agreed_version"`
		Result        json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &flat); err != nil {
		return "", ""
	}
	if flat.SessionID != "" {
		return flat.SessionID, flat.AgreedVersion
	}
	if len(flat.Result) > 0 {
		var inner struct {
			SessionID     string `json:"session_id"`
			AgreedVersion string `json:"agreed_version"`
		}
		if err := json.Unmarshal(flat.Result, &inner); err == nil {
			return inner.SessionID, inner.AgreedVersion
		}
	}
	return "", ""
}

// writeSSEEvent writes one Server-Sent Event frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, eventID string, payload []byte) error {
	if eventID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", eventID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
