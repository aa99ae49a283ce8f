// Package server routes wire requests to the negotiator, the session
// table, the tool catalog, and the job manager. It speaks both supported
// envelopes: JSON-RPC 2.0 and the legacy flat envelope. Every response is
// rendered in the envelope the request arrived in.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/toolwire/toolwire/catalog"
	"github.com/toolwire/toolwire/internal/envelope"
	"github.com/toolwire/toolwire/internal/jsonrpc"
	"github.com/toolwire/toolwire/internal/logctx"
	"github.com/toolwire/toolwire/jobs"
	"github.com/toolwire/toolwire/negotiate"
	"github.com/toolwire/toolwire/protocol"
	"github.com/toolwire/toolwire/sessions"
)

// Server dispatches protocol operations. It owns no component lifecycles;
// the caller constructs and closes the session and job managers.
type Server struct {
	negotiator *negotiate.Negotiator
	sessions   *sessions.Manager
	catalog    *catalog.Catalog
	jobs       *jobs.Manager
	log        *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for request handling events.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// New builds a Server over its four collaborators.
func New(neg *negotiate.Negotiator, sess *sessions.Manager, cat *catalog.Catalog, jm *jobs.Manager, opts ...Option) (*Server, error) {
	if neg == nil {
		return nil, fmt.Errorf("server: negotiator must not be nil")
	}
	if sess == nil {
		return nil, fmt.Errorf("server: session manager must not be nil")
	}
	if cat == nil {
		return nil, fmt.Errorf("server: catalog must not be nil")
	}
	if jm == nil {
		return nil, fmt.Errorf("server: job manager must not be nil")
	}

	s := &Server{
		negotiator: neg,
		sessions:   sess,
		catalog:    cat,
		jobs:       jm,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type handleConfig struct {
	sessionID string
}

// HandleOption adjusts how a single message is handled.
type HandleOption func(*handleConfig)

// WithSessionID attaches a transport-supplied session identifier, such as
// one carried in an HTTP header. A session id inside a legacy envelope
// takes precedence over this hint.
func WithSessionID(id string) HandleOption {
	return func(c *handleConfig) {
		c.sessionID = id
	}
}

// Handle processes one wire message and returns the encoded response. The
// envelope is detected from the message shape: a "jsonrpc" member selects
// JSON-RPC, a top-level "action" selects the legacy flat envelope. A nil
// return means the message was a notification and produces no reply.
func (s *Server) Handle(ctx context.Context, raw []byte, opts ...HandleOption) []byte {
	var cfg handleConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var probe struct {
		JSONRPC string `json:"jsonrpc"`
		Action  string `json:"action"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return s.encodeModern(ctx, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil))
	}
	if probe.Action != "" && probe.JSONRPC == "" {
		return s.handleLegacy(ctx, raw, cfg)
	}
	return s.handleModern(ctx, raw, cfg)
}

func (s *Server) handleModern(ctx context.Context, raw []byte, cfg handleConfig) []byte {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return s.encodeModern(ctx, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, err.Error(), nil))
	}
	req := msg.AsRequest()
	if req == nil {
		return s.encodeModern(ctx, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidRequest, "expected a request", nil))
	}

	ctx = s.withRequestData(ctx, req.Method, "jsonrpc")

	if req.ID == nil {
		// No client-initiated notifications are defined; drop silently.
		s.log.DebugContext(ctx, "server.notification.ignored", slog.String("req_method", req.Method))
		return nil
	}

	method := protocol.Method(req.Method)
	if !dispatchable(method) {
		return s.encodeModern(ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil))
	}

	result, perr := s.dispatch(ctx, method, req.Params, cfg.sessionID)
	if perr != nil {
		return s.encodeModern(ctx, jsonrpc.ErrorResponseFor(req.ID, perr))
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		s.log.ErrorContext(ctx, "server.encode.fail", slog.String("err", err.Error()))
		return s.encodeModern(ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil))
	}
	return s.encodeModern(ctx, resp)
}

func (s *Server) encodeModern(ctx context.Context, resp *jsonrpc.Response) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		s.log.ErrorContext(ctx, "server.encode.fail", slog.String("err", err.Error()))
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return out
}

func (s *Server) handleLegacy(ctx context.Context, raw []byte, cfg handleConfig) []byte {
	lreq, err := envelope.DecodeRequest(raw)
	if err != nil {
		return envelope.EncodeError("", "", protocol.NewError(protocol.CodeValidationFailed, err.Error()))
	}

	ctx = s.withRequestData(ctx, lreq.Action, "legacy")

	method := protocol.Method(lreq.Action)
	if !dispatchable(method) {
		return envelope.EncodeError(lreq.Action, lreq.SessionID, protocol.Errorf(protocol.CodeValidationFailed, "unknown action %q", lreq.Action))
	}

	sessionID := lreq.SessionID
	if sessionID == "" {
		sessionID = cfg.sessionID
	}

	params, err := lreq.ParamsJSON()
	if err != nil {
		return envelope.EncodeError(lreq.Action, lreq.SessionID, protocol.NewError(protocol.CodeValidationFailed, err.Error()))
	}

	result, perr := s.dispatch(ctx, method, params, sessionID)
	if perr != nil {
		return envelope.EncodeError(lreq.Action, lreq.SessionID, perr)
	}

	// A handshake result carries its own session_id; leave the envelope
	// slot empty so the two never collide.
	echoSession := lreq.SessionID
	if method == protocol.MethodHandshake {
		echoSession = ""
	}
	body, err := envelope.EncodeResult(lreq.Action, echoSession, result)
	if err != nil {
		s.log.ErrorContext(ctx, "server.encode.fail", slog.String("err", err.Error()))
		return envelope.EncodeError(lreq.Action, lreq.SessionID, protocol.NewError(protocol.CodeExecutionError, "internal error"))
	}
	return body
}

// dispatchable reports whether clients may invoke the method. Progress
// notifications flow server to client only.
func dispatchable(m protocol.Method) bool {
	switch m {
	case protocol.MethodHandshake,
		protocol.MethodToolsCall,
		protocol.MethodToolsSearch,
		protocol.MethodJobsPoll,
		protocol.MethodJobsCancel,
		protocol.MethodPing:
		return true
	default:
		return false
	}
}

func (s *Server) dispatch(ctx context.Context, method protocol.Method, params json.RawMessage, sessionID string) (any, *protocol.Error) {
	if method == protocol.MethodHandshake {
		return s.handleHandshake(ctx, params)
	}

	// Ping stays reachable without a session so transports can probe
	// liveness; with a session id it doubles as a keepalive.
	if sessionID == "" {
		if method == protocol.MethodPing {
			return struct{}{}, nil
		}
		return nil, protocol.NewError(protocol.CodeInvalidHandshake, "no session established; perform a handshake first")
	}

	sess, err := s.sessions.Touch(ctx, sessionID)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		ID:              sess.ID,
		ClientID:        sess.ClientID,
		ProtocolVersion: sess.ProtocolVersion.String(),
		Legacy:          sess.IsLegacy,
	})

	switch method {
	case protocol.MethodPing:
		return struct{}{}, nil
	case protocol.MethodToolsCall:
		return s.handleToolsCall(ctx, sess, params)
	case protocol.MethodToolsSearch:
		return s.handleToolsSearch(ctx, sess, params)
	case protocol.MethodJobsPoll:
		return s.handleJobsPoll(ctx, sess, params)
	case protocol.MethodJobsCancel:
		return s.handleJobsCancel(ctx, sess, params)
	default:
		return nil, protocol.Errorf(protocol.CodeValidationFailed, "unknown method %q", method)
	}
}

func (s *Server) handleHandshake(ctx context.Context, params json.RawMessage) (any, *protocol.Error) {
	start := time.Now()
	log := s.log.With(slog.String("method", string(protocol.MethodHandshake)))

	var req protocol.HandshakeRequest
	if err := unmarshalParams(params, &req); err != nil {
		log.InfoContext(ctx, "server.handshake.invalid", slog.String("err", err.Error()))
		return nil, protocol.NewError(protocol.CodeValidationFailed, "invalid handshake params")
	}

	neg, err := s.negotiator.Negotiate(req)
	if err != nil {
		log.InfoContext(ctx, "server.handshake.rejected",
			slog.String("err", err.Error()),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return nil, protocol.AsError(err)
	}

	sess, err := s.sessions.Create(ctx, sessions.CreateRequest{
		ClientID:    req.ClientID,
		Transport:   req.Transport,
		Negotiation: neg,
	})
	if err != nil {
		log.ErrorContext(ctx, "server.handshake.fail", slog.String("err", err.Error()))
		return nil, protocol.AsError(err)
	}

	log.InfoContext(ctx, "server.handshake.ok",
		slog.String("session_id", sess.ID),
		slog.String("version", neg.AgreedVersion.String()),
		slog.Bool("legacy", neg.IsLegacy),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))

	return protocol.HandshakeResult{
		AgreedVersion:      neg.AgreedVersion.String(),
		AgreedCapabilities: neg.AgreedCapabilityStrings(),
		SessionID:          sess.ID,
	}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, sess sessions.Session, params json.RawMessage) (any, *protocol.Error) {
	start := time.Now()
	log := s.log.With(slog.String("method", string(protocol.MethodToolsCall)))

	var req protocol.ToolCallRequest
	if err := unmarshalParams(params, &req); err != nil {
		log.InfoContext(ctx, "server.tool_call.invalid", slog.String("err", err.Error()))
		return nil, protocol.NewError(protocol.CodeValidationFailed, "invalid tools/call params")
	}
	if req.ToolID == "" {
		return nil, protocol.NewError(protocol.CodeValidationFailed, "tool_id is required")
	}
	if req.TimeoutMs < 0 {
		return nil, protocol.NewError(protocol.CodeValidationFailed, "timeout_ms must not be negative")
	}

	mode := req.Mode
	if mode == "" {
		mode = protocol.CallModeSync
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{Name: req.ToolID})

	switch mode {
	case protocol.CallModeSync:
		return s.callSync(ctx, log, start, req)
	case protocol.CallModeAsync:
		if !sess.Has(protocol.CapabilityAsync) {
			log.InfoContext(ctx, "server.tool_call.unsupported",
				slog.String("tool", req.ToolID),
				slog.String("capability", string(protocol.CapabilityAsync)))
			return nil, protocol.Errorf(protocol.CodeUnsupportedCapability, "session did not negotiate the %q capability", protocol.CapabilityAsync)
		}
		job, err := s.jobs.Submit(ctx, jobs.SubmitRequest{
			RequestID: req.RequestID,
			ToolName:  req.ToolID,
			Input:     req.Arguments,
			Timeout:   time.Duration(req.TimeoutMs) * time.Millisecond,
		})
		if err != nil {
			log.InfoContext(ctx, "server.tool_call.fail",
				slog.String("tool", req.ToolID),
				slog.String("err", err.Error()),
				slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return nil, protocol.AsError(err)
		}
		log.InfoContext(ctx, "server.tool_call.accepted",
			slog.String("tool", req.ToolID),
			slog.String("job_id", job.ID),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return protocol.JobAccepted{JobID: job.ID, Status: job.Status}, nil
	default:
		return nil, protocol.Errorf(protocol.CodeValidationFailed, "invalid mode %q", mode)
	}
}

func (s *Server) callSync(ctx context.Context, log *slog.Logger, start time.Time, req protocol.ToolCallRequest) (any, *protocol.Error) {
	callCtx := ctx
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	out, err := s.catalog.Invoke(callCtx, catalog.InvokeRequest{Tool: req.ToolID, Arguments: req.Arguments})
	if err != nil {
		if req.TimeoutMs > 0 && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			log.InfoContext(ctx, "server.tool_call.timeout",
				slog.String("tool", req.ToolID),
				slog.Int64("timeout_ms", req.TimeoutMs),
				slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return nil, protocol.Errorf(protocol.CodeExecutionError, "tool %q did not finish within %dms", req.ToolID, req.TimeoutMs).
				WithDetail("sub_code", protocol.SubCodeTimeout)
		}
		log.InfoContext(ctx, "server.tool_call.fail",
			slog.String("tool", req.ToolID),
			slog.String("err", err.Error()),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return nil, protocol.AsError(err)
	}

	log.InfoContext(ctx, "server.tool_call.ok",
		slog.String("tool", req.ToolID),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return protocol.ToolCallResult{Result: out}, nil
}

func (s *Server) handleToolsSearch(ctx context.Context, sess sessions.Session, params json.RawMessage) (any, *protocol.Error) {
	start := time.Now()
	log := s.log.With(slog.String("method", string(protocol.MethodToolsSearch)))

	if !sess.Has(protocol.CapabilitySearch) {
		log.InfoContext(ctx, "server.search.unsupported", slog.String("capability", string(protocol.CapabilitySearch)))
		return nil, protocol.Errorf(protocol.CodeUnsupportedCapability, "session did not negotiate the %q capability", protocol.CapabilitySearch)
	}

	var req protocol.SearchRequest
	if err := unmarshalParams(params, &req); err != nil {
		log.InfoContext(ctx, "server.search.invalid", slog.String("err", err.Error()))
		return nil, protocol.NewError(protocol.CodeValidationFailed, "invalid tools/search params")
	}

	res, err := s.catalog.Search(ctx, req)
	if err != nil {
		log.InfoContext(ctx, "server.search.fail", slog.String("err", err.Error()))
		return nil, protocol.AsError(err)
	}

	log.InfoContext(ctx, "server.search.ok",
		slog.Int("tools", len(res.Tools)),
		slog.String("detail_level", string(res.DetailLevel)),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return res, nil
}

func (s *Server) handleJobsPoll(ctx context.Context, sess sessions.Session, params json.RawMessage) (any, *protocol.Error) {
	if !sess.Has(protocol.CapabilityAsync) {
		return nil, protocol.Errorf(protocol.CodeUnsupportedCapability, "session did not negotiate the %q capability", protocol.CapabilityAsync)
	}

	var req protocol.JobPollRequest
	if err := unmarshalParams(params, &req); err != nil {
		return nil, protocol.NewError(protocol.CodeValidationFailed, "invalid jobs/poll params")
	}
	if req.JobID == "" {
		return nil, protocol.NewError(protocol.CodeValidationFailed, "job_id is required")
	}

	ctx = logctx.WithJobData(ctx, &logctx.JobData{ID: req.JobID})
	job, err := s.jobs.Poll(ctx, req.JobID)
	if err != nil {
		return nil, protocol.AsError(err)
	}

	res := protocol.JobPollResult{
		JobID:           job.ID,
		Status:          job.Status,
		Progress:        job.Progress,
		ProgressMessage: job.ProgressMessage,
		Error:           job.Error,
	}
	if job.Status == protocol.JobCompleted {
		res.Result = job.Result
	}
	return res, nil
}

func (s *Server) handleJobsCancel(ctx context.Context, sess sessions.Session, params json.RawMessage) (any, *protocol.Error) {
	start := time.Now()
	log := s.log.With(slog.String("method", string(protocol.MethodJobsCancel)))

	if !sess.Has(protocol.CapabilityAsync) {
		return nil, protocol.Errorf(protocol.CodeUnsupportedCapability, "session did not negotiate the %q capability", protocol.CapabilityAsync)
	}

	var req protocol.JobCancelRequest
	if err := unmarshalParams(params, &req); err != nil {
		return nil, protocol.NewError(protocol.CodeValidationFailed, "invalid jobs/cancel params")
	}
	if req.JobID == "" {
		return nil, protocol.NewError(protocol.CodeValidationFailed, "job_id is required")
	}

	ctx = logctx.WithJobData(ctx, &logctx.JobData{ID: req.JobID})
	cancelled, err := s.jobs.Cancel(ctx, req.JobID)
	if err != nil {
		return nil, protocol.AsError(err)
	}

	log.InfoContext(ctx, "server.job_cancel.ok",
		slog.String("job_id", req.JobID),
		slog.Bool("cancelled", cancelled),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return protocol.JobCancelResult{Cancelled: cancelled}, nil
}

// ObserveJob subscribes a session to a job's progress feed. The session
// must have negotiated the stream capability. The returned channel closes
// when the job reaches a terminal state; the unsubscribe func releases
// the observer and is safe to call more than once.
func (s *Server) ObserveJob(ctx context.Context, sessionID, jobID string) (<-chan jobs.ProgressEvent, func(), error) {
	if sessionID == "" {
		return nil, nil, protocol.NewError(protocol.CodeInvalidHandshake, "no session established; perform a handshake first")
	}
	sess, err := s.sessions.Touch(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if !sess.Has(protocol.CapabilityStream) {
		return nil, nil, protocol.Errorf(protocol.CodeUnsupportedCapability, "session did not negotiate the %q capability", protocol.CapabilityStream)
	}
	return s.jobs.Observe(jobID)
}

// EndSession removes a session from the table. It fails with
// SESSION_EVICTED if the session is unknown or already expired, so
// transports can distinguish a no-op delete from a real one.
func (s *Server) EndSession(ctx context.Context, sessionID string) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	s.sessions.Delete(ctx, sessionID)
	s.log.InfoContext(ctx, "server.session_end.ok",
		slog.String("session_id", sess.ID),
		slog.String("client_id", sess.ClientID))
	return nil
}

// withRequestData records the dispatched method and envelope on the
// context, keeping any connection-level fields the transport already set.
func (s *Server) withRequestData(ctx context.Context, method, env string) context.Context {
	rd := &logctx.RequestData{Method: method, Envelope: env}
	if prev := logctx.RequestDataFrom(ctx); prev != nil {
		rd.RequestID = prev.RequestID
		rd.RemoteAddr = prev.RemoteAddr
		rd.UserAgent = prev.UserAgent
	}
	return logctx.WithRequestData(ctx, rd)
}

func unmarshalParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, v)
}
