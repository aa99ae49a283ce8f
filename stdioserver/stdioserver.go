// Package stdioserver implements a minimal single-connection transport
// over stdin/stdout. It is intended for embedding the tool server as a
// subprocess, local development, and environments where piping JSON to a
// child process is simpler than running an HTTP server.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Framing          : one JSON message per line, either envelope
//	Sessions         : the connection holds the session from its last
//	                   successful handshake; legacy bodies may still
//	                   name their own
//	Streaming        : sessions with the stream capability get
//	                   notifications/progress lines pushed for async jobs
//
// For multi-client deployments prefer the HTTP transport, which carries
// session identity in headers and supports bearer authentication.
package stdioserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/toolwire/toolwire/internal/jsonrpc"
	"github.com/toolwire/toolwire/internal/logctx"
	"github.com/toolwire/toolwire/jobs"
	"github.com/toolwire/toolwire/protocol"
	"github.com/toolwire/toolwire/server"
)

const defaultMaxLineBytes = 4 << 20

// Handler is a single-connection transport that reads protocol messages
// from an io.Reader, one per line, and writes responses to an io.Writer.
// By default it uses os.Stdin and os.Stdout.
//
// The handler is transport-only; all protocol semantics live in the
// server core it wraps.
type Handler struct {
	core *server.Server
	r    io.Reader
	w    io.Writer
	log  *slog.Logger

	maxLineBytes int

	// sessionID is the session bound to this connection by its most
	// recent successful handshake. Only the serve loop touches it.
	sessionID string

	// writeMu serializes response lines against pushed notifications.
	writeMu sync.Mutex

	// watchers tracks job observer goroutines so Serve can drain them
	// before returning.
	watchers sync.WaitGroup
}

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithReader overrides the input stream.
func WithReader(r io.Reader) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
	}
}

// WithWriter overrides the output stream.
func WithWriter(w io.Writer) Option {
	return func(h *Handler) {
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = slog.New(logctx.Handler{Handler: l.Handler()})
		}
	}
}

// WithMaxLineBytes caps the size of a single inbound message line. The
// default is 4 MiB.
func WithMaxLineBytes(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxLineBytes = n
		}
	}
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(core *server.Server, opts ...Option) *Handler {
	h := &Handler{
		core:         core,
		r:            os.Stdin,
		w:            os.Stdout,
		log:          slog.New(logctx.Handler{Handler: slog.Default().Handler()}),
		maxLineBytes: defaultMaxLineBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the read loop until EOF on the reader or ctx is cancelled.
// It is safe to call at most once per Handler. Messages are handled in
// arrival order; job progress for streaming sessions is pushed from
// observer goroutines through the shared write lock.
//
// Any session bound to the connection is ended when Serve returns.
func (h *Handler) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	h.log.InfoContext(ctx, "stdio.serve.start")

	// Teardown order: stop observers, wait them out, then release the
	// session.
	defer h.unbindSession(context.WithoutCancel(ctx))
	defer h.watchers.Wait()
	defer cancel()

	lines := make(chan []byte)
	errCh := make(chan error, 1)
	go h.readLoop(ctx, lines, errCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				err := <-errCh
				if err != nil {
					h.log.WarnContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
					return err
				}
				h.log.InfoContext(ctx, "stdio.serve.eof")
				return nil
			}
			h.handleLine(ctx, line)
		}
	}
}

// readLoop scans input lines onto the channel. The reader itself cannot
// be interrupted; cancellation only stops delivery.
func (h *Handler) readLoop(ctx context.Context, lines chan<- []byte, errCh chan<- error) {
	scanner := bufio.NewScanner(h.r)
	scanner.Buffer(make([]byte, 64*1024), h.maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		buf := append([]byte(nil), line...)
		select {
		case lines <- buf:
		case <-ctx.Done():
			return
		}
	}
	errCh <- scanner.Err()
	close(lines)
}

func (h *Handler) handleLine(ctx context.Context, line []byte) {
	out := h.core.Handle(ctx, line, server.WithSessionID(h.sessionID))
	if out == nil {
		// Notification: nothing to answer.
		return
	}

	handshake := isHandshake(line)
	if handshake {
		if sid := handshakeSession(out); sid != "" {
			h.sessionID = sid
			h.log.InfoContext(ctx, "stdio.session.bound", slog.String("session_id", sid))
		}
	}

	if err := h.writeLine(out); err != nil {
		h.log.WarnContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
		return
	}

	if !handshake {
		if jobID := acceptedJobID(line, out); jobID != "" {
			h.watchJob(ctx, jobID)
		}
	}
}

// watchJob pushes a job's progress feed to the client. Sessions that did
// not negotiate the stream capability are skipped; polling still works
// for them.
func (h *Handler) watchJob(ctx context.Context, jobID string) {
	events, unsubscribe, err := h.core.ObserveJob(ctx, h.sessionID, jobID)
	if err != nil {
		h.log.DebugContext(ctx, "stdio.observe.skip",
			slog.String("job_id", jobID),
			slog.String("err", err.Error()))
		return
	}

	h.watchers.Add(1)
	go func() {
		defer h.watchers.Done()
		defer unsubscribe()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := h.writeProgress(ev); err != nil {
					h.log.WarnContext(ctx, "stdio.progress.write.fail", slog.String("err", err.Error()))
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (h *Handler) writeProgress(ev jobs.ProgressEvent) error {
	notif, err := jsonrpc.NewRequest(nil, string(protocol.MethodProgress), protocol.ProgressNotification{
		JobID:    ev.JobID,
		Progress: ev.Progress,
		Message:  ev.Message,
		Status:   ev.Status,
	})
	if err != nil {
		return err
	}
	b, err := json.Marshal(notif)
	if err != nil {
		return err
	}
	return h.writeLine(b)
}

func (h *Handler) writeLine(b []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.w.Write(b); err != nil {
		return err
	}
	_, err := h.w.Write([]byte{'\n'})
	return err
}

func (h *Handler) unbindSession(ctx context.Context) {
	if h.sessionID == "" {
		return
	}
	if err := h.core.EndSession(ctx, h.sessionID); err != nil {
		h.log.DebugContext(ctx, "stdio.session.unbind.skip", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "stdio.session.unbind", slog.String("session_id", h.sessionID))
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

// handshakeSession pulls the session ID out of a handshake response in
// either envelope, or "" when the handshake failed.
func handshakeSession(body []byte) string {
	var flat struct {
		SessionID string          `json:"session_id"`
		Result    json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &flat); err != nil {
		return ""
	}
	if flat.SessionID != "" {
		return flat.SessionID
	}
	if len(flat.Result) > 0 {
		var inner struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(flat.Result, &inner); err == nil {
			return inner.SessionID
		}
	}
	return ""
}

// acceptedJobID reports the job ID when the exchange was an async
// tools/call accepted in the JSON-RPC envelope. Legacy-envelope clients
// predate push notifications and are left to poll.
func acceptedJobID(req, resp []byte) string {
	var in struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  struct {
			Mode string `json:"mode"`
		} `json:"params"`
	}
	if err := json.Unmarshal(req, &in); err != nil {
		return ""
	}
	if in.JSONRPC == "" || in.Method != string(protocol.MethodToolsCall) || in.Params.Mode != string(protocol.CallModeAsync) {
		return ""
	}
	var out struct {
		Result struct {
			JobID string `json:"job_id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return ""
	}
	return out.Result.JobID
}
