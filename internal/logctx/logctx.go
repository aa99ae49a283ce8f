// Package logctx enriches slog records with request, session, and job
// identity carried on the context, so every log line emitted during a
// dispatch is attributable without threading IDs through call sites.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		attrs := make([]slog.Attr, 0, 5)
		if rd.RequestID != "" {
			attrs = append(attrs, slog.String("id", rd.RequestID))
		}
		attrs = append(attrs,
			slog.String("method", rd.Method),
			slog.String("envelope", rd.Envelope))
		if rd.RemoteAddr != "" {
			attrs = append(attrs, slog.String("remote_addr", rd.RemoteAddr))
		}
		if rd.UserAgent != "" {
			attrs = append(attrs, slog.String("user_agent", rd.UserAgent))
		}
		r.AddAttrs(slog.Attr{Key: "req", Value: slog.GroupValue(attrs...)})
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.ID),
			slog.String("client_id", sd.ClientID),
			slog.String("protocol_version", sd.ProtocolVersion),
			slog.Bool("legacy", sd.Legacy),
		))
	}

	if jd, ok := ctx.Value(jobDataKey{}).(*JobData); ok {
		attrs := []slog.Attr{slog.String("id", jd.ID)}
		if jd.RequestID != "" {
			attrs = append(attrs, slog.String("request_id", jd.RequestID))
		}
		r.AddAttrs(slog.Attr{Key: "job", Value: slog.GroupValue(attrs...)})
	}

	if td, ok := ctx.Value(toolCallDataKey{}).(*ToolCallData); ok {
		r.AddAttrs(slog.Group("tool",
			slog.String("name", td.Name),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	Envelope   string
	RemoteAddr string
	UserAgent  string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

// RequestDataFrom returns the request data already on ctx, or nil.
// Transports set the connection-level fields; the dispatch layer copies
// those forward when it fills in method and envelope.
func RequestDataFrom(ctx context.Context) *RequestData {
	rd, _ := ctx.Value(requestDataKey{}).(*RequestData)
	return rd
}

type sessionDataKey struct{}

type SessionData struct {
	ID              string
	ClientID        string
	ProtocolVersion string
	Legacy          bool
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type jobDataKey struct{}

type JobData struct {
	ID        string
	RequestID string
}

func WithJobData(ctx context.Context, data *JobData) context.Context {
	return context.WithValue(ctx, jobDataKey{}, data)
}

type toolCallDataKey struct{}

type ToolCallData struct {
	Name string
}

func WithToolCallData(ctx context.Context, data *ToolCallData) context.Context {
	return context.WithValue(ctx, toolCallDataKey{}, data)
}
