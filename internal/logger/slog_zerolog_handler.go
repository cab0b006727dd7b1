package logger

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// slogBridge adapts a zerolog logger to the slog.Handler interface so the
// pipeline can log through *slog.Logger while output stays zerolog JSON.
// Context fields set via WithRequestID/WithAppUser/WithStage are attached
// on every record.
type slogBridge struct {
	zl    *zerolog.Logger
	attrs []slog.Attr
}

// NewSlog wraps zl in a *slog.Logger.
func NewSlog(zl *zerolog.Logger) *slog.Logger {
	return slog.New(&slogBridge{zl: zl})
}

func (h *slogBridge) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *slogBridge) Handle(ctx context.Context, r slog.Record) error {
	base := FromContext(ctx, h.zl)

	var ev *zerolog.Event
	switch {
	case r.Level <= slog.LevelDebug:
		ev = base.Debug()
	case r.Level == slog.LevelWarn:
		ev = base.Warn()
	case r.Level >= slog.LevelError:
		ev = base.Error()
	default:
		ev = base.Info()
	}

	for _, a := range h.attrs {
		ev = addAttr(ev, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		ev = addAttr(ev, a)
		return true
	})

	ev.Msg(r.Message)
	return nil
}

func (h *slogBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(cp.attrs[:len(cp.attrs):len(cp.attrs)], attrs...)
	return &cp
}

// groups are flattened, the log volume here does not warrant nesting
func (h *slogBridge) WithGroup(_ string) slog.Handler { return h }

func addAttr(ev *zerolog.Event, a slog.Attr) *zerolog.Event {
	a.Value = a.Value.Resolve()
	switch a.Value.Kind() {
	case slog.KindString:
		return ev.Str(a.Key, a.Value.String())
	case slog.KindInt64:
		return ev.Int64(a.Key, a.Value.Int64())
	case slog.KindFloat64:
		return ev.Float64(a.Key, a.Value.Float64())
	case slog.KindBool:
		return ev.Bool(a.Key, a.Value.Bool())
	case slog.KindDuration:
		return ev.Dur(a.Key, a.Value.Duration())
	case slog.KindTime:
		return ev.Time(a.Key, a.Value.Time().UTC())
	default:
		return ev.Interface(a.Key, a.Value.Any())
	}
}
