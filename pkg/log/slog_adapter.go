package log

import (
	"context"
	"log/slog"
)

// SlogAdapter prints captured events through an slog.Logger, one record per
// event with the payload under a group named after its kind.
type SlogAdapter struct {
	logger *slog.Logger
	level  slog.Level
}

// NewSlogAdapter logs events at debug level.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger, level: slog.LevelDebug}
}

// WithLevel returns a copy logging at level.
func (a *SlogAdapter) WithLevel(level slog.Level) *SlogAdapter {
	return &SlogAdapter{logger: a.logger, level: level}
}

// Log implements Logger.
func (a *SlogAdapter) Log(event Event) {
	ctx := context.Background()
	if !a.logger.Enabled(ctx, a.level) {
		return
	}

	attrs := make([]slog.Attr, 0, 8)
	attrs = append(attrs,
		slog.String("conn_id", event.ConnectionID),
		slog.String("role", event.LocalRole.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	)
	if event.Frame != nil || event.Message != nil {
		attrs = append(attrs, slog.String("direction", event.Direction.String()))
	}
	if event.PeerID != "" {
		attrs = append(attrs, slog.String("peer_id", event.PeerID))
	}
	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote_addr", event.RemoteAddr))
	}
	if p, ok := payloadAttr(event); ok {
		attrs = append(attrs, p)
	}

	a.logger.LogAttrs(ctx, a.level, "protocol", attrs...)
}

func payloadAttr(event Event) (slog.Attr, bool) {
	var group []any
	switch {
	case event.Frame != nil:
		group = []any{slog.Int("size", event.Frame.Size), slog.Bool("truncated", event.Frame.Truncated)}
		return slog.Group("frame", group...), true

	case event.Message != nil:
		m := event.Message
		group = []any{slog.String("type", m.Type.String())}
		if m.Size > 0 {
			group = append(group, slog.Int("size", m.Size))
		}
		if m.DataType != "" {
			group = append(group, slog.String("data_type", m.DataType))
		}
		if m.CloseCause != nil {
			group = append(group, slog.String("close_cause", m.CloseCause.String()))
		}
		if m.CloseMessage != "" {
			group = append(group, slog.String("close_message", m.CloseMessage))
		}
		return slog.Group("msg", group...), true

	case event.StateChange != nil:
		sc := event.StateChange
		group = []any{
			slog.String("entity", sc.Entity.String()),
			slog.String("old_state", sc.OldState),
			slog.String("new_state", sc.NewState),
		}
		if sc.Reason != "" {
			group = append(group, slog.String("reason", sc.Reason))
		}
		return slog.Group("state", group...), true

	case event.Error != nil:
		e := event.Error
		group = []any{slog.String("layer", e.Layer.String()), slog.String("msg", e.Message)}
		if e.Context != "" {
			group = append(group, slog.String("context", e.Context))
		}
		if e.Code != nil {
			group = append(group, slog.Int("code", *e.Code))
		}
		return slog.Group("error", group...), true
	}
	return slog.Attr{}, false
}

var _ Logger = (*SlogAdapter)(nil)
