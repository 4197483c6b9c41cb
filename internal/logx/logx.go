package logx

import (
	"context"

	"pkt.systems/browserwatch/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	sessionKey contextKey = iota
	targetKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithSession annotates the logger with the session id if present.
func WithSession(ctx context.Context, sessionID string) pslog.Logger {
	log := pslog.Ctx(ctx)
	if sessionID != "" {
		if current, ok := ctx.Value(sessionKey).(string); ok && current == sessionID {
			return log
		}
		log = log.With("session", sessionID)
	}
	return log
}

// WithSessionTarget annotates the logger with session and target identifiers.
func WithSessionTarget(ctx context.Context, sessionID string, targetID schema.TargetID) pslog.Logger {
	log := WithSession(ctx, sessionID)
	if targetID != "" {
		if current, ok := ctx.Value(targetKey).(schema.TargetID); ok && current == targetID {
			return log
		}
		log = log.With("target", targetID)
	}
	return log
}

// WithWatchdog annotates the logger with the watchdog name.
func WithWatchdog(log pslog.Logger, name string) pslog.Logger {
	if name != "" {
		log = log.With("watchdog", name)
	}
	return log
}

// WithEvent annotates the logger with event metadata when available.
func WithEvent(log pslog.Logger, ev schema.Event) pslog.Logger {
	if ev.Kind != "" {
		log = log.With("event", ev.Kind)
	}
	if ev.Target.ID != "" {
		log = log.With("target", ev.Target.ID)
	}
	return log
}

// ContextWithSession stores the session marker on the context for log de-duplication.
func ContextWithSession(ctx context.Context, sessionID string) context.Context {
	if ctx == nil || sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// ContextWithTarget stores the target marker on the context for log de-duplication.
func ContextWithTarget(ctx context.Context, targetID schema.TargetID) context.Context {
	if ctx == nil || targetID == "" {
		return ctx
	}
	return context.WithValue(ctx, targetKey, targetID)
}

// ContextWithSessionLogger attaches the logger and session marker to the context.
func ContextWithSessionLogger(ctx context.Context, log pslog.Logger, sessionID string) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithSession(ctx, sessionID)
}

// CopyContextFields copies session/target markers and the logger from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	dst = pslog.ContextWithLogger(dst, pslog.Ctx(src))
	if session, ok := src.Value(sessionKey).(string); ok && session != "" {
		dst = ContextWithSession(dst, session)
	}
	if target, ok := src.Value(targetKey).(schema.TargetID); ok && target != "" {
		dst = ContextWithTarget(dst, target)
	}
	return dst
}
