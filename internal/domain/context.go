package domain

import "context"

// scopeKey indexes the identifiers a turn carries on its context.
type scopeKey uint8

const (
	tenantKey scopeKey = iota + 1
	sessionKey
)

func ContextWithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey, sessionID)
}

// TenantIDFromContext returns the tenant the call runs for, or "".
func TenantIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey).(string)
	return id
}

// SessionIDFromContext returns the chat session of the call, or "".
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey).(string)
	return id
}
