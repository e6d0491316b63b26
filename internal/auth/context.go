package auth

import "context"

type principalContextKey struct{}
type tokenContextKey struct{}
type clientContextKey struct{}

// ClientInfo carries request network metadata into the service layer so
// audit entries can record where an action came from.
type ClientInfo struct {
	IPAddress     string
	UserAgent     string
	RequestPath   string
	RequestMethod string
}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// ContextWithClient attaches request network metadata to the context.
func ContextWithClient(ctx context.Context, info ClientInfo) context.Context {
	return context.WithValue(ctx, clientContextKey{}, info)
}

// ClientFromContext returns request network metadata if present.
func ClientFromContext(ctx context.Context) (ClientInfo, bool) {
	if ctx == nil {
		return ClientInfo{}, false
	}
	v, ok := ctx.Value(clientContextKey{}).(ClientInfo)
	return v, ok
}
