package auth

import "context"

// principalKey 是上下文中存储 Principal 的键类型。
type principalKey struct{}

// WithPrincipal 将调用主体存储到上下文中。
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	if principal == nil {
		return ctx
	}
	principal.normalise()
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFromContext 从上下文中提取调用主体。
func PrincipalFromContext(ctx context.Context) *Principal {
	if ctx == nil {
		return nil
	}
	if principal, ok := ctx.Value(principalKey{}).(*Principal); ok {
		return principal
	}
	return nil
}
