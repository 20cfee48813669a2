// ABOUTME: Caller identity carried through request contexts
// ABOUTME: Agents act only for their own id; operators act for every agent

package auth

import "context"

// AnonymousPrincipal names the caller when authentication is disabled.
const AnonymousPrincipal = "anonymous"

// AuthContext is the verified caller of a gRPC call or HTTP request.
type AuthContext struct {
	PrincipalID string // agent id for agent tokens
	Role        string
}

// Anonymous is granted to every caller when no secret is configured.
func Anonymous() *AuthContext {
	return &AuthContext{PrincipalID: AnonymousPrincipal, Role: RoleOperator}
}

func (a *AuthContext) IsOperator() bool {
	return a != nil && a.Role == RoleOperator
}

// CanSpeakFor reports whether the caller may act as agentID: send its
// requests, broadcast its frame, or read its path and events.
func (a *AuthContext) CanSpeakFor(agentID string) bool {
	switch {
	case a == nil:
		return false
	case a.IsOperator():
		return true
	default:
		return a.Role == RoleAgent && a.PrincipalID == agentID
	}
}

type ctxKey struct{}

func WithAuth(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, ac)
}

// FromContext returns the caller, or nil on an unauthenticated context.
func FromContext(ctx context.Context) *AuthContext {
	ac, _ := ctx.Value(ctxKey{}).(*AuthContext)
	return ac
}
