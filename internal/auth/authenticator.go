// ABOUTME: Authenticator turning bearer tokens into an AuthContext for gRPC calls and HTTP requests
// ABOUTME: Without a verifier every caller is admitted as the anonymous operator

package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// TokenQueryParam carries the token for clients that cannot set headers,
// such as browser websockets. The Authorization header wins when both are present.
const TokenQueryParam = "access_token"

// Authenticator checks bearer tokens with a TokenVerifier.
type Authenticator struct {
	tokens TokenVerifier
	logger *slog.Logger
}

// NewAuthenticator creates an authenticator. A nil tokens verifier disables
// authentication and admits everyone as Anonymous().
func NewAuthenticator(tokens TokenVerifier, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{tokens: tokens, logger: logger}
}

// Enabled reports whether tokens are checked.
func (a *Authenticator) Enabled() bool {
	return a.tokens != nil
}

// rejection explains why a caller was turned away.
type rejection struct {
	reason  string // log code
	message string // returned to the caller
	err     error
}

// authenticate resolves an Authorization header value.
func (a *Authenticator) authenticate(header string) (*AuthContext, *rejection) {
	if !a.Enabled() {
		return Anonymous(), nil
	}
	switch {
	case header == "":
		return nil, &rejection{reason: "missing_authorization", message: "missing authorization header"}
	case !strings.HasPrefix(header, "Bearer "):
		return nil, &rejection{reason: "bad_authorization_format", message: "invalid authorization header format"}
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return nil, &rejection{reason: "empty_token", message: "empty token"}
	}

	ac, err := a.tokens.Verify(token)
	if err != nil {
		return nil, &rejection{reason: "jwt_auth_failed", message: "invalid token", err: err}
	}
	return ac, nil
}

func (a *Authenticator) logRejection(r *rejection, attrs ...any) {
	attrs = append([]any{"reason", r.reason}, attrs...)
	if r.err != nil {
		attrs = append(attrs, "error", r.err.Error())
	}
	a.logger.Warn("auth failure", attrs...)
}

// grpcContext authenticates the caller of method and attaches the result to ctx.
func (a *Authenticator) grpcContext(ctx context.Context, method string) (context.Context, error) {
	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get("authorization"); len(values) > 0 {
			header = values[0]
		}
	}

	ac, rej := a.authenticate(header)
	if rej != nil {
		attrs := []any{"method", method}
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			attrs = append(attrs, "peer_addr", p.Addr.String())
		}
		a.logRejection(rej, attrs...)
		return nil, status.Error(codes.Unauthenticated, rej.message)
	}
	return WithAuth(ctx, ac), nil
}

// UnaryInterceptor authenticates unary calls.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := a.grpcContext(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor authenticates streaming calls.
func (a *Authenticator) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := a.grpcContext(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
	}
}

// authedStream overrides the stream context with the authenticated one.
type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context {
	return s.ctx
}

// HTTPMiddleware authenticates HTTP requests from the Authorization header
// or the access_token query parameter.
func (a *Authenticator) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if q := r.URL.Query().Get(TokenQueryParam); header == "" && q != "" {
				header = "Bearer " + q
			}

			ac, rej := a.authenticate(header)
			if rej != nil {
				a.logRejection(rej, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				writeError(w, http.StatusUnauthorized, rej.message)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), ac)))
		})
	}
}

// RequireOperatorHTTP rejects callers without the operator role.
// Must be used after HTTPMiddleware.
func RequireOperatorHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac := FromContext(r.Context())
			switch {
			case ac == nil:
				writeError(w, http.StatusUnauthorized, "not authenticated")
			case !ac.IsOperator():
				writeError(w, http.StatusForbidden, "operator role required")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
