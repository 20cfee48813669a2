// Package auth provides authentication and authorization for arena-gateway.
//
// # Authentication
//
// Callers authenticate with HS256 JWT bearer tokens signed with the configured
// auth.jwt_secret. Tokens carry two claims besides iat/exp:
//
//   - sub: the principal. For agents this is the agent id.
//   - role: "agent" or "operator".
//
// When no secret is configured every caller is treated as the anonymous
// operator.
//
// # Authorization
//
// Agents may only send agent requests for their own agent_id, broadcast the
// transform of their own frame and watch their own path. Operators may
// publish goals and speak for any agent.
//
// # Authenticator
//
// One Authenticator serves both transports:
//
//	a := auth.NewAuthenticator(verifier, logger) // nil verifier: anonymous operator
//	grpc.ChainUnaryInterceptor(a.UnaryInterceptor())
//	grpc.ChainStreamInterceptor(a.StreamInterceptor())
//	r.Use(a.HTTPMiddleware())
//	r.With(auth.RequireOperatorHTTP()).Post("/api/goals", ...)
//
// gRPC reads the token from the "authorization" metadata key.
//
// Browsers that cannot set headers (websockets) may pass the token as the
// access_token query parameter instead.
//
// # Token Management
//
//	v := auth.NewJWTVerifier(secret)
//	token, err := v.Generate("A_01", auth.RoleAgent, 24*time.Hour)
//	ac, err := v.Verify(token)
package auth
