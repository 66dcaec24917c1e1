package middleware

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-plt-approvals/internal/auth"
)

// Auth requires a valid access token and stores its user id in the request
// context. With allowQuery the token may also come from ?token=, which
// browsers need for WebSocket upgrades.
func Auth(m *auth.Manager, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := auth.BearerToken(r.Header.Get("Authorization"))
			if !ok && allowQuery {
				token = bearerFromQuery(r)
				ok = token != ""
			}
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}
			claims, err := m.Parse(token, auth.TypeAccess)
			if err != nil {
				unauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), claims.UserID)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="approvals"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": "UNAUTHORIZED"})
}

// unauthenticatedPrefixes lists gRPC services reachable without a token.
var unauthenticatedPrefixes = []string{
	"/grpc.health.v1.Health/",
	"/grpc.reflection.",
}

// UnaryAuth is the gRPC counterpart of Auth, reading the token from the
// "authorization" metadata key.
func UnaryAuth(m *auth.Manager) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		for _, p := range unauthenticatedPrefixes {
			if strings.HasPrefix(info.FullMethod, p) {
				return handler(ctx, req)
			}
		}

		md, _ := metadata.FromIncomingContext(ctx)
		var token string
		var ok bool
		for _, v := range md.Get("authorization") {
			if token, ok = auth.BearerToken(v); ok {
				break
			}
		}
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		claims, err := m.Parse(token, auth.TypeAccess)
		if err != nil {
			if stderrors.Is(err, auth.ErrExpired) {
				return nil, status.Error(codes.Unauthenticated, "token expired")
			}
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return handler(auth.WithUserID(ctx, claims.UserID), req)
	}
}
