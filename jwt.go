/*
 *    Copyright 2025 Jeff Galyan
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *        http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package waypoint

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// jwtClaimsKey is the context key for JWT claims storage.
type jwtClaimsKey struct{}

var jwtContextKey = jwtClaimsKey{}

// WithJWTClaims stores JWT claims into a context.
func WithJWTClaims(ctx context.Context, claims jwt.MapClaims) context.Context {
	return context.WithValue(ctx, jwtContextKey, claims)
}

// JWTClaims retrieves JWT claims from context if present. Handlers reached
// through JWTAuth can call this on req.Context() to recover the verified
// claim set.
func JWTClaims(ctx context.Context) (jwt.MapClaims, bool) {
	v := ctx.Value(jwtContextKey)
	if v == nil {
		return nil, false
	}
	mc, ok := v.(jwt.MapClaims)
	return mc, ok
}

// JWTConfig configures the JWT pipeline stage.
// Provide at least a Keyfunc to resolve the verification key.
// Optional fields can enforce issuer/audience and clock skew.
// If Optional is true, requests without an Authorization header pass
// through unmodified. Only Bearer tokens are considered.
// Errors result in 401 with WWW-Authenticate and a JSON error payload.
// Note: this stage does not perform authorization beyond claim validation.
type JWTConfig struct {
	Keyfunc  jwt.Keyfunc
	Issuer   string
	Audience string
	Skew     time.Duration
	Optional bool
}

// JWTAuth is a Builder.ModifyPipeline stage that validates Bearer JWTs ahead
// of routing and injects verified claims into the request context.
func JWTAuth(cfg JWTConfig) func(http.Handler) http.Handler {
	if cfg.Skew == 0 {
		cfg.Skew = 30 * time.Second
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			if authz == "" {
				if cfg.Optional {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w, "missing Authorization header")
				return
			}
			parts := strings.SplitN(authz, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
				unauthorized(w, "invalid Authorization scheme")
				return
			}
			tokStr := parts[1]

			opts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"HS256", "HS384", "HS512", "RS256", "RS384", "RS512", "ES256", "EdDSA"}),
				jwt.WithLeeway(cfg.Skew),
			}
			if cfg.Issuer != "" {
				opts = append(opts, jwt.WithIssuer(cfg.Issuer))
			}
			if cfg.Audience != "" {
				opts = append(opts, jwt.WithAudience(cfg.Audience))
			}
			parser := jwt.NewParser(opts...)

			tok, err := parser.ParseWithClaims(tokStr, jwt.MapClaims{}, cfg.Keyfunc)
			if err != nil {
				unauthorized(w, fmt.Sprintf("token parse/verify failed: %v", err))
				return
			}
			claims, ok := tok.Claims.(jwt.MapClaims)
			if !ok || !tok.Valid {
				unauthorized(w, "invalid token claims")
				return
			}

			r = r.WithContext(WithJWTClaims(r.Context(), claims))
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, desc string) {
	w.Header().Set("WWW-Authenticate", "Bearer error=\"invalid_token\", error_description=\""+escapeAuthParam(desc)+"\"")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","message":"` + escapeAuthParam(desc) + `"}`))
}

// escapeAuthParam per RFC 6750 to safely include in WWW-Authenticate param
// (and reused here for the JSON body, since the same characters are unsafe).
func escapeAuthParam(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return s
}
