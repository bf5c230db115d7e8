/**
 * @description
 * Authentication middleware for the funds API. A bearer token is validated, its subject
 * resolved to a stored user, and the resulting Actor is placed on the request context so
 * handlers never read identity from anywhere else.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: HS256 token validation.
 * - internal/store: User lookup.
 */

package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/bms/funds-service/internal/domain"
	"github.com/bms/funds-service/internal/store"
	"github.com/golang-jwt/jwt/v5"
)

// ActorContextKey is a custom type for the context key to avoid collisions.
type ActorContextKey string

const actorKey ActorContextKey = "actor"

// AuthMiddleware validates HS256 bearer tokens whose subject is a username.
func AuthMiddleware(secret []byte, issuer string, users store.UserStore) func(http.Handler) http.Handler {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		options = append(options, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(options...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorJSON(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || strings.TrimSpace(tokenString) == "" {
				writeErrorJSON(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			claims := &jwt.RegisteredClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				return secret, nil
			})
			if err != nil || !token.Valid {
				writeErrorJSON(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			username := strings.TrimSpace(claims.Subject)
			if username == "" {
				writeErrorJSON(w, http.StatusUnauthorized, "User not found in token")
				return
			}

			user, err := users.FindUserByUsername(r.Context(), username)
			if err != nil {
				if errors.Is(err, domain.ErrUserNotFound) {
					writeErrorJSON(w, http.StatusUnauthorized, "Unknown user")
					return
				}
				log.Printf("level=error component=api msg=\"user lookup failed\" username=%s err=%v", username, err)
				writeErrorJSON(w, http.StatusInternalServerError, "Failed to resolve user")
				return
			}

			actor := domain.NewActor(user, clientIP(r))
			ctx := context.WithValue(r.Context(), actorKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePrivileged rejects actors without the administrative role.
func RequirePrivileged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := GetActor(r.Context())
		if !ok || !actor.IsPrivileged() {
			writeErrorJSON(w, http.StatusForbidden, domain.ErrNotPrivileged.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetActor retrieves the authenticated actor from the request context.
func GetActor(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(domain.Actor)
	return actor, ok
}

// SignToken issues an HS256 token for username. Used by operators and tests.
func SignToken(secret []byte, issuer, username string, claims jwt.RegisteredClaims) (string, error) {
	if strings.TrimSpace(username) == "" {
		return "", fmt.Errorf("username is required")
	}
	claims.Subject = username
	if issuer != "" {
		claims.Issuer = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// clientIP strips the port from RemoteAddr. After middleware.RealIP the field holds a bare
// address with no port, which is returned as is.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
