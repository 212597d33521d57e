/**
 * @description
 * Authentication and authorization middleware. Staff tokens are HS256 JWTs issued by the
 * identity service: `sub` carries the actor id and `role` the staff role.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: token parsing and validation.
 */
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/serenityneo/corebanking-service/internal/domain"
)

type contextKey string

const actorContextKey = contextKey("actor")

// AuthMiddleware validates bearer tokens and injects the actor into the request context.
func AuthMiddleware(secret []byte, issuer string) func(http.Handler) http.Handler {
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		options = append(options, jwt.WithIssuer(issuer))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return secret, nil
			}, options...)
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				http.Error(w, "Actor ID not found in token", http.StatusUnauthorized)
				return
			}
			actorID, err := uuid.Parse(subject)
			if err != nil {
				http.Error(w, "Invalid actor ID in token", http.StatusUnauthorized)
				return
			}
			rawRole, _ := claims["role"].(string)
			role, ok := domain.ParseRole(rawRole)
			if !ok {
				http.Error(w, "Unknown role in token", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), actorContextKey, domain.Actor{ID: actorID, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects actors ranked below min.
func RequireRole(min domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !actor.Role.AtLeast(min) {
				writeJSON(w, http.StatusForbidden, errorResponse{
					Error:   "ROLE_INSUFFICIENT",
					Message: fmt.Sprintf("this action requires %s or above", min),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActorFromContext retrieves the authenticated actor.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(domain.Actor)
	return actor, ok
}
