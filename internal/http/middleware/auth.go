package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/clinic-booking/internal/apperr"
	"github.com/wolfman30/clinic-booking/internal/identity"
)

var (
	errMissingToken = apperr.Unauthorized("Missing authorization header")
	errInvalidToken = apperr.Unauthorized("Invalid token")
	errAuthDisabled = apperr.Unauthorized("Authentication is not configured")
	errRoleDenied   = apperr.Forbidden("Not allowed for this role")
)

// ActorClaims is the token payload: the subject is the actor id.
type ActorClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// ActorJWT validates an HMAC-signed bearer token and stores the actor in the
// request context.
func ActorJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				apperr.WriteJSON(w, errAuthDisabled)
				return
			}
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				apperr.WriteJSON(w, errMissingToken)
				return
			}
			tokenString := strings.TrimPrefix(auth, "Bearer ")
			claims := ActorClaims{}
			token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			}, jwt.WithExpirationRequired())
			if err != nil || !token.Valid || claims.Subject == "" {
				apperr.WriteJSON(w, errInvalidToken)
				return
			}
			role, ok := identity.ParseRole(claims.Role)
			if !ok {
				apperr.WriteJSON(w, errInvalidToken)
				return
			}
			ctx := identity.WithActor(r.Context(), identity.Actor{ID: claims.Subject, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects actors whose role is not listed. It must run after ActorJWT.
func RequireRole(roles ...identity.Role) func(http.Handler) http.Handler {
	allowed := make(map[identity.Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := identity.ActorFromContext(r.Context())
			if !ok {
				apperr.WriteJSON(w, errMissingToken)
				return
			}
			if _, ok := allowed[actor.Role]; !ok {
				apperr.WriteJSON(w, errRoleDenied)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
