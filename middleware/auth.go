package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"naskahsync/pkg/logger"
)

type contextKey string

const (
	UserIDKey      contextKey = "userID"
	DisplayNameKey contextKey = "displayName"
)

// Identity resolves the participant behind a request and stores it in the
// context. With a secret the participant is the sub claim of an HS256 token;
// without one it is taken from the participant query parameter.
func Identity(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var userID, name string
			if secret == "" {
				userID = r.URL.Query().Get("participant")
				if userID == "" {
					http.Error(w, "Unauthorized: No participant provided", http.StatusUnauthorized)
					return
				}
				name = r.URL.Query().Get("name")
			} else {
				var err error
				userID, name, err = parseToken(tokenFromRequest(r), secret)
				if err != nil {
					logger.Sugar.Warnf("Invalid token: %v", err)
					http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
					return
				}
				if name == "" {
					name = r.URL.Query().Get("name")
				}
			}

			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			ctx = context.WithValue(ctx, DisplayNameKey, name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// tokenFromRequest reads the token from the query string, where browsers put
// it for websockets, or from the Authorization header.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func parseToken(tokenString, secret string) (userID, name string, err error) {
	if tokenString == "" {
		return "", "", fmt.Errorf("no token provided")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", "", fmt.Errorf("invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("could not parse token claims")
	}
	userID, ok = claims["sub"].(string)
	if !ok || userID == "" {
		return "", "", fmt.Errorf("user ID (sub) claim is missing or invalid")
	}
	name, _ = claims["name"].(string)
	return userID, name, nil
}

// UserID returns the participant stored by Identity.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(UserIDKey).(string)
	return id
}

func DisplayName(ctx context.Context) string {
	name, _ := ctx.Value(DisplayNameKey).(string)
	return name
}
