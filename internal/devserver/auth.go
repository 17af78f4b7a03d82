package devserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const senderKey contextKey = "sender_id"

var errNoToken = errors.New("missing bearer token")

// IssueToken signs a token whose subject is the sender id used for messages
// posted with it. ttl <= 0 issues a token that never expires.
func IssueToken(secret []byte, senderID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  senderID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// verify returns the subject of a valid HS256 token.
func verify(secret []byte, tokenStr string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return sub, nil
}

// bearer reads the token from the Authorization header, or from the token
// query parameter for browser websocket clients that cannot set headers.
func bearer(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer "), nil
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", errNoToken
}

// authenticate rejects requests without a valid token and records the sender
// id in the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, err := bearer(r)
		if err != nil {
			jsonErr(w, err, http.StatusUnauthorized)
			return
		}
		sub, err := verify(s.secret, tokenStr)
		if err != nil {
			jsonErr(w, errors.New("invalid or expired token"), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), senderKey, sub)))
	})
}

func senderID(ctx context.Context) string {
	id, _ := ctx.Value(senderKey).(string)
	return id
}
