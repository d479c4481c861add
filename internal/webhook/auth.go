package webhook

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

type contextKey string

const subjectKey contextKey = "webhook_subject"

// SubjectFromContext returns the verified user id of the inbound token.
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(subjectKey).(string)
	return subject
}

// AuthMiddleware verifies the inbound signed bearer token (HS256) and
// binds the token's subject claim, the originating user id, into the
// request context. Invalid or missing tokens get 401.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := jwt.ParseRequest(r, jwt.WithKey(jwa.HS256(), key))
			if err != nil {
				slog.Warn("webhook auth failure",
					"component", "webhook",
					"path", r.URL.Path,
					"remote_ip", r.RemoteAddr,
				)
				writeMessage(w, http.StatusUnauthorized, "Missing or invalid token")
				return
			}

			subject, ok := token.Subject()
			if !ok || subject == "" {
				writeMessage(w, http.StatusUnauthorized, "Token has no subject")
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
