package middleware

import (
	"crypto/subtle"
	"net/http"

	"go.uber.org/zap"

	"signalbot/pkg/crypto"
)

const opsRealm = `Basic realm="signalbot ops"`

// OpsAuth - HTTP Basic Authentication для ops API.
//
// Пароль хранится только как bcrypt хеш (security.ops_password_hash,
// генерируется флагом -hash-password). Имя пользователя сравнивается
// за постоянное время. Неудачные попытки пишутся в audit лог без пароля.
func OpsAuth(username, passwordHash string, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	audit := logger.With(zap.String("component", "audit"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok {
				unauthorized(w)
				return
			}

			userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
			// bcrypt выполняется и при неверном имени
			passErr := crypto.VerifyPassword(pass, passwordHash)

			if !userMatch || passErr != nil {
				audit.Warn("ops auth failed",
					zap.String("user", user),
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.String("request_id", RequestIDFrom(r.Context())))
				unauthorized(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", opsRealm)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
