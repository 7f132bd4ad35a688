package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/louisbranch/proctorvision/internal/platform/errors"
	"github.com/louisbranch/proctorvision/internal/platform/requestctx"
	"go.uber.org/zap"
)

const bearerPrefix = "Bearer "

// tokenVerifier checks HS256 bearer tokens issued by the exam platform.
type tokenVerifier struct {
	secret []byte
	now    func() time.Time
}

func newTokenVerifier(secret string, now func() time.Time) *tokenVerifier {
	if now == nil {
		now = time.Now
	}
	return &tokenVerifier{secret: []byte(secret), now: now}
}

// Verify returns the token subject.
func (v *tokenVerifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperrors.New(apperrors.CodeUnauthenticated, "bearer token is required")
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", mapJWTError(err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", apperrors.New(apperrors.CodeUnauthenticated, "token subject is required")
	}
	return subject, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.Wrap(apperrors.CodeUnauthenticated, "token is expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperrors.Wrap(apperrors.CodeUnauthenticated, "token signature is invalid", err)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return apperrors.Wrap(apperrors.CodeUnauthenticated, "token alg is invalid", err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return apperrors.Wrap(apperrors.CodeUnauthenticated, "token is malformed", err)
	default:
		return apperrors.Wrap(apperrors.CodeUnauthenticated, "token is invalid", err)
	}
}

// authenticated enforces bearer verification when a secret is configured.
func (h *handler) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.verifier == nil {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			h.writeError(w, apperrors.New(apperrors.CodeUnauthenticated, "bearer token is required"))
			return
		}
		subject, err := h.verifier.Verify(strings.TrimPrefix(header, bearerPrefix))
		if err != nil {
			h.logger.Info("api unauthorized", zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr), zap.Error(err))
			h.writeError(w, err)
			return
		}
		next(w, r.WithContext(requestctx.WithSubject(r.Context(), subject)))
	})
}
