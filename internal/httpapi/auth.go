package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// tokenClaims is the bearer payload issued by the account service.
// Subject carries the user id.
type tokenClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type principal struct {
	UserID string
	Email  string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFrom(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(principalKey{}).(principal)
	return p, ok
}

type authenticator struct {
	secret   []byte
	audience string
}

func (a *authenticator) parse(raw string) (principal, *authError) {
	if raw == "" {
		return principal{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &tokenClaims{}
	token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		message := "invalid token"
		var validation *jwt.ValidationError
		if errors.As(err, &validation) && validation.Errors&jwt.ValidationErrorExpired != 0 {
			message = "token expired"
		}
		return principal{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: message,
		}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return principal{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "token subject missing",
		}
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		return principal{}, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "audience mismatch",
		}
	}
	return principal{UserID: claims.Subject, Email: claims.Email}, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

// requireUser rejects requests without a valid bearer token and stores the
// caller on the request context.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, authErr := s.auth.parse(bearerToken(r))
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}
