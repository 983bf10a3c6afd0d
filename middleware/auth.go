package middleware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"go-httpd/server"
)

// SubjectHeader is set on the request to the verified token subject before
// it moves down the chain. A client-supplied value is always removed.
const SubjectHeader = "X-Authenticated-Subject"

var errNoBearer = errors.New("missing bearer token")

// AuthOptions scope BearerAuth.
type AuthOptions struct {
	// Protect lists the path prefixes that need a token. Empty protects
	// every path.
	Protect []string
	// Exempt lists path prefixes that never need one, even inside Protect.
	Exempt []string
}

func (o AuthOptions) guards(path string) bool {
	for _, p := range o.Exempt {
		if strings.HasPrefix(path, p) {
			return false
		}
	}
	if len(o.Protect) == 0 {
		return true
	}
	for _, p := range o.Protect {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// BearerAuth checks "Authorization: Bearer <jwt>" on guarded paths. Tokens
// must be HS256-signed with secret and carry a subject; anything else
// fails with ErrUnauthorized.
func BearerAuth(secret []byte, opts AuthOptions) server.Middleware {
	return server.MiddlewareFunc(func(req *server.Request, next server.Handler) (*server.Response, error) {
		req.Header.Del(SubjectHeader)
		if !opts.guards(req.Path()) {
			return next.Respond(req)
		}

		sub, err := verify(req.Header.Get("Authorization"), secret)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, server.ErrUnauthorized)
		}
		req.Header.Set(SubjectHeader, sub)
		return next.Respond(req)
	})
}

func verify(authorization string, secret []byte) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errNoBearer
	}
	token = strings.TrimSpace(token)
	if token == "" || len(secret) == 0 {
		return "", errNoBearer
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}
