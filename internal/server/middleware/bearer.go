package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dropgate/dropgate/internal/errdefs"
)

// Bearer validates the optional bearer tokens accepted on the upload
// endpoints. With no secret configured every caller is anonymous; with one,
// a valid HS256 token elevates the caller's upload limits and an invalid
// token is rejected outright.
type Bearer struct {
	secret []byte
	issuer string
}

// NewBearer creates a bearer validator. An empty secret disables validation.
func NewBearer(secret, issuer string) *Bearer {
	var key []byte
	if secret != "" {
		key = []byte(secret)
	}
	return &Bearer{secret: key, issuer: issuer}
}

// Authenticate inspects the Authorization header of r. It returns whether the
// caller presented a valid token. A present but invalid token fails with an
// Unauthenticated kind; an absent one is simply anonymous.
func (b *Bearer) Authenticate(r *http.Request) (bool, error) {
	if b.secret == nil {
		return false, nil
	}
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return false, nil
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if b.issuer != "" {
		opts = append(opts, jwt.WithIssuer(b.issuer))
	}
	_, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return b.secret, nil
	}, opts...)
	if err != nil {
		return false, errdefs.Unauthenticated(errors.New("invalid bearer token"))
	}
	return true, nil
}
