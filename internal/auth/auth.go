// Package auth implements the stateless HMAC challenge-response protecting
// encrypted files, plus the owner-token primitive for mutating endpoints.
//
// Protocol: the server keeps a per-file nonce. A client proves possession of
// the file's authentication key by sending
//
//	Authorization: send-v1 base64(HMAC-SHA256(authKey, nonce))
//
// Whatever the outcome, the server rotates the nonce before responding and
// returns it via WWW-Authenticate, so each signature is accepted at most
// once.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dropgate/dropgate/internal/errdefs"
	"github.com/dropgate/dropgate/internal/meta"
)

// Scheme is the authorization scheme carried by both the Authorization and
// WWW-Authenticate headers.
const Scheme = "send-v1"

// UnencryptedKey is the sentinel stored in the auth field of records that do
// not require the challenge-response.
const UnencryptedKey = "unencrypted"

// NewNonce returns a fresh 128-bit challenge, base64 encoded the way it is
// stored and sent to clients.
func NewNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("failed to read random nonce: %v", err))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// decode accepts standard and URL-safe base64, padded or not. Clients differ
// in which alphabet they emit.
func decode(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("invalid base64")
}

// Verifier enforces the challenge-response against the metadata store.
type Verifier struct {
	store  meta.Store
	logger *logrus.Entry
}

// NewVerifier creates a verifier bound to the given store.
func NewVerifier(store meta.Store) *Verifier {
	return &Verifier{
		store:  store,
		logger: logrus.WithField("component", "auth-verifier"),
	}
}

// Authenticate checks the Authorization header of a request against record
// id. The returned challenge, when non-empty, must be sent back to the client
// as "WWW-Authenticate: send-v1 <challenge>" whether or not err is nil: it is
// the nonce for the client's next request.
//
// For unencrypted records Authenticate short-circuits with no challenge and
// no error. Missing records fail with a NotFound kind; bad or absent
// signatures fail with an Unauthenticated kind.
func (v *Verifier) Authenticate(ctx context.Context, id, authorization string) (challenge string, err error) {
	fields, err := v.store.GetAll(ctx, id)
	if err != nil {
		if errors.Is(err, meta.ErrNotFound) {
			return "", errdefs.NotFound(fmt.Errorf("file %s not found", id))
		}
		return "", err
	}
	if fields["encrypted"] != "true" {
		return "", nil
	}

	storedAuth, haveAuth := fields["auth"]
	storedNonce := fields["nonce"]

	valid := false
	if haveAuth && storedAuth != UnencryptedKey && authorization != "" {
		valid = v.verify(id, storedAuth, storedNonce, authorization)
	}

	// Rotate before responding, success or not. The previous nonce is spent
	// either way.
	challenge = NewNonce()
	if err := v.store.SetField(ctx, id, "nonce", challenge); err != nil {
		return "", err
	}

	if !valid {
		return challenge, errdefs.Unauthenticated(errors.New("invalid authorization"))
	}
	return challenge, nil
}

func (v *Verifier) verify(id, storedAuth, storedNonce, authorization string) bool {
	sig, ok := parseHeader(authorization)
	if !ok {
		return false
	}
	authKey, err := decode(storedAuth)
	if err != nil {
		v.logger.WithField("id", id).Warn("Stored auth key is not valid base64")
		return false
	}
	nonce, err := decode(storedNonce)
	if err != nil || len(nonce) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, authKey)
	mac.Write(nonce)
	return hmac.Equal(mac.Sum(nil), sig)
}

// parseHeader extracts the signature bytes from "send-v1 <base64>".
func parseHeader(h string) ([]byte, bool) {
	scheme, value, found := strings.Cut(strings.TrimSpace(h), " ")
	if !found || !strings.EqualFold(scheme, Scheme) {
		return nil, false
	}
	sig, err := decode(strings.TrimSpace(value))
	if err != nil {
		return nil, false
	}
	return sig, true
}

// CheckOwner compares the client-supplied owner token against the record in
// constant time. A missing record and a wrong token are indistinguishable to
// the caller; both fail with a PermissionDenied kind.
func (v *Verifier) CheckOwner(ctx context.Context, id, token string) error {
	owner, err := v.store.GetField(ctx, id, "owner")
	if err != nil {
		if errors.Is(err, meta.ErrNotFound) {
			return errdefs.PermissionDenied(errors.New("owner token mismatch"))
		}
		return err
	}
	if token == "" || !hmac.Equal([]byte(owner), []byte(token)) {
		return errdefs.PermissionDenied(errors.New("owner token mismatch"))
	}
	return nil
}
