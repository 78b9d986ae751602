package transfer

import (
	"context"
	"errors"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/dropgate/dropgate/internal/auth"
	"github.com/dropgate/dropgate/internal/errdefs"
	"github.com/dropgate/dropgate/internal/meta"
)

// InfoResult is the owner's view of a record. TTL is in milliseconds.
type InfoResult struct {
	DL     int64 `json:"dl"`
	DLimit int64 `json:"dlimit"`
	TTL    int64 `json:"ttl"`
}

// Owner exposes the mutations gated by the owner capability token. Every
// method runs the constant-time owner check first; a missing record and a
// wrong token are indistinguishable.
type Owner struct {
	store     meta.Store
	verifier  *auth.Verifier
	lifecycle *Lifecycle
	limits    Limits
	logger    *logrus.Entry
}

// NewOwner creates the owner-action coordinator.
func NewOwner(store meta.Store, verifier *auth.Verifier, lifecycle *Lifecycle, limits Limits) *Owner {
	return &Owner{
		store:     store,
		verifier:  verifier,
		lifecycle: lifecycle,
		limits:    limits,
		logger:    logrus.WithField("component", "owner-actions"),
	}
}

// Delete removes the record, its blob and any outstanding multipart session.
func (o *Owner) Delete(ctx context.Context, id, token string) error {
	if err := o.verifier.CheckOwner(ctx, id, token); err != nil {
		return err
	}
	return o.lifecycle.Delete(ctx, id)
}

// SetParams updates the download limit, clamped to the configured maximum.
func (o *Owner) SetParams(ctx context.Context, id, token string, dlimit int) error {
	if err := o.verifier.CheckOwner(ctx, id, token); err != nil {
		return err
	}
	if dlimit < 1 {
		dlimit = 1
	}
	if dlimit > o.limits.MaxDownloads {
		dlimit = o.limits.MaxDownloads
	}
	if err := o.store.SetField(ctx, id, fieldDLimit, strconv.Itoa(dlimit)); err != nil {
		return err
	}
	o.logger.WithFields(logrus.Fields{
		"id":     id,
		"dlimit": dlimit,
	}).Info("Updated download limit")
	return nil
}

// Info reports the download counter and remaining lifetime.
func (o *Owner) Info(ctx context.Context, id, token string) (*InfoResult, error) {
	if err := o.verifier.CheckOwner(ctx, id, token); err != nil {
		return nil, err
	}
	fields, err := o.store.GetAll(ctx, id)
	if err != nil {
		if errors.Is(err, meta.ErrNotFound) {
			return nil, errdefs.PermissionDenied(errors.New("owner token mismatch"))
		}
		return nil, err
	}
	ttl, err := o.store.TTL(ctx, id)
	if err != nil && !errors.Is(err, meta.ErrNotFound) {
		return nil, err
	}
	return &InfoResult{
		DL:     fieldInt(fields, fieldDL),
		DLimit: fieldInt(fields, fieldDLimit),
		TTL:    ttl.Milliseconds(),
	}, nil
}

// SetPassword replaces the record's authentication key. From this point the
// challenge-response is required on reads, whether or not it was before.
func (o *Owner) SetPassword(ctx context.Context, id, token, authKey string) error {
	if err := o.verifier.CheckOwner(ctx, id, token); err != nil {
		return err
	}
	if authKey == "" {
		return errdefs.InvalidParameter(errors.New("auth key is required"))
	}
	if err := o.store.SetField(ctx, id, fieldAuth, authKey); err != nil {
		return err
	}
	if err := o.store.SetField(ctx, id, fieldEncrypted, "true"); err != nil {
		return err
	}
	nonce, err := o.store.GetField(ctx, id, fieldNonce)
	if err != nil && !errors.Is(err, meta.ErrNotFound) {
		return err
	}
	if nonce == "" {
		if err := o.store.SetField(ctx, id, fieldNonce, auth.NewNonce()); err != nil {
			return err
		}
	}
	o.logger.WithField("id", id).Info("Replaced authentication key")
	return nil
}
