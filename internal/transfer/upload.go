package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dropgate/dropgate/internal/auth"
	"github.com/dropgate/dropgate/internal/blob"
	"github.com/dropgate/dropgate/internal/errdefs"
	"github.com/dropgate/dropgate/internal/meta"
)

// signBatchSize bounds how many part URLs are presigned concurrently. Large
// plans are minted batch by batch so a single request cannot monopolize the
// signer.
const signBatchSize = 100

// PlanRequest is the input to Plan.
type PlanRequest struct {
	FileSize  int64 `json:"fileSize"`
	Encrypted bool  `json:"encrypted"`
	TimeLimit int   `json:"timeLimit"` // seconds, 0 means default
	DLimit    int   `json:"dlimit"`    // 0 means default

	// MaxFileSize overrides the anonymous cap for authenticated callers.
	// Zero means the configured default applies.
	MaxFileSize int64 `json:"-"`
}

// PlanPart is one presigned part slot of a multipart plan.
type PlanPart struct {
	PartNumber int32  `json:"partNumber"`
	URL        string `json:"url"`
	MinSize    int64  `json:"minSize"`
	MaxSize    int64  `json:"maxSize"`
}

// Plan is everything a client needs to move bytes straight to the object
// store.
type Plan struct {
	UseSignedURL bool       `json:"useSignedUrl"`
	Multipart    bool       `json:"multipart"`
	ID           string     `json:"id"`
	Owner        string     `json:"owner"`
	URL          string     `json:"url"`
	CompleteURL  string     `json:"completeUrl"`
	UploadID     string     `json:"uploadId,omitempty"`
	Parts        []PlanPart `json:"parts,omitempty"`
	PartSize     int64      `json:"partSize,omitempty"`
}

// Part is a client-reported completed part.
type Part struct {
	PartNumber int32  `json:"partNumber"`
	ETag       string `json:"etag"`
}

// CompleteRequest is the input to Complete.
type CompleteRequest struct {
	ID         string `json:"id"`
	Metadata   string `json:"metadata"`
	AuthKey    string `json:"authKey,omitempty"`
	ActualSize int64  `json:"actualSize,omitempty"`
	Parts      []Part `json:"parts,omitempty"`
}

// CompleteResult is the share handle returned once a file is available.
type CompleteResult struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Uploader coordinates upload plans and their completion.
type Uploader struct {
	store  meta.Store
	broker blob.Broker
	limits Limits
	logger *logrus.Entry
}

// NewUploader creates an upload coordinator.
func NewUploader(store meta.Store, broker blob.Broker, limits Limits) *Uploader {
	return &Uploader{
		store:  store,
		broker: broker,
		limits: limits,
		logger: logrus.WithField("component", "upload-coordinator"),
	}
}

// Plan reserves a file id, seeds the pending record and mints the signed
// URL(s) the client will PUT to. A failure while minting tears the pending
// state down again; a plan is returned whole or not at all.
func (u *Uploader) Plan(ctx context.Context, req PlanRequest) (*Plan, error) {
	maxFileSize := req.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = u.limits.MaxFileSize
	}
	if req.FileSize <= 0 {
		return nil, errdefs.InvalidParameter(errors.New("fileSize must be positive"))
	}
	if req.FileSize > maxFileSize {
		return nil, errdefs.InvalidParameter(fmt.Errorf("fileSize %d exceeds the maximum of %d", req.FileSize, maxFileSize))
	}

	timeLimit := u.limits.DefaultExpire
	if req.TimeLimit > 0 {
		timeLimit = secondsToDuration(req.TimeLimit)
	}
	if timeLimit > u.limits.MaxExpire {
		timeLimit = u.limits.MaxExpire
	}

	dlimit := req.DLimit
	if dlimit <= 0 {
		dlimit = u.limits.DefaultDownloads
	}
	if dlimit > u.limits.MaxDownloads {
		dlimit = u.limits.MaxDownloads
	}

	id := NewFileID()
	owner := NewOwnerToken()
	multipart := req.FileSize > u.limits.MultipartThreshold

	var layout partLayout
	var uploadID string
	if multipart {
		var err error
		layout, err = planParts(req.FileSize, u.limits)
		if err != nil {
			return nil, err
		}
		uploadID, err = u.broker.StartMultipart(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	if err := u.seedRecord(ctx, id, owner, req, dlimit, timeLimit, multipart, uploadID, layout); err != nil {
		u.cleanupPlan(id, uploadID)
		return nil, err
	}

	plan := &Plan{
		UseSignedURL: true,
		Multipart:    multipart,
		ID:           id,
		Owner:        owner,
		CompleteURL:  u.publicURL("/upload/complete"),
	}

	if !multipart {
		url, err := u.broker.SignPut(ctx, id, u.limits.SignedURLTTL)
		if err != nil {
			u.cleanupPlan(id, uploadID)
			return nil, err
		}
		plan.URL = url
	} else {
		parts, err := u.signParts(ctx, id, uploadID, layout)
		if err != nil {
			u.cleanupPlan(id, uploadID)
			return nil, err
		}
		plan.UploadID = uploadID
		plan.Parts = parts
		plan.PartSize = layout.PartSize
		plan.URL = plan.CompleteURL
	}

	u.logger.WithFields(logrus.Fields{
		"id":        id,
		"fileSize":  req.FileSize,
		"encrypted": req.Encrypted,
		"multipart": multipart,
		"numParts":  layout.NumParts,
		"timeLimit": timeLimit,
		"dlimit":    dlimit,
	}).Info("Issued upload plan")
	return plan, nil
}

// seedRecord writes the pending record. The write order matters: a reader
// may observe any prefix of it, and treats the record as pending until the
// completion fields land.
func (u *Uploader) seedRecord(ctx context.Context, id, owner string, req PlanRequest, dlimit int, timeLimit time.Duration, multipart bool, uploadID string, layout partLayout) error {
	writes := []struct{ field, value string }{
		{fieldOwner, owner},
		{fieldEncrypted, strconv.FormatBool(req.Encrypted)},
		{fieldDL, "0"},
		{fieldDLimit, strconv.Itoa(dlimit)},
		{fieldFileSize, strconv.FormatInt(req.FileSize, 10)},
		{fieldPrefix, strconv.Itoa(recordPrefix(timeLimit))},
	}
	for _, w := range writes {
		if err := u.store.SetField(ctx, id, w.field, w.value); err != nil {
			return err
		}
	}
	if err := u.store.Expire(ctx, id, timeLimit); err != nil {
		return err
	}
	if multipart {
		for _, w := range []struct{ field, value string }{
			{fieldUploadID, uploadID},
			{fieldMultipart, "true"},
			{fieldNumParts, strconv.Itoa(layout.NumParts)},
		} {
			if err := u.store.SetField(ctx, id, w.field, w.value); err != nil {
				return err
			}
		}
	}
	return nil
}

// signParts mints one presigned URL per part, in parallel batches.
func (u *Uploader) signParts(ctx context.Context, id, uploadID string, layout partLayout) ([]PlanPart, error) {
	parts := make([]PlanPart, layout.NumParts)
	for start := 0; start < layout.NumParts; start += signBatchSize {
		end := start + signBatchSize
		if end > layout.NumParts {
			end = layout.NumParts
		}
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				partNumber := int32(i + 1)
				url, err := u.broker.SignPart(gctx, id, uploadID, partNumber, u.limits.SignedURLTTL)
				if err != nil {
					return err
				}
				minSize := layout.PartSize
				if i == layout.NumParts-1 {
					minSize = 1
				}
				parts[i] = PlanPart{
					PartNumber: partNumber,
					URL:        url,
					MinSize:    minSize,
					MaxSize:    layout.PartSize,
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return parts, nil
}

// cleanupPlan tears down a half-issued plan: best effort, the record TTL and
// the object store's multipart expiry are the backstop.
func (u *Uploader) cleanupPlan(id, uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()
	if uploadID != "" {
		if err := u.broker.AbortMultipart(ctx, id, uploadID); err != nil {
			u.logger.WithError(err).WithField("id", id).Warn("Failed to abort multipart session after plan failure")
		}
	}
	if err := u.store.Del(ctx, id); err != nil {
		u.logger.WithError(err).WithField("id", id).Warn("Failed to delete pending record after plan failure")
	}
}

// Complete finalizes a pending upload: closes the multipart session when
// there is one, then writes the completion fields in the order readers rely
// on. Repeating a completed call is safe; every write is by key.
func (u *Uploader) Complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error) {
	if req.ID == "" {
		return nil, errdefs.InvalidParameter(errors.New("id is required"))
	}
	fields, err := u.store.GetAll(ctx, req.ID)
	if err != nil {
		if errors.Is(err, meta.ErrNotFound) {
			return nil, errdefs.NotFound(fmt.Errorf("upload %s not found", req.ID))
		}
		return nil, err
	}

	if fields[fieldMultipart] == "true" {
		if err := u.completeMultipart(ctx, req, fields); err != nil {
			return nil, err
		}
	}

	encrypted := fields[fieldEncrypted] == "true"
	if encrypted && req.AuthKey == "" {
		return nil, errdefs.InvalidParameter(errors.New("authKey is required for encrypted uploads"))
	}

	// Readers treat the record as pending until metadata exists, and an
	// encrypted record as incomplete until auth and nonce exist. Keep this
	// order.
	if err := u.store.SetField(ctx, req.ID, fieldMetadata, req.Metadata); err != nil {
		return nil, err
	}
	authValue, nonceValue := auth.UnencryptedKey, ""
	if encrypted {
		authValue, nonceValue = req.AuthKey, auth.NewNonce()
	}
	if err := u.store.SetField(ctx, req.ID, fieldAuth, authValue); err != nil {
		return nil, err
	}
	if err := u.store.SetField(ctx, req.ID, fieldNonce, nonceValue); err != nil {
		return nil, err
	}
	size := req.ActualSize
	if size <= 0 {
		// Best effort: ask the store for the assembled object's size.
		if n, err := u.broker.Size(ctx, req.ID); err == nil {
			size = n
		}
	}
	if size > 0 {
		if err := u.store.SetField(ctx, req.ID, fieldSize, strconv.FormatInt(size, 10)); err != nil {
			return nil, err
		}
	}

	u.logger.WithFields(logrus.Fields{
		"id":        req.ID,
		"encrypted": encrypted,
		"size":      size,
	}).Info("Upload completed")
	return &CompleteResult{
		ID:  req.ID,
		URL: u.publicURL("/download/" + req.ID + "#" + fields[fieldOwner]),
	}, nil
}

func (u *Uploader) completeMultipart(ctx context.Context, req CompleteRequest, fields map[string]string) error {
	numParts := int(fieldInt(fields, fieldNumParts))
	if len(req.Parts) == 0 {
		return errdefs.InvalidParameter(errors.New("multipart completion requires a part list"))
	}
	if len(req.Parts) > numParts {
		return errdefs.InvalidParameter(fmt.Errorf("got %d parts, plan allocated %d", len(req.Parts), numParts))
	}

	parts := make([]blob.CompletedPart, len(req.Parts))
	for i, p := range req.Parts {
		parts[i] = blob.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	if err := u.broker.CompleteMultipart(ctx, req.ID, fields[fieldUploadID], parts); err != nil {
		// NotFound here means the session expired past the store's own
		// multipart window; the kinds are already mapped by the broker.
		return err
	}
	return u.store.DelFields(ctx, req.ID, fieldUploadID, fieldMultipart, fieldNumParts)
}

// Abort tears down a pending upload. Aborting an unknown or already completed
// upload succeeds without side effects.
func (u *Uploader) Abort(ctx context.Context, id, uploadID string) error {
	fields, err := u.store.GetAll(ctx, id)
	if err != nil {
		if errors.Is(err, meta.ErrNotFound) {
			return nil
		}
		return err
	}
	if !isPending(fields) {
		return nil
	}
	if uploadID == "" {
		uploadID = fields[fieldUploadID]
	}
	if uploadID != "" {
		if err := u.broker.AbortMultipart(ctx, id, uploadID); err != nil {
			return err
		}
	}
	if err := u.store.Del(ctx, id); err != nil {
		return err
	}
	u.logger.WithField("id", id).Info("Upload aborted")
	return nil
}

func (u *Uploader) publicURL(path string) string {
	return strings.TrimSuffix(u.limits.PublicBaseURL, "/") + path
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
