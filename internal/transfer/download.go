package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/dropgate/dropgate/internal/blob"
	"github.com/dropgate/dropgate/internal/errdefs"
	"github.com/dropgate/dropgate/internal/meta"
)

// DownloadInfo is the URL-handoff response.
type DownloadInfo struct {
	UseSignedURL bool   `json:"useSignedUrl"`
	URL          string `json:"url,omitempty"`
	DL           int64  `json:"dl"`
	DLimit       int64  `json:"dlimit"`
}

// CompletionResult is the download accounting response. Deleted reports that
// this completion exhausted the limit and deletion has been scheduled.
type CompletionResult struct {
	Deleted bool  `json:"deleted"`
	DL      int64 `json:"dl"`
	DLimit  int64 `json:"dlimit"`
}

// MetadataResult carries the sealed metadata back to the client. TTL is in
// milliseconds.
type MetadataResult struct {
	Metadata  string `json:"metadata"`
	TTL       int64  `json:"ttl"`
	Encrypted bool   `json:"encrypted"`
}

// Downloader coordinates download handoff and completion accounting.
type Downloader struct {
	store     meta.Store
	broker    blob.Broker
	lifecycle *Lifecycle
	limits    Limits
	logger    *logrus.Entry
}

// NewDownloader creates a download coordinator.
func NewDownloader(store meta.Store, broker blob.Broker, lifecycle *Lifecycle, limits Limits) *Downloader {
	return &Downloader{
		store:     store,
		broker:    broker,
		lifecycle: lifecycle,
		limits:    limits,
		logger:    logrus.WithField("component", "download-coordinator"),
	}
}

// available loads the record and rejects pending ones. Auth has already run
// by the time any of this is called.
func (d *Downloader) available(ctx context.Context, id string) (map[string]string, error) {
	fields, err := d.store.GetAll(ctx, id)
	if err != nil {
		if errors.Is(err, meta.ErrNotFound) {
			return nil, errdefs.NotFound(fmt.Errorf("file %s not found", id))
		}
		return nil, err
	}
	if isPending(fields) {
		return nil, errdefs.NotFound(fmt.Errorf("file %s not found", id))
	}
	return fields, nil
}

// URL hands the client a signed GET URL, or tells it to fall back to the
// streaming endpoint when presigned URLs are disabled.
func (d *Downloader) URL(ctx context.Context, id string) (*DownloadInfo, error) {
	fields, err := d.available(ctx, id)
	if err != nil {
		return nil, err
	}
	dl, dlimit := fieldInt(fields, fieldDL), fieldInt(fields, fieldDLimit)
	if dl >= dlimit {
		return nil, errdefs.Gone(fmt.Errorf("file %s reached its download limit", id))
	}

	info := &DownloadInfo{
		UseSignedURL: d.limits.UseSignedURLs,
		DL:           dl,
		DLimit:       dlimit,
	}
	if d.limits.UseSignedURLs {
		url, err := d.broker.SignGet(ctx, id, d.limits.SignedURLTTL, downloadFilename(fields))
		if err != nil {
			return nil, err
		}
		info.URL = url
	}
	return info, nil
}

// Stream is the server-proxied fallback: the object bytes flow through the
// coordinator instead of a presigned URL.
func (d *Downloader) Stream(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	fields, err := d.available(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if fieldInt(fields, fieldDL) >= fieldInt(fields, fieldDLimit) {
		return nil, 0, errdefs.Gone(fmt.Errorf("file %s reached its download limit", id))
	}
	return d.broker.StreamGet(ctx, id)
}

// Direct serves the redirect path for unencrypted files. The counter is
// incremented before the URL is returned: a client that aborts mid-download
// still counts. Over-counting is the accepted failure mode, leaking an
// uncounted download is not.
func (d *Downloader) Direct(ctx context.Context, id string) (string, error) {
	fields, err := d.available(ctx, id)
	if err != nil {
		return "", err
	}
	if fields[fieldEncrypted] == "true" {
		return "", errdefs.NotFound(fmt.Errorf("file %s not found", id))
	}
	dlimit := fieldInt(fields, fieldDLimit)
	if fieldInt(fields, fieldDL) >= dlimit {
		return "", errdefs.Gone(fmt.Errorf("file %s reached its download limit", id))
	}

	newDL, err := d.store.Incr(ctx, id, fieldDL, 1)
	if err != nil {
		return "", err
	}
	if newDL > dlimit {
		return "", errdefs.Gone(fmt.Errorf("file %s reached its download limit", id))
	}
	if newDL >= dlimit {
		d.lifecycle.ScheduleDelete(id)
	}
	return d.broker.SignGet(ctx, id, d.limits.SignedURLTTL, downloadFilename(fields))
}

// Complete counts a finished download. The increment is atomic: two
// concurrent completions can never observe the same counter value, so at most
// one reaches the limit exactly and schedules deletion.
func (d *Downloader) Complete(ctx context.Context, id string) (*CompletionResult, error) {
	fields, err := d.available(ctx, id)
	if err != nil {
		return nil, err
	}
	dlimit := fieldInt(fields, fieldDLimit)
	newDL, err := d.store.Incr(ctx, id, fieldDL, 1)
	if err != nil {
		return nil, err
	}

	deleted := newDL >= dlimit
	if deleted {
		d.lifecycle.ScheduleDelete(id)
	}
	d.logger.WithFields(logrus.Fields{
		"id":      id,
		"dl":      newDL,
		"dlimit":  dlimit,
		"deleted": deleted,
	}).Debug("Download completed")
	return &CompletionResult{Deleted: deleted, DL: newDL, DLimit: dlimit}, nil
}

// Metadata returns the sealed metadata blob and the remaining record TTL.
func (d *Downloader) Metadata(ctx context.Context, id string) (*MetadataResult, error) {
	fields, err := d.available(ctx, id)
	if err != nil {
		return nil, err
	}
	ttl, err := d.store.TTL(ctx, id)
	if err != nil && !errors.Is(err, meta.ErrNotFound) {
		return nil, err
	}
	return &MetadataResult{
		Metadata:  fields[fieldMetadata],
		TTL:       ttl.Milliseconds(),
		Encrypted: fields[fieldEncrypted] == "true",
	}, nil
}

// Exists reports whether any record, pending or available, exists for id.
func (d *Downloader) Exists(ctx context.Context, id string) (bool, error) {
	return d.store.Exists(ctx, id)
}
