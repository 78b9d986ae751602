// Package transfer implements the upload and download coordinators: planning
// single and multipart uploads against the blob broker, finalizing them into
// file records, handing out download URLs and keeping the download counter
// ordered against deletion.
package transfer

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// File record field names as persisted in the metadata store.
const (
	fieldOwner     = "owner"
	fieldEncrypted = "encrypted"
	fieldAuth      = "auth"
	fieldNonce     = "nonce"
	fieldMetadata  = "metadata"
	fieldDL        = "dl"
	fieldDLimit    = "dlimit"
	fieldFileSize  = "fileSize"
	fieldSize      = "size"
	fieldPrefix    = "prefix"
	fieldUploadID  = "uploadId"
	fieldMultipart = "multipart"
	fieldNumParts  = "numParts"
)

// Limits carries every tunable the coordinators enforce. Populated from the
// configuration at construction; nothing here is read from global state.
type Limits struct {
	MaxFileSize        int64
	MaxExpire          time.Duration
	DefaultExpire      time.Duration
	MaxDownloads       int
	DefaultDownloads   int
	MultipartThreshold int64
	DefaultPartSize    int64
	MaxParts           int
	MaxPartSize        int64
	SignedURLTTL       time.Duration
	DownloadGrace      time.Duration
	PublicBaseURL      string
	UseSignedURLs      bool
}

// NewFileID mints an opaque 16-hex-character file id.
func NewFileID() string {
	return randomHex(8)
}

// NewOwnerToken mints a 20-hex-character owner capability token.
func NewOwnerToken() string {
	return randomHex(10)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}

// recordPrefix buckets a record by its lifetime in whole days, matching the
// object-store lifecycle rules keyed on it.
func recordPrefix(ttl time.Duration) int {
	days := int(ttl / (24 * time.Hour))
	if days < 1 {
		return 1
	}
	return days
}

func fieldInt(fields map[string]string, name string) int64 {
	v, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// isPending reports whether the record has been seeded but not completed.
// Readers must treat pending records as absent.
func isPending(fields map[string]string) bool {
	_, ok := fields[fieldMetadata]
	return !ok
}

// downloadFilename extracts the suggested filename from unencrypted sealed
// metadata. Encrypted metadata is opaque and never inspected.
func downloadFilename(fields map[string]string) string {
	if fields[fieldEncrypted] == "true" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(fields[fieldMetadata])
	if err != nil {
		if raw, err = base64.URLEncoding.DecodeString(fields[fieldMetadata]); err != nil {
			return ""
		}
	}
	var manifest struct {
		Name  string `json:"name"`
		Files []struct {
			Name string `json:"name"`
		} `json:"files"`
	}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return ""
	}
	if len(manifest.Files) == 1 {
		return manifest.Files[0].Name
	}
	if len(manifest.Files) > 1 {
		// Multi-file bundles are downloaded as a single zip.
		return "bundle.zip"
	}
	return manifest.Name
}
