package blob

import (
	"io"
	"time"
)

// ObjectStore is the object storage surface the core depends on: byte
// upload, time-limited signed URLs and permanent public URLs.
type ObjectStore interface {
	// Upload stores the object at path. It is idempotent: uploading the
	// same path twice leaves the first object in place.
	Upload(path string, r io.Reader) error

	// SignedURL returns a fetchable URL valid for ttl.
	SignedURL(path string, ttl time.Duration) (string, error)

	// PublicURL returns a non-expiring URL for public assets.
	PublicURL(path string) string

	// Open reads the object back for serving.
	Open(path string) (io.ReadCloser, error)
}
