package blob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"chattr/internal/models"
)

// Local implements ObjectStore on the local filesystem. URLs are minted by
// signing path+expiry with an HMAC secret and are served by the file
// server, which verifies the same signature.
type Local struct {
	root    string
	baseURL string
	secret  []byte
	now     func() time.Time
}

func NewLocal(root, baseURL, secret string) (*Local, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &Local{
		root:    root,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		secret:  []byte(secret),
		now:     time.Now,
	}, nil
}

// cleanPath rejects traversal outside the root.
func (s *Local) cleanPath(path string) (string, error) {
	cleaned := filepath.Clean("/" + path)
	if cleaned == "/" {
		return "", fmt.Errorf("empty object path")
	}
	return filepath.Join(s.root, cleaned), nil
}

func (s *Local) Upload(path string, r io.Reader) error {
	full, err := s.cleanPath(path)
	if err != nil {
		return err
	}

	// Idempotency check
	if _, err := os.Stat(full); err == nil {
		return nil
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Write to temporary file first
	tmp, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name()) // Clean up if rename fails
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// Atomically rename
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}

func (s *Local) SignedURL(path string, ttl time.Duration) (string, error) {
	full, err := s.cleanPath(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err != nil {
		return "", fmt.Errorf("object %s: %w", path, models.ErrNotFound)
	}

	exp := s.now().Add(ttl).Unix()
	return s.url(path, exp), nil
}

func (s *Local) PublicURL(path string) string {
	// exp=0 marks a non-expiring URL for public assets.
	return s.url(path, 0)
}

func (s *Local) Open(path string) (io.ReadCloser, error) {
	full, err := s.cleanPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object %s: %w", path, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open object %s: %w", path, err)
	}
	return f, nil
}

// Verify checks a signature produced by SignedURL or PublicURL and that the
// URL has not expired.
func (s *Local) Verify(path string, exp int64, sig string) bool {
	if exp != 0 && s.now().Unix() > exp {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(s.sign(path, exp)))
}

func (s *Local) url(path string, exp int64) string {
	escaped := url.PathEscape(path)
	// Keep slashes readable in the served path.
	escaped = strings.ReplaceAll(escaped, "%2F", "/")
	return fmt.Sprintf("%s/files/%s?exp=%d&sig=%s", s.baseURL, escaped, exp, s.sign(path, exp))
}

func (s *Local) sign(path string, exp int64) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(path))
	h.Write([]byte(strconv.FormatInt(exp, 10)))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
