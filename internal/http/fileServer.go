package http

import (
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"chattr/internal/blob"
)

// NewFileServerHandler serves uploaded attachments. Every request must
// carry a valid expiry and signature pair produced by the blob store;
// an expired or forged URL gets a 403 without touching the disk.
func NewFileServerHandler(blobs *blob.Local) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.PathValue("path")

		exp, err := strconv.ParseInt(r.URL.Query().Get("exp"), 10, 64)
		if err != nil {
			http.Error(w, "invalid link", http.StatusForbidden)
			return
		}
		if !blobs.Verify(path, exp, r.URL.Query().Get("sig")) {
			http.Error(w, "link expired or invalid", http.StatusForbidden)
			return
		}

		rc, err := blobs.Open(path)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer func() { _ = rc.Close() }()

		if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		_, _ = io.Copy(w, rc)
	}
}
