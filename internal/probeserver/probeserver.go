// Package probeserver implements the download and upload probe endpoints
// that measurements run against.
package probeserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/util"
)

const (
	chunkSize          = 64 << 10
	defaultMaxDownload = 64 << 20
	defaultMaxUpload   = 64 << 20
)

var zeroChunk = make([]byte, chunkSize)

type Config struct {
	MaxDownloadBytes int64
	MaxUploadBytes   int64
}

type Server struct {
	maxDownload int64
	maxUpload   int64
	logger      util.Logger
}

func New(cfg Config, logger util.Logger) *Server {
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = defaultMaxDownload
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUpload
	}
	if logger == nil {
		logger = util.NewLogger()
	}
	return &Server{maxDownload: cfg.MaxDownloadBytes, maxUpload: cfg.MaxUploadBytes, logger: logger}
}

// Download serves ?bytes=n zero bytes, capped at the configured maximum.
// A missing or invalid count serves a single byte.
func (s *Server) Download(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	n, err := strconv.ParseInt(r.URL.Query().Get("bytes"), 10, 64)
	if err != nil || n < 1 {
		n = 1
	}
	if n > s.maxDownload {
		n = s.maxDownload
	}
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Length", strconv.FormatInt(n, 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	for remaining := n; remaining > 0; {
		chunk := zeroChunk
		if remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		written, err := w.Write(chunk)
		if err != nil {
			s.logger.Debug("download probe aborted", "sent", n-remaining, "error", err)
			return
		}
		remaining -= int64(written)
	}
}

type uploadAck struct {
	OK        bool    `json:"ok"`
	Bytes     int64   `json:"bytes"`
	ElapsedMs float64 `json:"elapsedMs"`
}

// Upload drains the request body and acknowledges it with JSON.
func (s *Server) Upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	start := time.Now()
	body := http.MaxBytesReader(w, r.Body, s.maxUpload)
	n, err := io.Copy(io.Discard, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "payload too large"})
			return
		}
		s.logger.Debug("upload probe aborted", "received", n, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "upload interrupted"})
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, uploadAck{
		OK:        true,
		Bytes:     n,
		ElapsedMs: float64(time.Since(start).Microseconds()) / 1000.0,
	})
}

// Handler mounts both endpoints under /connection-probe/.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/connection-probe/download.ashx", s.Download)
	mux.HandleFunc("/connection-probe/upload.ashx", s.Upload)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
