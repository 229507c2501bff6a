// Package source acquires the raw customer batch from a local file or a
// remote URL and decodes it into records.
package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/opensource-finance/churnwatch/internal/domain"
)

// DefaultMaxBody bounds a remote payload.
const DefaultMaxBody = 256 << 20

// Source returns the raw bytes of one batch.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
	String() string
}

// File reads a batch from the local filesystem.
type File struct {
	Path string
}

func (f *File) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrLoad, f.Path, err)
	}
	return raw, nil
}

func (f *File) String() string { return "file:" + f.Path }

// Exists reports whether the file is present.
func (f *File) Exists() bool {
	_, err := os.Stat(f.Path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}

// HTTP downloads a batch with a GET request.
type HTTP struct {
	URL    string
	Client *http.Client

	// MaxBody is the largest accepted payload in bytes; zero means DefaultMaxBody.
	MaxBody int64
}

// NewHTTP returns an HTTP source with the given request timeout.
func NewHTTP(url string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (h *HTTP) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrConfig, err)
	}
	req.Header.Set("Accept", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", domain.ErrLoad, h.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: fetch %s: status %d", domain.ErrLoad, h.URL, resp.StatusCode)
	}
	limit := h.MaxBody
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrLoad, err)
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("%w: fetch %s: payload exceeds %d bytes", domain.ErrLoad, h.URL, limit)
	}
	return raw, nil
}

func (h *HTTP) String() string { return h.URL }

// Fallback prefers the local file when it exists and otherwise downloads.
type Fallback struct {
	Local  *File
	Remote *HTTP
}

func (f *Fallback) Fetch(ctx context.Context) ([]byte, error) {
	if f.Local != nil && f.Local.Path != "" && f.Local.Exists() {
		return f.Local.Fetch(ctx)
	}
	if f.Remote == nil || f.Remote.URL == "" {
		return nil, fmt.Errorf("%w: no local file and no remote url configured", domain.ErrLoad)
	}
	slog.Debug("local batch missing, downloading", "url", f.Remote.URL)
	return f.Remote.Fetch(ctx)
}

func (f *Fallback) String() string {
	if f.Local != nil && f.Local.Path != "" && f.Local.Exists() {
		return f.Local.String()
	}
	if f.Remote != nil {
		return f.Remote.String()
	}
	return "none"
}

// FromConfig builds the source described by cfg.
func FromConfig(cfg domain.SourceConfig) Source {
	timeout := time.Duration(cfg.Timeout) * time.Second
	switch {
	case cfg.Path != "" && cfg.URL != "":
		return &Fallback{Local: &File{Path: cfg.Path}, Remote: NewHTTP(cfg.URL, timeout)}
	case cfg.URL != "":
		return NewHTTP(cfg.URL, timeout)
	default:
		return &File{Path: cfg.Path}
	}
}

// Decode parses a JSON array of records. Object key order is preserved.
func Decode(raw []byte) ([]domain.Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	v, err := domain.DecodeValue(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed batch: %v", domain.ErrLoad, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: malformed batch: trailing data", domain.ErrLoad)
	}
	if v.Kind() != domain.KindSequence {
		return nil, fmt.Errorf("%w: batch must be a JSON array, got %s", domain.ErrLoad, v.Kind())
	}
	return v.Items(), nil
}

// SnapshotID identifies a batch by the hex SHA-256 of its bytes.
func SnapshotID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
