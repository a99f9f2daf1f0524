// Package fetch retrieves model resources by URL.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Fetcher returns the bytes behind a resource URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

type Config struct {
	// CacheDir keeps downloaded objects across restarts; empty disables it.
	CacheDir string
	Timeout  time.Duration
}

// Client fetches http(s) URLs over the network and file:// URLs or plain
// paths from disk.
type Client struct {
	httpClient *http.Client
	cacheDir   string
	logger     zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		cacheDir:   cfg.CacheDir,
		logger:     logger.With().Str("component", "fetch").Logger(),
	}
}

func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid resource url %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "http", "https":
		return c.fetchRemote(ctx, u)
	case "file":
		return c.readFile(filepath.FromSlash(u.Path))
	case "":
		return c.readFile(rawURL)
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
}

func (c *Client) readFile(name string) ([]byte, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("path", name).Int("bytes", len(data)).Msg("read local resource")
	return data, nil
}

func (c *Client) fetchRemote(ctx context.Context, u *url.URL) ([]byte, error) {
	var cached string
	if c.cacheDir != "" {
		cached = filepath.Join(c.cacheDir, cacheName(u))
		data, err := os.ReadFile(cached)
		if err == nil {
			c.logger.Info().Str("url", u.Redacted()).Str("path", cached).Msg("using cached resource")
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn().Err(err).Str("path", cached).Msg("failed to read cached resource")
		}
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", u.Redacted(), resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", u.Redacted(), err)
	}

	c.logger.Info().
		Str("url", u.Redacted()).
		Int("bytes", len(data)).
		Dur("took", time.Since(start)).
		Msg("downloaded resource")

	if cached != "" {
		if err := writeAtomic(cached, data); err != nil {
			c.logger.Warn().Err(err).Str("path", cached).Msg("failed to cache resource")
		}
	}
	return data, nil
}

// cacheName is the file name an object is cached under: the last path
// segment, or a hash of the URL when there is none.
func cacheName(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" || strings.HasPrefix(name, ".") {
		sum := sha256.Sum256([]byte(u.String()))
		return hex.EncodeToString(sum[:8])
	}
	return name
}

func writeAtomic(name string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(name), filepath.Base(name)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), name)
}
