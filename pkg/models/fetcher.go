package models

import (
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HTTPFetcher downloads models over HTTP, decompressing .bz2 archives.
type HTTPFetcher struct {
	Client   *http.Client
	ProbeURL string
	// OnDownload, when set, returns a writer that receives the raw bytes
	// of each download as they arrive. size is -1 when unknown.
	OnDownload func(name string, size int64) io.Writer
}

// NewHTTPFetcher creates a fetcher whose downloads time out after timeout.
// probeURL is requested to decide whether the network is reachable.
func NewHTTPFetcher(timeout time.Duration, probeURL string) *HTTPFetcher {
	return &HTTPFetcher{
		Client:   &http.Client{Timeout: timeout},
		ProbeURL: probeURL,
	}
}

// Online sends a HEAD request to the probe URL. Any response counts.
func (f *HTTPFetcher) Online(ctx context.Context) bool {
	if f.ProbeURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.ProbeURL, nil)
	if err != nil {
		return false
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

// Fetch downloads url to dest. The file is written next to dest and renamed
// into place, so a partial download never looks like a cached model.
func (f *HTTPFetcher) Fetch(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	var body io.Reader = resp.Body
	if f.OnDownload != nil {
		if w := f.OnDownload(filepath.Base(dest), resp.ContentLength); w != nil {
			body = io.TeeReader(body, w)
		}
	}
	if strings.HasSuffix(url, ".bz2") {
		body = bzip2.NewReader(body)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(dest), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dest)
}
