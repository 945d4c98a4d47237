package assetcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultMaxDownloadBytes bounds a single artwork download.
const DefaultMaxDownloadBytes = 40 << 20

// Downloader fetches artwork bytes over HTTP.
type Downloader struct {
	client   *http.Client
	maxBytes int64
}

func NewDownloader(client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Downloader{client: client, maxBytes: DefaultMaxDownloadBytes}
}

// Fetch returns the body and its Content-Type.
func (d *Downloader) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", "CineVault/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download artwork: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("artwork download returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read artwork body: %w", err)
	}
	if int64(len(data)) > d.maxBytes {
		return nil, "", fmt.Errorf("artwork exceeds %d bytes", d.maxBytes)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("artwork body is empty")
	}
	return data, resp.Header.Get("Content-Type"), nil
}
