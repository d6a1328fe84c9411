package network

import (
	"context"
	"fmt"
	"net/http"

	"github.com/melbahja/got"
)

// Fetch downloads url to dest. Servers supporting range requests are
// downloaded in parallel chunks.
func (t *Target) Fetch(ctx context.Context, url, dest string) error {
	if url == "" {
		return fmt.Errorf("download URL is empty")
	}

	t.logger.Debugf("Download %s", url)
	if err := downloadFile(ctx, t.httpClient.StandardClient(), url, dest); err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	return nil
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	return downloader.Do(got.NewDownload(ctx, url, dest))
}
