package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// HTTPDownloader builds a Downloader that fetches a model's weights from
// baseURL + "/" + model over plain HTTP GET, grounded on the teacher's own
// net/http usage for its runtime clients (runner/axolotl_client.go,
// runner/diffusers_client.go) — the pack has no dedicated download library,
// so this stays on the stdlib transport the teacher already reaches for.
// client defaults to http.DefaultClient when nil.
func HTTPDownloader(baseURL string, client *http.Client) Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	base := strings.TrimRight(baseURL, "/")

	return func(ctx context.Context, model, destPath string, onProgress func(done, total int64)) error {
		url := base + "/" + model

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("building request for %s: %w", url, err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetching %s: unexpected status %s", url, resp.Status)
		}

		out, err := os.Create(destPath)
		if err != nil {
			return fmt.Errorf("creating %s: %w", destPath, err)
		}
		defer out.Close()

		total := resp.ContentLength
		var done int64
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := out.Write(buf[:n]); writeErr != nil {
					return fmt.Errorf("writing %s: %w", destPath, writeErr)
				}
				done += int64(n)
				if onProgress != nil {
					onProgress(done, total)
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				return fmt.Errorf("reading response body for %s: %w", url, readErr)
			}
		}

		return nil
	}
}
