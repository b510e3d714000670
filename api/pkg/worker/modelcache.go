package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/avast/retry-go/v4"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/grigs28/whisper-scheduler/api/pkg/events"
	"github.com/grigs28/whisper-scheduler/api/pkg/types"
)

// minModelFileBytes is the size above which a cached file is trusted as a
// complete download rather than a truncated leftover (spec.md §4.6's
// "non-trivial size, e.g. >= 1 MB" present-check).
const minModelFileBytes = 1 << 20

// Downloader fetches a model's weights into destPath, reporting progress via
// onProgress as it goes. The concrete HTTP/S3/whatever transport is outside
// this package's concern — ModelCache only orchestrates retry and atomicity.
type Downloader func(ctx context.Context, model, destPath string, onProgress func(done, total int64)) error

// ModelCache ensures a model's weights are present on local disk before a
// worker is launched, downloading them on first use. Grounded on the
// teacher's retry.Do usage in openai_client.go, generalized from HTTP
// request retries to download retries, and on its atomic-rename file
// conventions used elsewhere in the runner package.
type ModelCache struct {
	basePath   string
	download   Downloader
	fabric     events.Fabric
	maxRetries uint
}

func NewModelCache(basePath string, download Downloader, fabric events.Fabric) *ModelCache {
	return &ModelCache{
		basePath:   basePath,
		download:   download,
		fabric:     fabric,
		maxRetries: 3,
	}
}

// Path returns where model's weights live (or would live) in the cache,
// without checking whether they've actually been downloaded.
func (c *ModelCache) Path(model string) string {
	return filepath.Join(c.basePath, model)
}

// Ensure downloads model's weights if they aren't already cached, making up
// to maxRetries attempts whatever the error, and reporting progress through
// the fabric as
// DownloadProgressEvents so multiple tasks waiting on the same model can all
// observe it.
func (c *ModelCache) Ensure(ctx context.Context, model string) (string, error) {
	dest := c.Path(model)
	if info, err := os.Stat(dest); err == nil && !info.IsDir() && info.Size() >= minModelFileBytes {
		return dest, nil
	}

	if err := os.MkdirAll(c.basePath, 0o755); err != nil {
		return "", fmt.Errorf("creating model cache dir: %w", err)
	}

	tmpDest := dest + ".downloading"

	err := retry.Do(
		func() error {
			return c.download(ctx, model, tmpDest, func(done, total int64) {
				fraction := 0.0
				if total > 0 {
					fraction = float64(done) / float64(total)
				}
				c.fabric.Publish(ctx, types.Event{
					Kind: types.EventDownloadProgress,
					DownloadProgress: &types.DownloadProgressEvent{
						Model:      model,
						BytesDone:  done,
						BytesTotal: total,
						Fraction:   fraction,
					},
				})
			})
		},
		retry.Context(ctx),
		retry.Attempts(c.maxRetries),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Uint("attempt", n+1).Str("model", model).Err(err).Msg("model download failed, retrying")
		}),
	)
	if err != nil {
		os.Remove(tmpDest)
		return "", fmt.Errorf("downloading model %s: %w", model, err)
	}

	if err := os.Rename(tmpDest, dest); err != nil {
		return "", fmt.Errorf("finalizing model %s download: %w", model, err)
	}

	if info, err := os.Stat(dest); err == nil {
		log.Info().Str("model", model).Str("size", humanize.Bytes(uint64(info.Size()))).Msg("model cached")
	}

	return dest, nil
}
