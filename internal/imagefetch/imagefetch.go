// Package imagefetch downloads the image resources a comparison refers to by
// URL. The comparison flow only needs bytes; everything about transport and
// limits stays behind the Fetcher interface.
package imagefetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/faults"
)

const (
	// DefaultTimeout bounds a single image download.
	DefaultTimeout = 10 * time.Second

	// maxImageBytes caps a downloaded image. Anything larger is rejected
	// before it reaches a provider.
	maxImageBytes = 10 << 20
)

// Fetcher exposes the subset of download functionality the comparison flow uses.
type Fetcher interface {
	FetchPair(ctx context.Context, firstURL, secondURL string) ([]byte, []byte, error)
}

// HTTPFetcher is a concrete Fetcher backed by net/http.
type HTTPFetcher struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPFetcher builds a fetcher with a bounded per-download timeout.
func NewHTTPFetcher(timeout time.Duration, logger *zap.Logger) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPFetcher{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

var _ Fetcher = (*HTTPFetcher)(nil)

// FetchPair downloads both images concurrently. The first failure in argument
// order wins, matching how single-image errors surface to the caller.
func (f *HTTPFetcher) FetchPair(ctx context.Context, firstURL, secondURL string) ([]byte, []byte, error) {
	type download struct {
		payload []byte
		err     error
	}

	results := make([]download, 2)
	done := make(chan int, 2)
	for i, imageURL := range []string{firstURL, secondURL} {
		go func(slot int, target string) {
			payload, err := f.fetch(ctx, target)
			results[slot] = download{payload: payload, err: err}
			done <- slot
		}(i, imageURL)
	}
	for range results {
		<-done
	}

	for _, result := range results {
		if result.err != nil {
			return nil, nil, result.err
		}
	}
	return results[0].payload, results[1].payload, nil
}

func (f *HTTPFetcher) fetch(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, faults.NewValidation("Image URL is not a valid request target", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("image download failed", zap.String("url", imageURL), zap.Error(err))
		return nil, faults.NewRemote("image", "Unable to fetch image resources", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		f.logger.Warn("image endpoint returned an error status",
			zap.String("url", imageURL),
			zap.Int("status", resp.StatusCode),
		)
		return nil, faults.NewRemote("image", "Unable to fetch image resources", fmt.Errorf("status %d", resp.StatusCode))
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, faults.NewRemote("image", "Unable to fetch image resources", err)
	}
	if len(payload) == 0 {
		return nil, faults.NewValidation("Image endpoint returned an empty payload", nil)
	}
	if len(payload) > maxImageBytes {
		return nil, faults.NewValidation("Image resource exceeds the size limit", nil)
	}
	return payload, nil
}
