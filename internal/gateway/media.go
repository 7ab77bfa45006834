package gateway

import (
	"context"
	"time"

	"github.com/guonaihong/gout"
	"github.com/pkg/errors"
)

// MediaFetcher downloads remote images referenced by send requests.
type MediaFetcher struct {
	timeout time.Duration
	maxSize int
}

const defaultMaxImageSize = 8 << 20

func NewMediaFetcher(timeout time.Duration) *MediaFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MediaFetcher{timeout: timeout, maxSize: defaultMaxImageSize}
}

// Fetch downloads the image body. Any failure here is non-fatal for the
// request; the caller falls back to a text-only send.
func (f *MediaFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	var code int
	err := gout.GET(url).
		WithContext(ctx).
		SetTimeout(f.timeout).
		Code(&code).
		BindBody(&body).
		Do()
	if err != nil {
		return nil, errors.Wrap(err, "media download failed")
	}
	if code != 200 {
		return nil, errors.Errorf("media download failed: status %d", code)
	}
	if len(body) == 0 {
		return nil, errors.New("media download failed: empty body")
	}
	if len(body) > f.maxSize {
		return nil, errors.Errorf("media download failed: %d bytes exceeds limit", len(body))
	}
	return body, nil
}
