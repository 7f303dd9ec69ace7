package identify

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/resilience"
)

// DefaultMaxImageBytes caps a fetched nameplate photo.
const DefaultMaxImageBytes = 10 << 20

// ImageLoader turns an image reference into inline bytes for engines that
// cannot fetch URLs themselves.
type ImageLoader struct {
	client   *http.Client
	maxBytes int64
}

// NewImageLoader creates an ImageLoader. A nil client gets a 20s timeout.
func NewImageLoader(client *http.Client, maxBytes int64) *ImageLoader {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	return &ImageLoader{client: client, maxBytes: maxBytes}
}

// Load returns img with Data populated. Inline images are returned as-is.
func (l *ImageLoader) Load(ctx context.Context, img model.Image) (model.Image, error) {
	if len(img.Data) > 0 {
		if img.MediaType == "" {
			img.MediaType = http.DetectContentType(img.Data)
		}
		return img, nil
	}
	if img.URL == "" {
		return img, eris.New("identify: empty image reference")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, img.URL, nil)
	if err != nil {
		return img, eris.Wrap(err, "identify: create image request")
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return img, eris.Wrapf(err, "identify: fetch image %s", img.URL)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("identify: fetch image %s: status %d", img.URL, resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return img, resilience.NewTransientError(err, resp.StatusCode)
		}
		return img, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
	if err != nil {
		return img, eris.Wrap(err, "identify: read image")
	}
	if int64(len(data)) > l.maxBytes {
		return img, eris.Errorf("identify: image exceeds %d bytes", l.maxBytes)
	}

	mediaType := strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
	if !strings.HasPrefix(mediaType, "image/") {
		mediaType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return img, eris.Errorf("identify: %s is not an image (%s)", img.URL, mediaType)
	}

	img.Data = data
	img.MediaType = mediaType
	return img, nil
}
