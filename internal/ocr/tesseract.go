//go:build tesseract

package ocr

import (
	"context"
	"strings"

	"github.com/otiai10/gosseract/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/equipment-resolver/internal/model"
)

// Tesseract runs the local Tesseract engine through gosseract. One client is
// created per call; gosseract clients are not safe for concurrent use.
type Tesseract struct {
	languages     []string
	clientFactory func() *gosseract.Client
}

// NewTesseract creates a local Tesseract extractor.
func NewTesseract(languages []string) (Extractor, error) {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &Tesseract{languages: languages, clientFactory: gosseract.NewClient}, nil
}

// Name implements Extractor.
func (t *Tesseract) Name() string { return "tesseract" }

// Extract implements Extractor. Only inline image bytes are supported.
func (t *Tesseract) Extract(ctx context.Context, img model.Image) (*Text, error) {
	if len(img.Data) == 0 {
		return nil, eris.New("ocr: tesseract requires image bytes")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan tessResult, 1)
	// The goroutine owns the client so a cancelled caller never closes it
	// mid-recognition.
	go func() {
		c := t.clientFactory()
		defer c.Close() //nolint:errcheck
		done <- t.recognize(c, img.Data)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, eris.Wrap(r.err, "ocr: tesseract recognize")
		}
		return &Text{Content: strings.TrimSpace(r.text), Confidence: r.conf, Pages: 1}, nil
	}
}

type tessResult struct {
	text string
	conf float64
	err  error
}

func (t *Tesseract) recognize(c *gosseract.Client, data []byte) (r tessResult) {
	if r.err = c.SetLanguage(t.languages...); r.err != nil {
		return r
	}
	if r.err = c.SetImageFromBytes(data); r.err != nil {
		return r
	}
	if r.text, r.err = c.Text(); r.err != nil {
		return r
	}
	r.conf = meanWordConfidence(c)
	return r
}

func meanWordConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return -1
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100.0
	}
	return sum / float64(len(boxes))
}
