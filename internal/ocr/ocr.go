// Package ocr turns nameplate photographs into plain text.
package ocr

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/equipment-resolver/internal/model"
)

// ErrUnavailable is returned when an engine is not compiled in or not
// configured.
var ErrUnavailable = eris.New("ocr: engine unavailable")

// Text is the output of one OCR pass.
type Text struct {
	Content string
	// Confidence is the mean word confidence in [0,1], or -1 when the engine
	// does not report one.
	Confidence float64
	// Pages is the number of billed pages.
	Pages int
}

// Extractor extracts text from an image.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, img model.Image) (*Text, error)
}
