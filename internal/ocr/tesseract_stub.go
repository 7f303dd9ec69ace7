//go:build !tesseract

package ocr

// NewTesseract reports ErrUnavailable when the binary was built without the
// tesseract tag (gosseract needs cgo and libtesseract).
func NewTesseract([]string) (Extractor, error) {
	return nil, ErrUnavailable
}
