//go:build !tesseract

package ocr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTesseract_UnavailableWithoutTag(t *testing.T) {
	ext, err := NewTesseract([]string{"eng"})
	assert.Nil(t, ext)
	assert.ErrorIs(t, err, ErrUnavailable)
}
