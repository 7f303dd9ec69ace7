package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/resilience"
)

const (
	mistralOCREndpoint  = "https://api.mistral.ai/v1/ocr"
	defaultMistralModel = "mistral-ocr-latest"
)

// MistralOCR extracts text from images using the Mistral OCR API.
type MistralOCR struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// MistralOption configures a MistralOCR.
type MistralOption func(*MistralOCR)

// WithEndpoint overrides the OCR endpoint (for testing).
func WithEndpoint(url string) MistralOption {
	return func(m *MistralOCR) { m.endpoint = url }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(c *http.Client) MistralOption {
	return func(m *MistralOCR) { m.client = c }
}

// NewMistralOCR creates a MistralOCR extractor. If model is empty, the default is used.
func NewMistralOCR(apiKey, model string, opts ...MistralOption) *MistralOCR {
	if model == "" {
		model = defaultMistralModel
	}
	m := &MistralOCR{
		apiKey:   apiKey,
		model:    model,
		endpoint: mistralOCREndpoint,
		client:   &http.Client{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type mistralOCRRequest struct {
	Model    string             `json:"model"`
	Document mistralOCRDocument `json:"document"`
}

type mistralOCRDocument struct {
	Type     string `json:"type"`
	ImageURL string `json:"image_url"`
}

type mistralOCRResponse struct {
	Pages     []mistralOCRPage `json:"pages"`
	UsageInfo struct {
		PagesProcessed int `json:"pages_processed"`
	} `json:"usage_info"`
}

type mistralOCRPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

// Name implements Extractor.
func (m *MistralOCR) Name() string { return "mistral_ocr" }

// Extract sends the image to Mistral OCR, inline as a data URL or by
// reference, and returns the page markdown joined together.
func (m *MistralOCR) Extract(ctx context.Context, img model.Image) (*Text, error) {
	imageURL := img.URL
	if len(img.Data) > 0 {
		mediaType := img.MediaType
		if mediaType == "" {
			mediaType = http.DetectContentType(img.Data)
		}
		imageURL = "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
	}
	if imageURL == "" {
		return nil, eris.New("ocr: mistral requires image bytes or url")
	}

	bodyBytes, err := json.Marshal(mistralOCRRequest{
		Model:    m.model,
		Document: mistralOCRDocument{Type: "image_url", ImageURL: imageURL},
	})
	if err != nil {
		return nil, eris.Wrap(err, "ocr: marshal mistral request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "ocr: create mistral request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: mistral API call")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: read mistral response")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("ocr: mistral API returned %d: %s", resp.StatusCode, string(respBody))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var ocrResp mistralOCRResponse
	if err := json.Unmarshal(respBody, &ocrResp); err != nil {
		return nil, eris.Wrap(err, "ocr: unmarshal mistral response")
	}

	var sb strings.Builder
	for i, page := range ocrResp.Pages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(page.Markdown)
	}

	pages := ocrResp.UsageInfo.PagesProcessed
	if pages == 0 {
		pages = len(ocrResp.Pages)
	}
	return &Text{Content: sb.String(), Confidence: -1, Pages: pages}, nil
}
