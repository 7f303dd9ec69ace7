package identify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/resilience"
	"github.com/sells-group/equipment-resolver/pkg/anthropic"
)

type mockClaude struct {
	mock.Mock
}

func (m *mockClaude) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*anthropic.MessageResponse)
	return resp, args.Error(1)
}

func reply(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 1500, OutputTokens: 120},
	}
}

func TestVisionProvider_ImageRequest(t *testing.T) {
	client := &mockClaude{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		if req.Model != "claude-haiku-4-5-20251001" || len(req.Messages) != 1 || len(req.System) != 1 {
			return false
		}
		msg := req.Messages[0]
		return len(msg.Images) == 1 &&
			msg.Images[0].MediaType == "image/jpeg" &&
			string(msg.Images[0].Data) == "jpeg" &&
			req.System[0].CacheControl != nil &&
			req.Temperature != nil && *req.Temperature == 0
	})).Return(reply("```json\n{\"manufacturer\":\"Siemens\",\"model\":\"6SL3210-1KE21-3UF1\",\"serial\":\"XAV1\",\"equipment_type\":\"Drive\",\"confidence\":0.92}\n```"), nil).Once()

	p := NewVisionProvider("claude_haiku", "claude-haiku-4-5-20251001", client,
		WithTokenCost(func(_ string, u anthropic.TokenUsage) float64 { return float64(u.InputTokens) / 1e6 }))
	assert.Equal(t, "claude_haiku", p.Name())
	assert.Equal(t, model.KindIdentify, p.Kind())

	res, err := p.Attempt(context.Background(), identifyRequest(&model.Image{Data: []byte("jpeg"), MediaType: "image/jpeg"}, model.Fields{}))
	require.NoError(t, err)
	require.NotNil(t, res.Confidence)
	assert.InDelta(t, 0.92, *res.Confidence, 1e-9)
	assert.Equal(t, "Siemens", res.Identity.Manufacturer)
	assert.Equal(t, "drive", res.Identity.EquipmentType)
	assert.InDelta(t, 0.0015, res.CostUSD, 1e-12)
	assert.JSONEq(t, `{"manufacturer":"Siemens","model":"6SL3210-1KE21-3UF1","serial":"XAV1","equipment_type":"Drive","confidence":0.92}`, string(res.Raw))
	client.AssertExpectations(t)
}

func TestVisionProvider_TextOnlyRequest(t *testing.T) {
	client := &mockClaude{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		msg := req.Messages[0]
		return len(msg.Images) == 0 && strings.Contains(msg.Content, "Danfoss FC 302 P4K0")
	})).Return(reply(`{"manufacturer":"Danfoss","model":"FC-302P4K0T5E20H1"}`), nil).Once()

	p := NewVisionProvider("claude_sonnet", "claude-sonnet-4-5-20250929", client)
	res, err := p.Attempt(context.Background(), identifyRequest(nil, model.Fields{RawText: "Danfoss FC 302 P4K0"}))
	require.NoError(t, err)
	assert.Nil(t, res.Confidence, "missing confidence falls back to feature scoring")
	assert.Equal(t, "FC-302P4K0T5E20H1", res.Identity.Model)
}

func TestVisionProvider_FormatErrors(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"prose only", "I cannot read this nameplate."},
		{"broken json", `{"manufacturer": "ABB",`},
		{"empty identity", `{"manufacturer":"","model":"","confidence":0.1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockClaude{}
			client.On("CreateMessage", mock.Anything, mock.Anything).Return(reply(tt.reply), nil)

			_, err := NewVisionProvider("claude_haiku", "m", client).Attempt(context.Background(),
				identifyRequest(&model.Image{URL: "https://x/plate.jpg"}, model.Fields{}))
			require.Error(t, err)
			assert.Equal(t, resilience.KindFormat, resilience.KindOf(err))
		})
	}
}

func TestVisionProvider_TransportErrorRetried(t *testing.T) {
	client := &mockClaude{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529)).Twice()

	p := NewVisionProvider("claude_haiku", "m", client, WithVisionRetry(resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: 1}))
	_, err := p.Attempt(context.Background(), identifyRequest(&model.Image{URL: "https://x/plate.jpg"}, model.Fields{}))
	require.Error(t, err)
	assert.Equal(t, resilience.KindTransport, resilience.KindOf(err))
	client.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestVisionProvider_NothingToRead(t *testing.T) {
	client := &mockClaude{}
	_, err := NewVisionProvider("claude_haiku", "m", client).Attempt(context.Background(), identifyRequest(nil, model.Fields{}))
	require.Error(t, err)
	client.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":{"b":1}}`, extractJSON("here you go: {\"a\":{\"b\":1}} thanks"))
	assert.Equal(t, "", extractJSON("no braces"))
	assert.Equal(t, "", extractJSON("} backwards {"))
}
