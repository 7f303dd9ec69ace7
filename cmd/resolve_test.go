package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/resilience"
	"github.com/sells-group/equipment-resolver/internal/resolve"
	"github.com/sells-group/equipment-resolver/internal/server"
)

type resolverFunc func(ctx context.Context, in resolve.Input) (*model.Response, error)

func (f resolverFunc) Resolve(ctx context.Context, in resolve.Input) (*model.Response, error) {
	return f(ctx, in)
}

func readBatchLines(t *testing.T, out *bytes.Buffer) map[int]batchLine {
	t.Helper()
	lines := make(map[int]batchLine)
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		var l batchLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		lines[l.Line] = l
	}
	return lines
}

func TestResolveBatch(t *testing.T) {
	input := strings.Join([]string{
		`{"kind":"find_document","fields":{"manufacturer":"Siemens","model":"G120C"}}`,
		``,
		`# operator note`,
		`{"kind":"identify","fields":{"raw_text":"blurry plate"}}`,
		`not json`,
		`{"kind":"identify","image_ref":"%%%"}`,
		`{"kind":"find_document","fields":{"model":"broken-db"}}`,
	}, "\n")

	var calls atomic.Int32
	res := resolverFunc(func(_ context.Context, in resolve.Input) (*model.Response, error) {
		calls.Add(1)
		switch {
		case in.Fields.Model == "G120C":
			return &model.Response{Status: model.StatusResolved, Source: "serper", Confidence: 0.9}, nil
		case in.Kind == model.KindIdentify:
			return &model.Response{Status: model.StatusQueued, TicketID: "tk-1"}, nil
		default:
			return nil, resilience.Persistence("cache write", eris.New("connection refused"))
		}
	})

	var out bytes.Buffer
	stats, err := resolveBatch(context.Background(), strings.NewReader(input), &out, 2, res)
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, batchStats{Resolved: 1, Queued: 1, Failed: 3}, stats)

	lines := readBatchLines(t, &out)
	require.Len(t, lines, 5)
	assert.Equal(t, "serper", lines[1].Response.Source)
	assert.Equal(t, "tk-1", lines[4].Response.TicketID)
	assert.Contains(t, lines[5].Error, "invalid json")
	assert.NotEmpty(t, lines[6].Error)
	assert.Equal(t, server.TransientMessage, lines[7].Error)
}

func TestResolveBatch_BoundedConcurrency(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 20; i++ {
		b.WriteString(`{"kind":"find_document","fields":{"model":"m` + string(rune('a'+i)) + `"}}` + "\n")
	}

	var inFlight, peak atomic.Int32
	res := resolverFunc(func(context.Context, resolve.Input) (*model.Response, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return &model.Response{Status: model.StatusResolved}, nil
	})

	var out bytes.Buffer
	stats, err := resolveBatch(context.Background(), strings.NewReader(b.String()), &out, 3, res)
	require.NoError(t, err)
	assert.Equal(t, int64(20), stats.Resolved)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestResolveBatch_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	res := resolverFunc(func(ctx context.Context, _ resolve.Input) (*model.Response, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := resolveBatch(ctx, strings.NewReader(`{"kind":"find_document","fields":{"model":"x"}}`), &bytes.Buffer{}, 1, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFlagInput(t *testing.T) {
	t.Cleanup(func() {
		resolveKind, resolveManufacturer, resolveModel, resolveRawText, resolveImage = "find_document", "", "", "", ""
	})

	resolveKind, resolveManufacturer, resolveModel = "find_document", "ABB", "ACS580"
	in, err := flagInput()
	require.NoError(t, err)
	assert.Equal(t, model.KindFindDocument, in.Kind)
	assert.Equal(t, "ACS580", in.Fields.Model)
	assert.Nil(t, in.Image)

	path := filepath.Join(t.TempDir(), "plate.jpg")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xd8, 0xff, 0xe0}, 0o600))
	resolveKind, resolveImage = "identify", path
	in, err = flagInput()
	require.NoError(t, err)
	require.NotNil(t, in.Image)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff, 0xe0}, in.Image.Data)

	resolveImage = "https://cdn.example.com/plate.jpg"
	in, err = flagInput()
	require.NoError(t, err)
	require.NotNil(t, in.Image)
	assert.Equal(t, "https://cdn.example.com/plate.jpg", in.Image.URL)

	resolveImage = "!!not-an-image!!"
	_, err = flagInput()
	assert.Error(t, err)
}
