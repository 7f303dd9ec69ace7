package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/resilience"
	"github.com/sells-group/equipment-resolver/internal/resolve"
	"github.com/sells-group/equipment-resolver/internal/server"
)

var (
	resolveKind         string
	resolveManufacturer string
	resolveModel        string
	resolveRawText      string
	resolveImage        string
	resolveFile         string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve one request from flags, or many from a JSONL file",
	Long: "Resolve a single request described by flags, or every line of a JSONL file " +
		"(one POST /v1/resolve body per line). Responses are written to stdout as JSON lines.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "resolve")
		if err != nil {
			return err
		}
		defer env.Close()

		out := cmd.OutOrStdout()
		if resolveFile != "" {
			f, err := os.Open(resolveFile)
			if err != nil {
				return eris.Wrapf(err, "open %s", resolveFile)
			}
			defer f.Close() //nolint:errcheck
			_, err = resolveBatch(ctx, f, out, cfg.Batch.Concurrency, env.Orchestrator)
			return err
		}

		in, err := flagInput()
		if err != nil {
			return err
		}
		resp, err := env.Orchestrator.Resolve(ctx, in)
		if err != nil {
			return eris.Wrap(err, "resolve")
		}
		return json.NewEncoder(out).Encode(resp)
	},
}

// flagInput builds a request from the single-request flags. A local image
// path is read into memory; URLs and base64 go through the wire parser.
func flagInput() (resolve.Input, error) {
	req := server.ResolveRequest{
		Kind: model.Kind(resolveKind),
		Fields: model.Fields{
			Manufacturer: resolveManufacturer,
			Model:        resolveModel,
			RawText:      resolveRawText,
		},
	}
	if resolveImage == "" {
		return req.Input()
	}
	if data, err := os.ReadFile(resolveImage); err == nil {
		return resolve.Input{Kind: req.Kind, Fields: req.Fields, Image: &model.Image{Data: data}}, nil
	}
	req.ImageRef = resolveImage
	return req.Input()
}

// batchLine is one output row of a batch run.
type batchLine struct {
	Line     int             `json:"line"`
	Response *model.Response `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type batchStats struct {
	Resolved int64
	Queued   int64
	Failed   int64
}

// resolveBatch resolves each JSONL line of r with bounded concurrency and
// writes one batchLine per input line to w, in completion order. A bad line
// or a failed request is reported and does not abort the batch.
func resolveBatch(ctx context.Context, r io.Reader, w io.Writer, concurrency int, resolver server.Resolver) (batchStats, error) {
	if concurrency < 1 {
		concurrency = 1
	}

	var mu sync.Mutex
	var resolved, queued, failed atomic.Int64
	enc := json.NewEncoder(w)
	emit := func(l batchLine) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(l); err != nil {
			zap.L().Warn("batch: write result", zap.Int("line", l.Line), zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		n := line

		var req server.ResolveRequest
		if err := json.Unmarshal([]byte(text), &req); err != nil {
			failed.Add(1)
			emit(batchLine{Line: n, Error: "invalid json: " + err.Error()})
			continue
		}
		in, err := req.Input()
		if err != nil {
			failed.Add(1)
			emit(batchLine{Line: n, Error: err.Error()})
			continue
		}

		g.Go(func() error {
			resp, err := resolver.Resolve(gctx, in)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				msg := err.Error()
				if resilience.IsPersistence(err) {
					msg = server.TransientMessage
				}
				zap.L().Error("batch: resolve failed", zap.Int("line", n), zap.Error(err))
				emit(batchLine{Line: n, Error: msg})
				return nil // don't abort batch on individual failure
			}
			if resp.Status == model.StatusQueued {
				queued.Add(1)
			} else {
				resolved.Add(1)
			}
			emit(batchLine{Line: n, Response: resp})
			return nil
		})
	}
	scanErr := scanner.Err()

	stats := func() batchStats {
		return batchStats{Resolved: resolved.Load(), Queued: queued.Load(), Failed: failed.Load()}
	}
	if err := g.Wait(); err != nil {
		return stats(), eris.Wrap(err, "batch processing")
	}
	if scanErr != nil {
		return stats(), eris.Wrap(scanErr, "batch: read input")
	}

	s := stats()
	zap.L().Info("batch complete",
		zap.Int64("resolved", s.Resolved),
		zap.Int64("queued", s.Queued),
		zap.Int64("failed", s.Failed),
	)
	return s, nil
}

func init() {
	f := resolveCmd.Flags()
	f.StringVar(&resolveKind, "kind", string(model.KindFindDocument), "request kind: identify or find_document")
	f.StringVar(&resolveManufacturer, "manufacturer", "", "equipment manufacturer")
	f.StringVar(&resolveModel, "model", "", "equipment model number")
	f.StringVar(&resolveRawText, "raw-text", "", "free text read from the nameplate")
	f.StringVar(&resolveImage, "image", "", "nameplate photo: local path, URL, or base64 (identify only)")
	f.StringVar(&resolveFile, "file", "", "JSONL file of requests; overrides the single-request flags")
	rootCmd.AddCommand(resolveCmd)
}
