// Command shadowkvbench drives a synthetic prefill+decode loop against a
// shadowkv.Cache, the way ollama/cmd/bench exercises the inference server
// with a synthetic workload instead of a real model. It exists to exercise
// the cache's full lifecycle end to end (construction, one Prefill call per
// layer, a run of decode steps each issuing GetRetrievalPositionIDs,
// FetchValues/FetchKeys and Update) outside of the test suite.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Chen3776/shadowKV-based/hoststore"
	"github.com/Chen3776/shadowKV-based/ml"
	"github.com/Chen3776/shadowKV-based/ml/cpu"
	"github.com/Chen3776/shadowKV-based/shadowkv"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		layers       int
		queryHeads   int
		kvHeads      int
		headDim      int
		maxLength    int
		prefillLen   int
		decodeSteps  int
		offload      bool
		compress     bool
		seed         int64
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "shadowkvbench",
		Short: "Run a synthetic prefill+decode benchmark against a ShadowKV cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			cfg := shadowkv.DefaultConfig()
			cfg.Layers = layers
			cfg.QueryHeads = queryHeads
			cfg.KVHeads = kvHeads
			cfg.HeadDim = headDim
			cfg.MaxLength = maxLength
			cfg.BatchSize = 1
			cfg.Backend = cpu.New()

			opts := []shadowkv.Option{shadowkv.WithLogger(logger)}
			if offload {
				store, err := hoststore.New(hoststore.Config{Compress: compress})
				if err != nil {
					return fmt.Errorf("create host store: %w", err)
				}
				defer store.Close()
				opts = append(opts, shadowkv.WithHostStore(store))
			}

			cache, err := shadowkv.NewCache(cfg, opts...)
			if err != nil {
				return fmt.Errorf("create cache: %w", err)
			}

			sessionID := uuid.New()
			logger.Info("starting benchmark session", "session", sessionID, "prefill_len", prefillLen, "decode_steps", decodeSteps)

			rng := rand.New(rand.NewSource(seed))
			ctx := context.Background()

			start := time.Now()
			if err := runPrefill(cache, cfg, rng, prefillLen); err != nil {
				return err
			}
			prefillElapsed := time.Since(start)

			start = time.Now()
			if err := runDecode(ctx, cache, cfg, rng, decodeSteps); err != nil {
				return err
			}
			decodeElapsed := time.Since(start)

			logger.Info("benchmark complete",
				"session", sessionID,
				"prefill_duration", prefillElapsed,
				"decode_duration", decodeElapsed,
				"decode_steps_per_sec", float64(decodeSteps)/decodeElapsed.Seconds())

			printStats(os.Stdout, cache, cfg)
			return nil
		},
	}

	cmd.Flags().IntVar(&layers, "layers", 4, "number of transformer layers")
	cmd.Flags().IntVar(&queryHeads, "query-heads", 8, "number of attention query heads")
	cmd.Flags().IntVar(&kvHeads, "kv-heads", 2, "number of key/value heads")
	cmd.Flags().IntVar(&headDim, "head-dim", 64, "per-head dimension")
	cmd.Flags().IntVar(&maxLength, "max-length", 8192, "maximum sequence length the cache will hold")
	cmd.Flags().IntVar(&prefillLen, "prefill-len", 4096, "synthetic prefill length")
	cmd.Flags().IntVar(&decodeSteps, "decode-steps", 64, "number of synthetic decode steps to run")
	cmd.Flags().BoolVar(&offload, "offload", true, "use the host-offloaded value store variant")
	cmd.Flags().BoolVar(&compress, "compress", false, "zstd-compress offloaded value chunks")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed for synthetic tensor data")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	return cmd
}

func runPrefill(cache *shadowkv.Cache, cfg shadowkv.Config, rng *rand.Rand, prefillLen int) error {
	ctx := cfg.Backend.NewContext()
	defer ctx.Close()

	for layer := 0; layer < cfg.Layers; layer++ {
		k := randomTensor(ctx, rng, cfg.BatchSize, cfg.KVHeads, prefillLen, cfg.HeadDim)
		v := randomTensor(ctx, rng, cfg.BatchSize, cfg.KVHeads, prefillLen, cfg.HeadDim)
		if err := cache.Prefill(layer, k, k, v); err != nil {
			return fmt.Errorf("prefill layer %d: %w", layer, err)
		}
	}
	return nil
}

func runDecode(ctx context.Context, cache *shadowkv.Cache, cfg shadowkv.Config, rng *rand.Rand, steps int) error {
	bctx := cfg.Backend.NewContext()
	defer bctx.Close()

	for step := 0; step < steps; step++ {
		for layer := 0; layer < cfg.Layers; layer++ {
			query := randomTensor(bctx, rng, cfg.BatchSize, cfg.QueryHeads, 1, cfg.HeadDim)

			for h := 0; h < cfg.KVHeads; h++ {
				positions, err := cache.GetRetrievalPositionIDs(ctx, layer, 0, h, query)
				if err != nil {
					return fmt.Errorf("step %d layer %d head %d: retrieve positions: %w", step, layer, h, err)
				}

				keys := make([][]float32, len(positions))
				values := make([][]float32, len(positions))
				for i := range positions {
					keys[i] = make([]float32, cfg.HeadDim)
					values[i] = make([]float32, cfg.HeadDim)
				}

				copyStream := ml.NewStream("copy")
				reconStream := ml.NewStream("reconstruct")
				cache.FetchValues(copyStream, layer, 0, h, positions, values)
				cache.FetchKeys(reconStream, layer, 0, h, positions, keys)
				if err := ml.Barrier(copyStream, reconStream); err != nil {
					return fmt.Errorf("step %d layer %d head %d: gather: %w", step, layer, h, err)
				}
			}

			kNew := randomTensor(bctx, rng, cfg.BatchSize, cfg.KVHeads, 1, cfg.HeadDim)
			vNew := randomTensor(bctx, rng, cfg.BatchSize, cfg.KVHeads, 1, cfg.HeadDim)
			if err := cache.Update(layer, kNew, vNew); err != nil {
				return fmt.Errorf("step %d layer %d: update: %w", step, layer, err)
			}
		}
	}
	return nil
}

// printStats renders cache.Stats for every (layer, kv-head) pair, the way
// ollama/cmd/info.go's prettyPrintClientInfo renders a fixed-column report
// via tablewriter rather than ad hoc Printf calls.
func printStats(out *os.File, cache *shadowkv.Cache, cfg shadowkv.Config) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"layer", "kv-head", "chunks", "outliers", "local-tail-from", "svd-fallback", "prefill-len", "generated-len"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding(" ")

	for layer := 0; layer < cfg.Layers; layer++ {
		for h := 0; h < cfg.KVHeads; h++ {
			s := cache.Stats(layer, 0, h)
			table.Append([]string{
				fmt.Sprintf("%d", layer),
				fmt.Sprintf("%d", h),
				fmt.Sprintf("%d", s.NChunks),
				fmt.Sprintf("%d", len(s.OutlierChunks)),
				fmt.Sprintf("%d", s.LocalTailFrom),
				fmt.Sprintf("%t", s.SVDFallback),
				fmt.Sprintf("%d", s.PrefillLen),
				fmt.Sprintf("%d", s.GeneratedLen),
			})
		}
	}

	fmt.Fprint(out, "Cache stats:\n")
	table.Render()
}

func randomTensor(ctx ml.Context, rng *rand.Rand, shape ...int) ml.Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	return ctx.FromFloats(data, shape...)
}
