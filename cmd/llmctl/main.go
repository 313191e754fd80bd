package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/farhan-ahmed1/llmhub/pkg/client"
)

const usage = `usage: llmctl [-addr URL] <command> [flags]

commands:
  models                     list available models
  generate -model M PROMPT   submit a prompt
  result ID                  show a result
  stats                      show queue statistics
  bench -model M PROMPT      submit many prompts and report latency
`

func main() {
	addr := flag.String("addr", envOr("LLMHUB_ADDR", "http://localhost:8000"), "Broker base URL")
	timeout := flag.Duration("timeout", 30*time.Second, "Per-request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	c, err := client.New(client.Config{BrokerAddr: *addr, Timeout: *timeout})
	if err != nil {
		fmt.Fprintf(os.Stderr, "llmctl: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	args := flag.Args()[1:]
	switch flag.Arg(0) {
	case "models":
		err = runModels(ctx, c)
	case "generate":
		err = runGenerate(ctx, c, args)
	case "result":
		err = runResult(ctx, c, args)
	case "stats":
		err = runStats(ctx, c)
	case "bench":
		err = runBench(ctx, c, args)
	default:
		fmt.Fprintf(os.Stderr, "llmctl: unknown command %q\n", flag.Arg(0))
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "llmctl: %v\n", err)
		os.Exit(1)
	}
}

func runModels(ctx context.Context, c *client.Client) error {
	models, err := c.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		fmt.Println(m)
	}
	return nil
}

func runGenerate(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	model := fs.String("model", "", "Model name, e.g. llama3")
	noCache := fs.Bool("no-cache", false, "Skip the result cache")
	pre := fs.String("preprocessor", "", "Prompt preprocessor, e.g. extract_text_from_url")
	wait := fs.Bool("wait", false, "Poll until the result is completed or failed")
	interval := fs.Duration("interval", time.Second, "Poll interval for -wait")
	_ = fs.Parse(args)

	if *model == "" || fs.NArg() != 1 {
		return fmt.Errorf("generate needs -model and exactly one prompt")
	}

	r, err := c.Generate(ctx, *model, fs.Arg(0), client.GenerateOptions{
		NoCache:      *noCache,
		Preprocessor: *pre,
	})
	if err != nil {
		return err
	}

	if *wait && !r.Done() {
		r, err = c.WaitForResult(ctx, r.ID, *interval)
		if err != nil {
			return err
		}
	}
	return printJSON(r)
}

func runResult(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("result needs exactly one id")
	}
	r, err := c.GetResult(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(r)
}

func runStats(ctx context.Context, c *client.Client) error {
	s, err := c.GetStats(ctx)
	if err != nil {
		return err
	}
	return printJSON(s)
}

func runBench(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	model := fs.String("model", "", "Model name")
	n := fs.Int("n", 20, "Number of submissions")
	concurrency := fs.Int("c", 4, "Concurrent submissions")
	noCache := fs.Bool("no-cache", true, "Skip the result cache")
	_ = fs.Parse(args)

	if *model == "" || fs.NArg() != 1 {
		return fmt.Errorf("bench needs -model and exactly one prompt")
	}

	var (
		mu        sync.Mutex
		latencies []time.Duration
		failed    int
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	for i := 0; i < *n; i++ {
		g.Go(func() error {
			t0 := time.Now()
			r, err := c.Generate(gctx, *model, fs.Arg(0), client.GenerateOptions{NoCache: *noCache})
			if err == nil && !r.Done() {
				r, err = c.WaitForResult(gctx, r.ID, 250*time.Millisecond)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed++
				return nil
			}
			if r.Status == client.StatusFailed {
				failed++
			}
			latencies = append(latencies, time.Since(t0))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Printf("requests:   %d (%d failed)\n", *n, failed)
	fmt.Printf("elapsed:    %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("throughput: %.2f req/s\n", float64(*n)/elapsed.Seconds())
	if len(latencies) > 0 {
		fmt.Printf("p50:        %v\n", percentile(latencies, 0.50).Round(time.Millisecond))
		fmt.Printf("p95:        %v\n", percentile(latencies, 0.95).Round(time.Millisecond))
		fmt.Printf("max:        %v\n", latencies[len(latencies)-1].Round(time.Millisecond))
	}
	return nil
}

// percentile expects sorted input
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
