// Command kvgo-cli is a command-line client for kvgo-server.
//
//	kvgo-cli [-addr URL] get KEY
//	kvgo-cli [-addr URL] set [-json] KEY VALUE
//	kvgo-cli [-addr URL] del KEY
//	kvgo-cli [-addr URL] scan [-limit N] START END
//	kvgo-cli [-addr URL] batch [-mode MODE] [-concurrency N] OP:KEY[=VALUE]...
//	kvgo-cli [-addr URL] compact
//	kvgo-cli [-addr URL] health
//
// The server address defaults to KVGO_ADDR or http://localhost:8080.
// Keys use the server syntax: "num:42", "uuid:...", "parts:a/b", with an
// optional "tenant|" prefix.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hupe1980/kvgo/model"
)

const defaultAddr = "http://localhost:8080"

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	err := run(ctx, os.Args[1:], os.Stdout)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "kvgo-cli:", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage: kvgo-cli [-addr URL] get|set|del|scan|batch|compact|health ...")

func run(ctx context.Context, args []string, out io.Writer) error {
	global := flag.NewFlagSet("kvgo-cli", flag.ContinueOnError)
	global.SetOutput(io.Discard)
	addr := global.String("addr", envOr("KVGO_ADDR", defaultAddr), "server address")
	if err := global.Parse(args); err != nil {
		return err
	}
	args = global.Args()
	if len(args) == 0 {
		return errUsage
	}
	c := NewClient(*addr)

	cmd, args := args[0], args[1:]
	switch cmd {
	case "get":
		if len(args) != 1 {
			return errUsage
		}
		e, err := c.Get(ctx, args[0])
		if err != nil {
			return err
		}
		printEntry(out, e)
	case "set":
		fs := flag.NewFlagSet("set", flag.ContinueOnError)
		asJSON := fs.Bool("json", false, "store the value as a structured JSON record")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 2 {
			return errUsage
		}
		if err := c.Set(ctx, fs.Arg(0), []byte(fs.Arg(1)), *asJSON); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")
	case "del":
		if len(args) != 1 {
			return errUsage
		}
		if err := c.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")
	case "scan":
		fs := flag.NewFlagSet("scan", flag.ContinueOnError)
		limit := fs.Int("limit", 100, "maximum number of entries, 0 for all")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 2 {
			return errUsage
		}
		entries, err := c.Scan(ctx, fs.Arg(0), fs.Arg(1), *limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			printEntry(out, e)
		}
		fmt.Fprintf(out, "(%s entries)\n", humanize.Comma(int64(len(entries))))
	case "batch":
		return runBatch(ctx, c, args, out)
	case "compact":
		r, err := c.Compact(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "compacted %d segments into %d, moved %s records, reclaimed %s in %s\n",
			r.SegmentsCompacted, r.SegmentsCreated, humanize.Comma(int64(r.RecordsMoved)),
			humanize.IBytes(uint64(max(r.BytesReclaimed, 0))), r.Duration)
	case "health":
		h, err := c.Health(ctx)
		if err != nil {
			return err
		}
		printHealth(out, h)
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
	return nil
}

func runBatch(ctx context.Context, c *Client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	mode := fs.String("mode", "atomic", "atomic, best_effort, fail_fast, or parallel")
	concurrency := fs.Int("concurrency", 4, "workers for parallel mode")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errUsage
	}
	ops := make([]BatchOp, fs.NArg())
	for i, a := range fs.Args() {
		op, err := parseBatchOp(a)
		if err != nil {
			return err
		}
		ops[i] = op
	}

	res, err := c.Batch(ctx, *mode, *concurrency, ops)
	if err != nil {
		return err
	}
	for _, r := range res.Results {
		if r.Error != nil {
			fmt.Fprintf(out, "#%d %s: %s\n", r.Index, r.Key, r.Error.Message)
		}
	}
	fmt.Fprintf(out, "%d succeeded, %d failed in %s\n", res.Succeeded, res.Failed, res.Duration)
	return nil
}

// parseBatchOp parses "op:key=value". The key may itself contain colons,
// so only the first colon separates the operation.
func parseBatchOp(s string) (BatchOp, error) {
	name, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return BatchOp{}, fmt.Errorf("batch op %q: want OP:KEY[=VALUE]", s)
	}
	if _, err := model.ParseOpKind(name); err != nil {
		return BatchOp{}, err
	}
	op := BatchOp{Op: name, Key: rest}
	if key, value, ok := strings.Cut(rest, "="); ok {
		op.Key = key
		op.Text = &value
	}
	return op, nil
}

func printEntry(out io.Writer, e Entry) {
	switch e.Value.Kind {
	case model.ValueKindRaw:
		fmt.Fprintf(out, "%s = %q (%s)\n", e.Key, e.Value.Raw, humanize.IBytes(uint64(len(e.Value.Raw))))
	case model.ValueKindStructured:
		fmt.Fprintf(out, "%s = %v\n", e.Key, e.Value.Fields)
	default:
		fmt.Fprintf(out, "%s = <%s>\n", e.Key, e.Value.Kind)
	}
}

func printHealth(out io.Writer, h Health) {
	status := "healthy"
	if !h.IsHealthy {
		status = "UNHEALTHY"
	}
	fmt.Fprintf(out, "status:         %s\n", status)
	fmt.Fprintf(out, "uptime:         %s\n", h.Uptime.Round(time.Second))
	fmt.Fprintf(out, "keys:           %s\n", humanize.Comma(int64(h.Keys)))
	fmt.Fprintf(out, "segments:       %d\n", h.Segments)
	fmt.Fprintf(out, "disk usage:     %s (%s live)\n", humanize.IBytes(uint64(max(h.DiskUsageBytes, 0))), humanize.IBytes(uint64(max(h.LiveBytes, 0))))
	fmt.Fprintf(out, "fragmentation:  %.1f%%\n", h.FragmentationRatio*100)
	fmt.Fprintf(out, "active txs:     %d\n", h.ActiveTransactions)
	fmt.Fprintf(out, "operations:     %s (error rate %.2f%%)\n", humanize.Comma(int64(h.Operations)), h.ErrorRate*100)
	fmt.Fprintf(out, "index cache:    %.1f%% hits\n", h.IndexCacheHitRatio*100)
}

func envOr(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return fallback
}
