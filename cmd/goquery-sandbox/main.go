// goquery-sandbox watches a JSON HTTP endpoint through a query
// observer and prints every result transition. It is a development
// utility for poking at staleness, intervals, retries, and manual
// cache writes against live data.
//
// Example:
//
//	goquery-sandbox --url https://api.github.com/repos/golang/go --interval 30s repos golang go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/agentuity/go-common/logger"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/agentuity/go-query/internal/retryer"
	"github.com/agentuity/go-query/query"
	"github.com/agentuity/go-query/querykey"
)

var (
	urlFlag      string
	staleFlag    string
	intervalFlag string
	runForFlag   string
	retriesFlag  int
	demoWrites   bool
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "goquery-sandbox [key segments...]",
	Short: "Watch a JSON endpoint through a query observer",
	Args:  cobra.MinimumNArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&urlFlag, "url", "", "JSON endpoint to fetch")
	rootCmd.Flags().StringVar(&staleFlag, "stale-time", "30s", "how long fetched data counts as fresh")
	rootCmd.Flags().StringVar(&intervalFlag, "interval", "0s", "refetch period while observed (0 disables)")
	rootCmd.Flags().StringVar(&runForFlag, "run-for", "1m", "how long to observe before exiting")
	rootCmd.Flags().IntVar(&retriesFlag, "retries", 3, "retry attempts for a failed fetch")
	rootCmd.Flags().BoolVar(&demoWrites, "demo-writes", false, "invalidate and overwrite the entry mid-run")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "debug logging")
	_ = rootCmd.MarkFlagRequired("url")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// keyFromArgs keeps numeric-looking segments numeric so the canonical
// hash matches keys built programmatically.
func keyFromArgs(args []string) querykey.Key {
	segs := make([]any, 0, len(args))
	for _, a := range args {
		if n, err := strconv.Atoi(a); err == nil {
			segs = append(segs, n)
			continue
		}
		segs = append(segs, a)
	}
	return querykey.New(segs...)
}

func run(cmd *cobra.Command, args []string) error {
	staleTime, err := str2duration.ParseDuration(staleFlag)
	if err != nil {
		return errors.Wrap(err, "parsing --stale-time")
	}
	interval, err := str2duration.ParseDuration(intervalFlag)
	if err != nil {
		return errors.Wrap(err, "parsing --interval")
	}
	runFor, err := str2duration.ParseDuration(runForFlag)
	if err != nil {
		return errors.Wrap(err, "parsing --run-for")
	}

	level := logger.GetLevelFromEnv()
	if verbose {
		level = logger.LevelDebug
	}
	log := logger.NewConsoleLogger(level).WithPrefix("[sandbox]")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := query.New(query.WithLogger(log))
	defer client.Close()
	client.Mount()
	defer client.Unmount()

	key := keyFromArgs(args)
	opts := query.Options{
		Key:       key,
		QueryFunc: fetchJSON(urlFlag),
		StaleTime: query.Duration(staleTime),
		Retry:     retryer.RetryCount(retriesFlag),
	}
	if interval > 0 {
		opts.RefetchInterval = query.Duration(interval)
	}

	obs := query.NewObserver(client, opts)
	unsub := obs.Subscribe(func(tr query.TrackedResult) {
		logResult(log, tr.Result())
	})
	defer unsub()
	log.Info("observing %s as %s for %s", urlFlag, querykey.HashKey(key), runFor)

	if demoWrites {
		go demoWriter(ctx, client, key, runFor, log)
	}

	select {
	case <-ctx.Done():
		log.Info("interrupted")
	case <-time.After(runFor):
	}

	final := obs.GetCurrentResult()
	log.Info("final: status=%s last_update=%s", final.Status, final.DataUpdatedAt.Format(time.RFC3339))
	return nil
}

func fetchJSON(url string) query.QueryFunc {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	return func(ctx context.Context, qfc query.QueryFuncContext) (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, errors.Newf("%s returned %s", url, resp.Status)
		}
		var body any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, errors.Wrap(err, "decoding response")
		}
		return body, nil
	}
}

func logResult(log logger.Logger, r query.Result) {
	switch {
	case r.IsError():
		log.Error("status=%s fetch=%s failures=%d err=%s", r.Status, r.FetchStatus, r.FailureCount, r.Error)
	case r.IsSuccess():
		log.Info("status=%s fetch=%s stale=%t data=%s", r.Status, r.FetchStatus, r.IsStale, preview(r.Data))
	default:
		log.Info("status=%s fetch=%s", r.Status, r.FetchStatus)
	}
}

// preview renders data as compact JSON, truncated for log lines.
func preview(data any) string {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%T", data)
	}
	const max = 120
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// demoWriter shows cross-writer behavior: a third of the way in it
// invalidates the entry, two thirds in it overwrites it manually.
func demoWriter(ctx context.Context, client *query.Client, key querykey.Key, runFor time.Duration, log logger.Logger) {
	step := runFor / 3
	select {
	case <-ctx.Done():
		return
	case <-time.After(step):
	}
	log.Info("invalidating %s", querykey.HashKey(key))
	if err := client.InvalidateQueries(ctx, &query.Filters{Key: key}, nil); err != nil {
		log.Warn("invalidate failed: %s", err)
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(step):
	}
	log.Info("overwriting %s with manual data", querykey.HashKey(key))
	client.SetQueryData(key, map[string]any{
		"source": "sandbox",
		"at":     time.Now().Format(time.RFC3339),
	})
}
