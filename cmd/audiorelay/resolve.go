package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"audiorelay/internal/app"
	"audiorelay/internal/extract"
	"audiorelay/internal/procrun"
	"audiorelay/internal/shared/logger"
)

var (
	flagShowURL bool
	flagJSON    bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <source-ref>",
	Short: "Run the extraction chain once and print the result",
	Args:  cobra.ExactArgs(1),
	RunE:  resolveRun,
}

func init() {
	resolveCmd.Flags().BoolVar(&flagShowURL, "show-url", false, "Print the signed media URL unredacted")
	resolveCmd.Flags().BoolVarP(&flagJSON, "json", "j", false, "Output the media reference as JSON")
}

func resolveRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	pool, err := app.NewPool(cfg)
	if err != nil {
		return err
	}
	if pool != nil {
		if err := pool.Load(); err != nil {
			logger.Warn().Err(err).Msg("Could not load stored proxies.")
		}
	}

	chain, cleanup, err := app.NewChain(ctx, cfg, procrun.NewExecRunner(), pool)
	if err != nil {
		return err
	}
	defer cleanup()

	chain.SetObserver(func(a extract.Attempt) {
		if a.Err != nil {
			color.New(color.FgYellow).Fprintf(os.Stderr, "  %-12s failed after %s: %v\n", a.Strategy, a.Elapsed.Round(time.Millisecond), a.Err)
			return
		}
		color.New(color.FgGreen).Fprintf(os.Stderr, "  %-12s ok in %s\n", a.Strategy, a.Elapsed.Round(time.Millisecond))
	})

	ref, err := chain.Resolve(ctx, extract.Request{SourceRef: args[0]})
	if err != nil {
		color.New(color.FgRed, color.Bold).Fprintln(os.Stderr, "Resolution failed.")
		return err
	}

	mediaURL := ref.ResolvedMediaURL
	if !flagShowURL {
		mediaURL = logger.RedactURL(mediaURL)
	}

	if flagJSON {
		out := *ref
		out.ResolvedMediaURL = mediaURL
		out.Proxy = logger.RedactURL(out.Proxy)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	label := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Printf("%s %s\n", label("Method:  "), ref.Method)
	fmt.Printf("%s %s\n", label("Family:  "), ref.IPFamily)
	if ref.Proxy != "" {
		fmt.Printf("%s %s\n", label("Proxy:   "), logger.RedactURL(ref.Proxy))
	}
	if ref.Duration > 0 {
		fmt.Printf("%s %s\n", label("Duration:"), ref.Duration.Round(time.Second))
	}
	fmt.Printf("%s %s\n", label("URL:     "), mediaURL)
	return nil
}
