package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"audiorelay/internal/app"
	"audiorelay/internal/shared/logger"
	manager "audiorelay/proxypool"
	"audiorelay/proxypool/model"
)

var proxiesCmd = &cobra.Command{
	Use:   "proxies",
	Short: "Inspect or refresh the egress proxy pool",
}

var proxiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the stored proxy list",
	Args:  cobra.NoArgs,
	RunE:  proxiesListRun,
}

var proxiesRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Scrape, validate and store a fresh proxy list",
	Args:  cobra.NoArgs,
	RunE:  proxiesRefreshRun,
}

var flagRefreshTimeout time.Duration

func init() {
	proxiesRefreshCmd.Flags().DurationVar(&flagRefreshTimeout, "timeout", 5*time.Minute, "Give up after this long")
	proxiesCmd.AddCommand(proxiesListCmd)
	proxiesCmd.AddCommand(proxiesRefreshCmd)
}

func openPool() (*manager.Manager, error) {
	pool, err := app.NewPool(cfg)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, fmt.Errorf("the proxy pool is disabled and PROXY_URL is not set")
	}
	if err := pool.Load(); err != nil {
		return nil, fmt.Errorf("loading %s: %w", cfg.ProxyPoolConf.StoragePath, err)
	}
	return pool, nil
}

func proxiesListRun(cmd *cobra.Command, args []string) error {
	pool, err := openPool()
	if err != nil {
		return err
	}
	renderPool(pool.Snapshot())
	return nil
}

func proxiesRefreshRun(cmd *cobra.Command, args []string) error {
	pool, err := openPool()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), flagRefreshTimeout)
	defer cancel()

	if err := pool.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	// Stop persists the refreshed list.
	pool.Stop()
	renderPool(pool.Snapshot())
	return nil
}

func renderPool(snap manager.Snapshot) {
	if len(snap.Candidates) == 0 {
		fmt.Println("No proxies in the pool; streams go DIRECT.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"", "Proxy", "State", "Latency", "Failures", "Source"})
	table.SetRowLine(false)
	table.SetAutoWrapText(false)
	table.SetHeaderColor(tablewriter.Colors{},
		tablewriter.Colors{tablewriter.Bold, tablewriter.FgCyanColor},
		tablewriter.Colors{tablewriter.Bold},
		tablewriter.Colors{tablewriter.Bold},
		tablewriter.Colors{tablewriter.Bold},
		tablewriter.Colors{tablewriter.Bold})

	for i, c := range snap.Candidates {
		marker := strconv.Itoa(i + 1)
		if c.Address == snap.Current {
			marker = "*"
		}
		latency := "-"
		if c.Latency > 0 {
			latency = c.Latency.Round(time.Millisecond).String()
		}
		table.Append([]string{
			marker,
			logger.RedactURL(c.Address),
			c.State.String(),
			latency,
			strconv.Itoa(c.ConsecutiveFailures),
			c.Source,
		})
	}
	table.Render()

	current := snap.Current
	if current != model.Direct {
		current = logger.RedactURL(current)
	}
	fmt.Printf("current: %s  active: %d  cooling: %d\n", current, snap.Active, snap.Cooling)
}
