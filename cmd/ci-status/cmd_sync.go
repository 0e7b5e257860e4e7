package main

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"ci-status/cistatus"
)

var syncFlags struct {
	apply bool
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sweep over all active CI systems and products",
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncFlags.apply, "import", false, "Apply the config inventory before the sweep")
}

func runSync(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if syncFlags.apply {
		if err := applyInventory(cmd.Context(), a); err != nil {
			return err
		}
	}

	runner, closeRunner, err := newRunner(a)
	if err != nil {
		return err
	}
	defer closeRunner()

	stats, err := runner.RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: ci systems %d (changed %d, failed %d), products %d (changed %d, failed %d) in %s\n",
		stats.RunID, stats.CiSystems, stats.CiChanged, stats.CiFailed,
		stats.Products, stats.ProductsChanged, stats.ProductsFailed, stats.Duration.Round(time.Millisecond))
	return nil
}

// newRunner wires the optional redis lock and syslog notifier from the config.
func newRunner(a *app) (*cistatus.Runner, func(), error) {
	rcfg := cistatus.RunnerConfig{
		Parallel:       a.cfg.Parallel,
		Timeout:        a.cfg.Timeout,
		RequestTimeout: a.cfg.RequestTimeout,
	}
	cleanup := func() {}

	if a.cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:        a.cfg.RedisAddr,
			DialTimeout: 5 * time.Second,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		locker, err := cistatus.NewRedisLocker(rdb, 0)
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		rcfg.Locker = locker
		cleanup = func() { _ = rdb.Close() }
	}

	if a.cfg.SyslogAddr != "" {
		client := cistatus.NewSyslogClient(a.cfg.SyslogAddr, 5*time.Second)
		rcfg.Notifier = cistatus.NewSyslogNotifier(client, a.cfg.Service)
	}

	runner, err := cistatus.NewRunner(a.store, rcfg, a.log)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return runner, cleanup, nil
}
