// Command orchestratord hosts the SDXL Fleet Orchestrator's long-running
// server process: device enumeration, the worker pool, the shared model
// cache, the session manager and the northbound HTTP API, wired together
// and started under a single cobra command.
//
// Grounded on cmd/cmd_serve.go's RunServer (resolve a listener, hand it
// to the HTTP server, treat http.ErrServerClosed as a clean exit) and
// cmd/cmd.go's NewCLI (a root cobra.Command with one subcommand
// registered per line of business).
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sdxlforge/orchestrator/cache"
	"github.com/sdxlforge/orchestrator/device"
	"github.com/sdxlforge/orchestrator/envconfig"
	"github.com/sdxlforge/orchestrator/httpapi"
	"github.com/sdxlforge/orchestrator/logutil"
	"github.com/sdxlforge/orchestrator/metrics"
	"github.com/sdxlforge/orchestrator/pool"
	"github.com/sdxlforge/orchestrator/session"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "orchestratord",
		Short:         "SDXL fleet orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator's HTTP API and worker pool",
		Args:  cobra.ExactArgs(0),
		RunE:  runServe,
	}
}

// runServe builds every core component, enumerates and launches the
// worker fleet, then serves the northbound HTTP API until interrupted.
func runServe(cmd *cobra.Command, _ []string) error {
	logutil.SetDefault(os.Stderr, envconfig.LogLevel())
	slogValues := envconfig.Values()
	logutil.Default().Info("orchestratord starting", "config", slogValues)

	devices := device.NewRegistry()
	rec := metrics.New(envconfig.MetricsEnabled())

	c := cache.New(cache.Config{
		BudgetBytes:  envconfig.CacheBudgetBytes(),
		IdleEviction: envconfig.CacheIdleEviction(),
	}, nil, rec)

	launcher := pool.NewProcessLauncher(pool.ProcessLauncherConfig{
		InterpreterPath: envconfig.WorkerInterpreterPath(),
		ScriptPath:      envconfig.WorkerScriptPath(),
		Transport:       envconfig.WorkerTransport(),
		HTTPBasePort:    int(envconfig.WorkerHTTPBasePort()),
	})

	p := pool.New(devices, c, launcher, int(envconfig.SessionDefaultConcurrencyPerWorker()), rec)

	enumerator, err := buildEnumerator()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Initialize(ctx, enumerator); err != nil {
		return fmt.Errorf("orchestratord: pool initialization: %w", err)
	}

	sm := session.New(p, 10*time.Minute, rec)

	if envconfig.AutoBalanceEnabled(false) {
		go runAutoBalanceTimer(ctx, p)
	}

	srv := httpapi.New(p, c, devices, sm, rec)

	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return fmt.Errorf("orchestratord: binding %s: %w", envconfig.Host().Host, err)
	}
	srv.BindAddr(ln.Addr())

	httpServer := &http.Server{Handler: srv.Handler()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-sigCh:
		logutil.Default().Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

// autoBalanceInterval is how often runAutoBalanceTimer polls the fleet
// when FORGE_AUTO_BALANCE_ENABLED is set. auto_balance itself stays
// callable on demand via GET /api/auto_balance regardless of this timer.
const autoBalanceInterval = 5 * time.Minute

// runAutoBalanceTimer logs AutoBalance's advisory recommendations on a
// fixed interval until ctx is cancelled. It never applies a
// recommendation — auto_balance is read-only by design.
func runAutoBalanceTimer(ctx context.Context, p *pool.Pool) {
	ticker := time.NewTicker(autoBalanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recs := p.AutoBalance()
			if len(recs) > 0 {
				logutil.Default().Info("auto_balance recommendations", "count", len(recs))
			}
		}
	}
}

// buildEnumerator selects a device.Enumerator per FORGE_DEVICE_DISCOVERY.
// "static" reads device definitions from FORGE_STATIC_DEVICES
// (comma-separated id:name:total_vram_bytes triples); anything else
// shells out to nvidia-smi.
func buildEnumerator() (device.Enumerator, error) {
	if envconfig.DeviceDiscoveryMode() != "static" {
		return device.ProcEnumerator{}, nil
	}

	devices, err := parseStaticDevices(envconfig.StaticDevices())
	if err != nil {
		return nil, fmt.Errorf("orchestratord: FORGE_STATIC_DEVICES: %w", err)
	}
	return device.StaticEnumerator{Devices: devices}, nil
}
