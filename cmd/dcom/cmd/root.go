// Package cmd implements the dcom CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/1ureka/dcom/internal/config"
	"github.com/1ureka/dcom/internal/engine"
	"github.com/1ureka/dcom/internal/link"
	"github.com/1ureka/dcom/internal/metrics"
	"github.com/1ureka/dcom/internal/protocol"
	"github.com/1ureka/dcom/internal/util"
)

var (
	// Version is set at build time
	Version = "dev"

	// Global flags
	configPath string
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:   "dcom",
	Short: "Framed request/response transport for constrained links",
	Long: `dcom carries small request/response exchanges over unreliable datagram
links: retries until a matched reply, block-wise transfer for large payloads,
and RST frames carrying a one-byte error code.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debugMode {
			util.EnableDebug()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
}

// ExecuteContext runs the CLI. Errors are logged before being returned.
func ExecuteContext(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		util.LogError("%v", err)
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

// loadConfig reads --config, or returns the defaults when it is not set.
func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// localIA picks the node address: the flag when set, otherwise the
// configured one, otherwise one derived from the host name and process id.
func localIA(flagIA uint32, cfg config.Config, derive bool) uint32 {
	if flagIA != 0 {
		return flagIA
	}
	if !derive {
		return cfg.LocalIA
	}
	host, _ := os.Hostname()
	return util.DeriveIA(host, strconv.Itoa(os.Getpid()))
}

// buildMux creates one engine per configured pipe, all sending through d.
func buildMux(cfg config.Config, ia uint32, d link.Driver, h engine.Handler) (*engine.Mux, error) {
	mux := engine.NewMux()
	for _, p := range cfg.Pipes {
		e, err := engine.New(p.EngineConfig(ia, cfg.TickInterval), d, h)
		if err != nil {
			return nil, fmt.Errorf("pipe %d: %w", p.ID, err)
		}
		if err := mux.Register(e); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// pipeEngine returns the engine for pipe or an error naming the configured ones.
func pipeEngine(mux *engine.Mux, cfg config.Config, pipe uint8) (*engine.Engine, error) {
	e, ok := mux.Engine(protocol.PipeID(pipe))
	if !ok {
		ids := make([]protocol.PipeID, 0, len(cfg.Pipes))
		for _, p := range cfg.Pipes {
			ids = append(ids, p.ID)
		}
		return nil, fmt.Errorf("pipe %d is not configured (have %v)", pipe, ids)
	}
	return e, nil
}

// startObservability serves /metrics on addr (when set) and starts the
// periodic traffic summary. Both stop with ctx.
func startObservability(ctx context.Context, cfg config.Config, addr string) {
	if cfg.ReportInterval > 0 {
		metrics.StartReporter(ctx, cfg.ReportInterval)
	}
	if addr == "" {
		addr = cfg.MetricsAddr
	}
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("metrics listener: %v", err)
		}
	}()
	util.LogInfo("metrics on http://%s/metrics", addr)
}

// echoHandler answers every request with its own payload.
func echoHandler() engine.Handler {
	return engine.HandlerFunc(func(in *engine.Inbound) {
		if in.IsNotify() {
			util.LogInfo("notify from %08x: %q", in.SrcIA, in.Payload)
			return
		}
		util.LogDebug("request from %08x: %d bytes", in.SrcIA, len(in.Payload))
		if err := in.Reply(context.Background(), in.Payload); err != nil {
			util.LogWarning("reply to %08x failed: %v", in.SrcIA, err)
		}
	})
}
