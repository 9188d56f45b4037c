package cmd

import (
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/1ureka/dcom/internal/link"
	"github.com/1ureka/dcom/internal/util"
)

func init() {
	serveCmd.Flags().String("listen", ":8700", "Address of the WebSocket link endpoint")
	serveCmd.Flags().String("metrics", "", "Address for /metrics (overrides metrics_addr)")
	serveCmd.Flags().Uint32("ia", 0, "Local interface address (overrides local_ia)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an echo responder behind a WebSocket link hub",
	Long: `Run a WebSocket link hub at /link and answer every request on every
configured pipe with its own payload. Other clients connected to the hub can
also reach each other through it.

Examples:
  dcom serve
  dcom serve --listen :9000 --config dcom.toml --metrics :9700`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		listen, _ := cmd.Flags().GetString("listen")
		metricsAddr, _ := cmd.Flags().GetString("metrics")
		flagIA, _ := cmd.Flags().GetUint32("ia")
		ia := localIA(flagIA, cfg, false)

		hub := link.NewWSHub(ia, nil)
		mux, err := buildMux(cfg, ia, hub, echoHandler())
		if err != nil {
			return err
		}
		hub.SetReceiver(mux)

		startObservability(ctx, cfg, metricsAddr)

		httpMux := http.NewServeMux()
		httpMux.Handle("/link", hub)
		srv := &http.Server{Addr: listen, Handler: httpMux, ReadHeaderTimeout: 10 * time.Second}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		go mux.Run(ctx)

		util.LogSuccess("serving as %08x on ws://%s/link (%d pipe(s))", ia, listen, len(cfg.Pipes))

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		}
		hub.Close()
		srv.Close()
		util.LogInfo("responder stopped")
		return nil
	},
}
