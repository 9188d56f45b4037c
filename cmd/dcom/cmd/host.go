package cmd

import (
	"github.com/spf13/cobra"

	"github.com/1ureka/dcom/internal/signaling"
	"github.com/1ureka/dcom/internal/util"
)

func init() {
	hostCmd.Flags().String("listen", ":0", "Signaling listen address (\":0\" picks a free port)")
	hostCmd.Flags().Uint32("ia", 0, "Local interface address (overrides local_ia)")
	hostCmd.Flags().String("metrics", "", "Address for /metrics (overrides metrics_addr)")
	rootCmd.AddCommand(hostCmd)
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Wait for a peer over WebRTC and answer its requests",
	Long: `Start a PIN-protected signaling endpoint, bring up a WebRTC DataChannel
with the first peer that joins, and echo every request it sends.

Examples:
  dcom host
  dcom host --listen :8800 --ia 1`,
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

		dc, err := signaling.Host(ctx, listen, ia)
		if err != nil {
			return err
		}
		defer dc.Close()

		mux, err := buildMux(cfg, ia, dc, echoHandler())
		if err != nil {
			return err
		}
		dc.SetReceiver(mux)

		startObservability(ctx, cfg, metricsAddr)
		util.LogSuccess("P2P link established, answering as %08x", ia)

		go mux.Run(ctx)

		select {
		case <-ctx.Done():
		case <-dc.Done():
			util.LogInfo("peer left")
		}
		dc.Close()
		return nil
	},
}
