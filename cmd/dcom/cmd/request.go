package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/dcom/internal/link"
)

func init() {
	requestCmd.Flags().String("url", "ws://127.0.0.1:8700/link", "WebSocket link hub URL")
	requestCmd.Flags().Uint32("dst", 1, "Destination interface address")
	requestCmd.Flags().Uint8("pipe", 0, "Pipe to send on")
	requestCmd.Flags().Uint32("ia", 0, "Local interface address (derived when unset)")
	requestCmd.Flags().Bool("notify", false, "Send a notification instead of a request")
	requestCmd.Flags().Duration("timeout", 30*time.Second, "Overall deadline")
	rootCmd.AddCommand(requestCmd)
}

var requestCmd = &cobra.Command{
	Use:   "request <payload>",
	Short: "Send one request through a link hub and print the reply",
	Long: `Send one request to --dst through a WebSocket link hub and print the reply
payload, or the RST code / timeout when the exchange fails.

Examples:
  dcom request hello
  dcom request --dst 7 --pipe 2 "status?"
  dcom request --notify "door opened"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		hubURL, _ := cmd.Flags().GetString("url")
		dst, _ := cmd.Flags().GetUint32("dst")
		pipe, _ := cmd.Flags().GetUint8("pipe")
		flagIA, _ := cmd.Flags().GetUint32("ia")
		notify, _ := cmd.Flags().GetBool("notify")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		ia := localIA(flagIA, cfg, true)
		conn, err := link.DialWS(ctx, hubURL, ia, nil)
		if err != nil {
			return err
		}
		defer conn.Close()

		mux, err := buildMux(cfg, ia, conn, nil)
		if err != nil {
			return err
		}
		conn.SetReceiver(mux)
		e, err := pipeEngine(mux, cfg, pipe)
		if err != nil {
			return err
		}
		go mux.Run(ctx)

		if notify {
			out, err := e.Notify(ctx, dst, []byte(args[0]))
			if err != nil {
				return err
			}
			pterm.Success.Printfln("notification %s", out)
			return nil
		}

		reply, err := e.Request(ctx, dst, []byte(args[0]))
		if err != nil {
			return errors.New(describeError(err))
		}
		pterm.Success.Println(string(reply))
		return nil
	},
}
