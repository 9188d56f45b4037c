package cmd

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/dcom/internal/signaling"
	"github.com/1ureka/dcom/internal/util"
)

func init() {
	joinCmd.Flags().String("url", "", "Host signaling URL including the PIN, e.g. ws://host:8800/ws?pin=123456")
	joinCmd.Flags().Uint32("dst", 1, "Interface address of the host")
	joinCmd.Flags().Uint8("pipe", 0, "Pipe to send on")
	joinCmd.Flags().Uint32("ia", 0, "Local interface address (derived when unset)")
	_ = joinCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(joinCmd)
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a host over WebRTC and send one request per stdin line",
	Long: `Connect to a host's signaling endpoint, bring up a WebRTC DataChannel,
then read standard input and send every line as a request, printing each reply.

Examples:
  dcom join --url ws://192.168.1.5:8800/ws?pin=123456
  echo ping | dcom join --url wss://example.devtunnels.ms/ws?pin=123456`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rawURL, _ := cmd.Flags().GetString("url")
		dst, _ := cmd.Flags().GetUint32("dst")
		pipe, _ := cmd.Flags().GetUint8("pipe")
		flagIA, _ := cmd.Flags().GetUint32("ia")

		wsURL, err := normalizeSignalingURL(rawURL)
		if err != nil {
			return err
		}
		ia := localIA(flagIA, cfg, true)

		dc, err := signaling.Join(ctx, wsURL, ia)
		if err != nil {
			return err
		}
		defer dc.Close()

		mux, err := buildMux(cfg, ia, dc, nil)
		if err != nil {
			return err
		}
		dc.SetReceiver(mux)
		e, err := pipeEngine(mux, cfg, pipe)
		if err != nil {
			return err
		}
		go mux.Run(ctx)

		util.LogSuccess("P2P link established as %08x, type a line to send it", ia)

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-dc.Done():
				util.LogInfo("host left")
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				reply, err := e.Request(ctx, dst, []byte(line))
				if err != nil {
					pterm.Error.Println(describeError(err))
					continue
				}
				pterm.Success.Println(string(reply))
			}
		}
	},
}

// normalizeSignalingURL checks a signaling URL and fills in the scheme and
// path the host serves.
func normalizeSignalingURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid signaling URL: %s", raw)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	if u.Query().Get("pin") == "" {
		return "", fmt.Errorf("signaling URL has no pin: %s", raw)
	}
	return u.String(), nil
}
