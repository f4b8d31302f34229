// Package cli implements terminalctl, the operator tool for the terminal service.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const (
	defaultURL     = "http://localhost:8090"
	envURL         = "TERMINALCTL_URL"
	envToken       = "TERMINALCTL_TOKEN"
	requestTimeout = 30 * time.Second
)

type options struct {
	url   string
	token string
}

// NewRootCommand builds the terminalctl command tree writing results to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "terminalctl",
		Short:         "Operate the fuel terminal service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.url, "url", envOr(envURL, defaultURL), "terminal service base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv(envToken), "kiosk bearer token")

	client := func() *apiClient {
		return newAPIClient(opts.url, opts.token, requestTimeout)
	}

	root.AddCommand(
		newScanCmd(client),
		newHeartbeatCmd(client),
		newPinCmd(client),
		newDispenseCmd(client),
		newBayCmd(client),
		newTokenCmd(),
	)
	return root
}

// Execute runs terminalctl against os.Args.
func Execute() error {
	return NewRootCommand(os.Stdout).Execute()
}

func newScanCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:       "scan [gate-entry|fuel-bay|gate-exit] [payload]",
		Short:     "Submit a QR payload for a checkpoint",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"gate-entry", "fuel-bay", "gate-exit"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "gate-entry", "fuel-bay", "gate-exit":
			default:
				return fmt.Errorf("unknown stage %q", args[0])
			}
			data, err := client().call(cmd.Context(), http.MethodPost, "/scan/"+args[0], map[string]string{"payload": args[1]})
			return printJSON(cmd, data, err)
		},
	}
}

func newHeartbeatCmd(client func() *apiClient) *cobra.Command {
	var present bool
	cmd := &cobra.Command{
		Use:   "heartbeat [slot]",
		Short: "Send a presence sensor reading",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := client().call(cmd.Context(), http.MethodPost, "/presence/heartbeat", map[string]interface{}{
				"slot":    args[0],
				"present": present,
			})
			return printJSON(cmd, data, err)
		},
	}
	cmd.Flags().BoolVar(&present, "present", true, "whether the sensor sees a truck")
	return cmd
}

func newPinCmd(client func() *apiClient) *cobra.Command {
	pin := &cobra.Command{
		Use:   "pin",
		Short: "Fuel PIN operations",
	}
	pin.AddCommand(
		&cobra.Command{
			Use:   "request [order-id]",
			Short: "Issue a fuel PIN to the driver",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				data, err := client().call(cmd.Context(), http.MethodPost, "/pin/request", map[string]string{"order_id": args[0]})
				return printJSON(cmd, data, err)
			},
		},
		&cobra.Command{
			Use:   "verify [order-id] [pin]",
			Short: "Verify a fuel PIN",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				data, err := client().call(cmd.Context(), http.MethodPost, "/pin/verify", map[string]string{
					"order_id": args[0],
					"pin":      args[1],
				})
				return printJSON(cmd, data, err)
			},
		},
	)
	return pin
}

func newDispenseCmd(client func() *apiClient) *cobra.Command {
	var driverID string
	cmd := &cobra.Command{
		Use:   "dispense [order-id]",
		Short: "Send the planned volume to the dispenser",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := client().call(cmd.Context(), http.MethodPost, "/dispense", map[string]string{
				"order_id":  args[0],
				"driver_id": driverID,
			})
			return printJSON(cmd, data, err)
		},
	}
	cmd.Flags().StringVar(&driverID, "driver", "", "driver id to check against the order")
	return cmd
}

func newBayCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "bay [slot]",
		Short: "Show presence and the active session for a bay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := client().call(cmd.Context(), http.MethodGet, "/bays/status?slot="+url.QueryEscape(args[0]), nil)
			return printJSON(cmd, data, err)
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		secret  string
		kioskID string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a kiosk bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := MintKioskToken(secret, kioskID, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("TERMINAL_KIOSK_JWT_SECRET"), "HMAC secret shared with the service")
	cmd.Flags().StringVar(&kioskID, "kiosk", "", "kiosk id to embed")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// MintKioskToken signs an HS256 token carrying kiosk_id.
func MintKioskToken(secret, kioskID string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret is required")
	}
	if kioskID == "" {
		return "", fmt.Errorf("kiosk id is required")
	}
	claims := jwt.MapClaims{
		"kiosk_id": kioskID,
		"jti":      uuid.NewString(),
		"iat":      now.Unix(),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func printJSON(cmd *cobra.Command, data json.RawMessage, err error) error {
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if json.Indent(&buf, data, "", "  ") != nil {
		buf.Reset()
		buf.Write(data)
	}
	fmt.Fprintln(cmd.OutOrStdout(), buf.String())
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
