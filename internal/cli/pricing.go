package cli

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/creditgate/internal/app/surge"
)

func init() {
	rootCmd.AddCommand(pricingCmd)
	pricingCmd.Flags().String("date", "", "Date to price (YYYY-MM-DD, default today)")
}

var pricingCmd = &cobra.Command{
	Use:   "pricing",
	Short: "Show surge pricing for a date",
	Args:  cobra.NoArgs,
	RunE:  runPricing,
}

func runPricing(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	at := time.Now()
	if v, _ := cmd.Flags().GetString("date"); v != "" {
		at, err = time.ParseInLocation(time.DateOnly, v, time.Local)
		if err != nil {
			return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
		}
	}

	info := surge.PricingInfo(at, cfg.SurgeConfig())
	out := cmd.OutOrStdout()
	state := "normal"
	if info.IsSurge {
		state = "SURGE"
	}
	fmt.Fprintf(out, "Date:        %s\n", at.Format(time.DateOnly))
	fmt.Fprintf(out, "Period:      %s\n", state)
	fmt.Fprintf(out, "Multiplier:  %gx\n", info.Multiplier)
	fmt.Fprintf(out, "Priority:    %s\n", info.Priority)
	fmt.Fprintf(out, "Window:      %s to %s\n",
		info.WindowStart.Format(time.DateOnly), info.WindowEnd.Format(time.DateOnly))
	fmt.Fprintf(out, "Next change: %d day(s)\n", info.DaysToChange)
	return nil
}

// splitAddr parses host:port.
func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", addr)
	}
	return host, port, nil
}
