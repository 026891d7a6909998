package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tutu-network/creditgate/internal/daemon"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Override the listen address (host:port)")
	serveCmd.Flags().Bool("worker", false, "Run the in-process worker executor")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admission API server",
	Long: `Start the HTTP API. SIGINT or SIGTERM shut down gracefully; SIGHUP reloads
the surge window and the default balance from the config file.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if err := daemon.SetupLogging(cfg.Log); err != nil {
		return err
	}

	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		host, port, err := splitAddr(addr)
		if err != nil {
			return err
		}
		cfg.API.Host, cfg.API.Port = host, port
	}
	if worker, _ := cmd.Flags().GetBool("worker"); worker {
		cfg.Worker.Enabled = true
	}

	d, err := daemon.New(cfg, path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx, nil)
}
