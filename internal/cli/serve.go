package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tutu-network/monitor/internal/monitor/config"
	"github.com/tutu-network/monitor/internal/monitor/runner"
	"github.com/tutu-network/monitor/internal/monitor/ui"
)

func init() {
	serveCmd.Flags().StringVar(&confPath, "conf", "", "Path to config file (defaults to the OS config dir, suffix-searched; - for stdin)")
	rootCmd.AddCommand(serveCmd)
}

var confPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a monitor node",
	Long:  `Start one node of the federated monitor service: Observer Server, Observer Master, and (if parents are configured) Observer Slave.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	path, err := config.Resolve(confPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	r := runner.New(runner.Config{
		ServerAddr:        cfg.ServerAddr(),
		DefaultRank:       cfg.Server.DefaultRank,
		MasterAddr:        cfg.MasterAddr(),
		DefaultAlgorithm:  cfg.DefaultAlgorithm,
		GroupAlgorithms:   cfg.GroupAlgorithmsTyped(),
		Parents:           cfg.Slave.Parents,
		ConnectTimeout:    durationFromSeconds(cfg.Slave.ConnectTimeout),
		ConnectRetryCount: cfg.Slave.ConnectRetryCount,
		ConnectRetryDelay: durationFromSeconds(cfg.Slave.ConnectRetryDelay),
	})

	var uiServer *http.Server
	if addr := cfg.UIAddr(); addr != "" {
		uiSrv := ui.New(r)
		r.UI = uiSrv

		mux := http.NewServeMux()
		mux.Handle("/", uiSrv.Handler())
		mux.Handle("/metrics", promhttp.Handler())
		uiServer = &http.Server{Addr: addr, Handler: mux, IdleTimeout: 2 * time.Minute}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if uiServer != nil {
		go func() {
			log.Printf("[cli] ui listening on http://%s", uiServer.Addr)
			if err := uiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("[cli] ui server error: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = uiServer.Shutdown(shutdownCtx)
		}()
	}

	fmt.Printf("monitord serving: server=%s master=%s\n", cfg.ServerAddr(), cfg.MasterAddr())
	if err := r.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
