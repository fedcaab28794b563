package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ineyio/tokenmeter"
	"github.com/ineyio/tokenmeter/meter"
)

func newSweepCmd(a *app) *cobra.Command {
	var (
		once        bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire reservations abandoned past their deadline",
		Long: `Expire OPEN reservations whose deadline has passed, returning their tokens
to the spendable balance. Runs until interrupted unless --once is set.
Interval, grace and batch size come from the sweeper section of --config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			cfg, err := a.config()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(contextOf(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			l, err := a.openLedger(ctx)
			if err != nil {
				return err
			}

			meters := meter.Multi{meter.NewLogMeter(a.logger)}
			if metricsAddr != "" {
				reg := prometheus.NewRegistry()
				meters = append(meters, meter.NewPromMeter(reg))
				shutdown, err := serveMetrics(ctx, metricsAddr, reg)
				if err != nil {
					return err
				}
				defer shutdown()
			}

			s := tokenmeter.NewSweeper(l, cfg.Sweeper,
				tokenmeter.WithSweeperMeter(meters),
				tokenmeter.WithSweeperLogger(a.logger),
			)

			if once {
				n, err := s.SweepOnce(ctx)
				if err != nil {
					return err
				}
				a.printf("expired %d reservations\n", n)
				return nil
			}

			a.logger.Info("sweeper started", "interval", cfg.Sweeper.Interval, "grace", *cfg.Sweeper.Grace)
			if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			a.logger.Info("sweeper stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9464)")
	return cmd
}

// serveMetrics exposes reg on addr/metrics until the returned func is called.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()

	return func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}, nil
}
