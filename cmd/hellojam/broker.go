package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/hellojam/internal/config"
	"github.com/dropDatabas3/hellojam/internal/observability/logger"
	"github.com/dropDatabas3/hellojam/internal/transport/wsnet"
)

func newBrokerCmd(cfg func() *config.Config) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Levanta el broker de rendezvous (websocket) para el diseño mesh",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			if addr != "" {
				c.Broker.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBroker(ctx, c)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "dirección de escucha (default broker.addr)")
	return cmd
}

func runBroker(ctx context.Context, c *config.Config) error {
	log := logger.Named("broker")
	b := wsnet.NewBroker(log)

	// Sin metrics.addr propio, /metrics cuelga del mismo router.
	var extra []func(chi.Router)
	if c.Metrics.Addr == "" {
		extra = append(extra, func(r chi.Router) { r.Handle("/metrics", promhttp.Handler()) })
	}
	servers := []*http.Server{{
		Addr:              c.Broker.Addr,
		Handler:           b.Routes(extra...),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if c.Metrics.Addr != "" {
		servers = append(servers, metricsServer(c.Metrics.Addr))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			log.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	})
	return g.Wait()
}

func metricsServer(addr string) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
}
