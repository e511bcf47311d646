package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ToughenFlat/chatgpt-back/internal/app"
	"github.com/ToughenFlat/chatgpt-back/internal/chat"
	"github.com/ToughenFlat/chatgpt-back/internal/config"
	"github.com/ToughenFlat/chatgpt-back/internal/httpapi"
	"github.com/ToughenFlat/chatgpt-back/internal/httpapi/handlers"
	"github.com/ToughenFlat/chatgpt-back/internal/store/rabbitmq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	// async turns are optional; without a broker the endpoint reports an error
	var publisher chat.JobPublisher
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Printf("rabbitmq unavailable, async turns disabled: %v", err)
		} else {
			defer pub.Close()
			publisher = pub
		}
	}

	a, err := app.New(ctx, cfg, publisher)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(handlers.NewHandler(a.Service)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("http server listening addr=%s provider=%s", cfg.HTTPAddr, cfg.AIProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Printf("http server shutting down")
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		return a.Streams.Run(gctx, cfg.HandleSweepEvery)
	})
	g.Go(func() error {
		a.Monitor.RunOnce(gctx, a.Providers.Names()...)
		return a.Monitor.Run(gctx, cfg.KeyMonitorSchedule, a.Providers.Names()...)
	})
	return g.Wait()
}
