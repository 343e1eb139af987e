package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	shttp "github.com/panyam/sockshare/http"
	"github.com/panyam/sockshare/metrics"
	"github.com/panyam/sockshare/share"
	"github.com/panyam/sockshare/wsock"
	"github.com/panyam/sockshare/wsurl"
)

func watchCmd(ctx context.Context) *cobra.Command {
	var flags flagValues
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open consumers for each target and log their traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := LoadConfig(flags.config)
			if err != nil {
				return err
			}
			flags.apply(cmd.Flags(), config)
			if err := config.Validate(); err != nil {
				return err
			}
			return runWatch(cmd.Context(), config)
		},
	}
	bindFlags(cmd.Flags(), &flags)
	return cmd
}

func runWatch(ctx context.Context, config *Config) error {
	if level, err := zerolog.ParseLevel(config.LogLevel); err == nil && config.LogLevel != "" {
		zerolog.SetGlobalLevel(level)
	}

	mets := metrics.New(prometheus.NewRegistry())
	transport := wsock.NewGorillaTransport(config.Transport.wsock())
	transport.Limiter = config.Transport.limiter()
	m := share.NewManager(share.Config{
		Transport: transport,
		Metrics:   mets,
	})
	defer m.Close()

	for _, target := range config.Targets {
		if err := startTarget(m, target); err != nil {
			return err
		}
	}

	r := mux.NewRouter()
	status := &shttp.StatusHandler{Manager: m}
	status.Register(r.PathPrefix("/status").Subrouter())
	r.Handle("/metrics", mets.Handler())

	srv := &http.Server{Addr: config.Listen, Handler: r}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", config.Listen).Int("targets", len(config.Targets)).Msg("wsshare watching")
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != http.ErrServerClosed {
			return err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info().Msg("wsshare shutting down")
	return srv.Shutdown(shutdownCtx)
}

func startTarget(m *share.Manager, target Target) error {
	url := target.URL
	if !target.SocketIO {
		url = wsurl.Normalize(url)
	}
	for i := 0; i < target.consumers(); i++ {
		c := m.NewConsumer(wsurl.Static(url), target.options())
		logger := log.With().Str("consumer", c.ID()).Str("url", url).Logger()
		opts := c.Options()
		opts.OnOpen = func() { logger.Info().Msg("open") }
		opts.OnClose = func(ev wsock.CloseEvent) {
			logger.Info().Int("code", ev.Code).Str("reason", ev.Reason).Bool("clean", ev.WasClean).Msg("closed")
		}
		opts.OnError = func(err error) { logger.Warn().Err(err).Msg("socket error") }
		opts.OnMessage = func(msg wsock.Message) {
			logger.Debug().Str("data", preview(msg)).Msg("message")
		}
		opts.OnReconnectStop = func(attempts int) {
			logger.Error().Int("attempts", attempts).Msg("giving up reconnecting")
		}
		if err := c.SetOptions(opts); err != nil {
			return err
		}
		for _, text := range target.Send {
			if err := c.SendText(text); err != nil {
				return err
			}
		}
		if err := c.Activate(); err != nil {
			return err
		}
	}
	return nil
}

func preview(msg wsock.Message) string {
	if msg.Type != wsock.TextMessage {
		return "<binary>"
	}
	if len(msg.Data) > 120 {
		return string(msg.Data[:120]) + "..."
	}
	return string(msg.Data)
}
