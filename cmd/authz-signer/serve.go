package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	signerapi "github.com/aegis-sign/authzsigner/internal/api"
	"github.com/aegis-sign/authzsigner/internal/composer"
	"github.com/aegis-sign/authzsigner/internal/config"
	"github.com/aegis-sign/authzsigner/internal/facade"
	"github.com/aegis-sign/authzsigner/internal/infra/chainclient"
	"github.com/aegis-sign/authzsigner/internal/infra/kvstore"
	"github.com/aegis-sign/authzsigner/internal/infra/relayclient"
	"github.com/aegis-sign/authzsigner/internal/infra/rpcconn"
	"github.com/aegis-sign/authzsigner/internal/logging"
	"github.com/aegis-sign/authzsigner/internal/notify"
	"github.com/aegis-sign/authzsigner/internal/reconnect"
	"github.com/aegis-sign/authzsigner/internal/relay"
	"github.com/aegis-sign/authzsigner/internal/session"
	"github.com/aegis-sign/authzsigner/internal/signer/extension"
	"github.com/aegis-sign/authzsigner/internal/signer/remote"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the signer HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath, flags.envFiles...)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	reg := prometheus.DefaultRegisterer

	kv, closeKV, err := kvstore.Open(ctx, cfg.KV)
	if err != nil {
		return err
	}
	defer func() { _ = closeKV() }()

	connMetrics := rpcconn.NewMetrics(reg)
	relayMetrics := relayclient.NewMetrics(reg)
	holder := relay.NewHolder(func(ctx context.Context) (relay.Client, error) {
		return relayclient.Dial(ctx, cfg.Relay,
			relayclient.WithLogger(logger.WithField("component", "relay")),
			relayclient.WithMetrics(relayMetrics, connMetrics),
		)
	}, relay.WithHolderLogger(logger))

	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.Chain.DialTimeout+time.Second)
	chain, err := chainclient.Dial(dialCtx, cfg.Chain,
		chainclient.WithLogger(logger.WithField("component", "chain")),
		chainclient.WithMetrics(chainclient.NewMetrics(reg)),
	)
	cancelDial()
	if err != nil {
		return err
	}
	defer func() { _ = chain.Close() }()

	broadcaster, err := composer.NewBroadcaster(chain, cfg.Composer,
		composer.WithLogger(logger.WithField("component", "composer")),
		composer.WithMetrics(composer.NewMetrics(reg)),
	)
	if err != nil {
		return err
	}

	var notifier notify.Notifier = notify.Log{Logger: logger}
	if cfg.NATS.URL != "" {
		natsNotifier, closeNATS, err := notify.ConnectNATS(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			return err
		}
		defer closeNATS()
		notifier = notify.Multi{notifier, natsNotifier}
	}

	var provider extension.Provider
	if cfg.Extension.Bridge.URL != "" {
		bridge := extension.NewBridgeProvider(cfg.Extension.Bridge, logger.WithField("component", "extension"), connMetrics)
		defer func() { _ = bridge.Close() }()
		provider = bridge
	}

	store := session.New(kv, holder, logger)
	ctrl := reconnect.New(cfg.Reconnect, store, holder,
		reconnect.WithLogger(logger.WithField("component", "reconnect")),
		reconnect.WithMetrics(reconnect.NewMetrics(reg)),
	)
	signer := facade.New(cfg.Facade, facade.Deps{
		Store:       store,
		Holder:      holder,
		Controller:  ctrl,
		Remote:      remote.New(holder, cfg.Remote, remote.WithLogger(logger.WithField("component", "remote"))),
		Extension:   provider,
		Composer:    composer.New(cfg.Composer),
		Broadcaster: broadcaster,
		Notifier:    notifier,
	}, facade.WithLogger(logger), facade.WithMetrics(facade.NewMetrics(reg)))
	defer func() { _ = signer.Close() }()

	initCtx, cancelInit := context.WithTimeout(ctx, 30*time.Second)
	signer.Reinitialize(initCtx)
	cancelInit()

	mux := http.NewServeMux()
	opts := []signerapi.HTTPOption{
		signerapi.WithLogger(logger.WithField("component", "http")),
		signerapi.WithRequestTimeout(cfg.HTTP.RequestTimeout),
	}
	if cfg.HTTP.Debug {
		opts = append(opts, signerapi.WithRelayDebug(func(ctx context.Context) (relay.DebugSnapshot, error) {
			return relay.Debug(ctx, holder, time.Now())
		}))
	}
	signerapi.NewHTTPHandler(signer, opts...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

