// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"github.com/emiago/callbridge"
	"github.com/emiago/callbridge/config"
	"github.com/emiago/callbridge/dialplan"
	"github.com/emiago/callbridge/media"
	"github.com/emiago/callbridge/registrar"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve SIP requests",
	Long: `Serve SIP requests on configured transport until interrupted.

Examples:
  callbridge serve                          # defaults, listens on 127.0.0.1:5060
  callbridge serve -c callbridge.yaml       # with config file
  CALLBRIDGE_SIP_LISTEN=0.0.0.0:5080 callbridge serve
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}

		if closer := setupLogger(cfg.Log); closer != nil {
			defer closer.Close()
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		if err := serve(ctx, cfg); err != nil {
			log.Error().Err(err).Msg("Server finished with error")
			return err
		}
		return nil
	},
}

const allowedMethods = "INVITE, ACK, BYE, CANCEL, REGISTER, OPTIONS"

func serve(ctx context.Context, cfg *config.Config) error {
	listen := netip.MustParseAddrPort(cfg.SIP.Listen)
	host := cfg.SIP.ExternalHost
	if host == "" {
		host = listen.Addr().String()
	}
	contact := sip.Uri{Scheme: "sip", User: "callbridge", Host: host, Port: int(listen.Port())}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.SIP.UserAgent))
	if err != nil {
		return fmt.Errorf("failed to create user agent: %w", err)
	}
	defer ua.Close()

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientNAT())
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	ports, err := media.NewPortAllocator(cfg.Media.PortStart, cfg.Media.PortEnd)
	if err != nil {
		return err
	}
	engine := media.NewEngine(media.WithEngineLogger(log.Logger.With().Str("caller", "media").Logger()))
	defer func() {
		if err := engine.Close(); err != nil {
			log.Error().Err(err).Msg("Closing media engine")
		}
	}()

	store := registrar.NewLocationStore(cfg.Registrar.MinExpires, cfg.Registrar.MaxExpires)
	regOpts := []registrar.Option{registrar.WithLogger(log.Logger.With().Str("caller", "registrar").Logger())}
	if len(cfg.Registrar.Users) > 0 {
		users := cfg.Registrar.Users
		regOpts = append(regOpts, registrar.WithDigestAuth(registrar.NewDigestServer(cfg.Registrar.Realm, func(username string) (string, bool) {
			pass, ok := users[username]
			return pass, ok
		})))
	}
	registry := registrar.New(store, regOpts...)

	ctl, err := callbridge.New(callbridge.NewRegistry(), engine, callbridge.NewSipgoOutbound(client, log.Logger),
		callbridge.WithLogger(log.Logger),
		callbridge.WithPorts(ports),
		callbridge.WithMediaIP(netip.MustParseAddr(cfg.Media.IP)),
		callbridge.WithContact(contact),
		callbridge.WithInterval(cfg.Controller.Interval),
		callbridge.WithTerminatedTTL(cfg.Controller.TerminatedTTL),
		callbridge.WithByeTimeout(cfg.Controller.ByeTimeout),
		callbridge.WithBridgeTimeout(cfg.Controller.BridgeTimeout),
		callbridge.WithDefaultRoutes(callbridge.Routes{Answer: cfg.Controller.AnswerRoute, Bridge: cfg.Controller.BridgeRoute}),
		callbridge.WithMetrics(callbridge.NewMetrics(prometheus.DefaultRegisterer)),
	)
	if err != nil {
		return err
	}

	plan, err := cfg.Plan()
	if err != nil {
		return err
	}
	runnerOpts := []dialplan.RunnerOption{dialplan.WithRunnerLogger(log.Logger.With().Str("caller", "dialplan").Logger())}
	if cfg.Registrar.Enabled {
		runnerOpts = append(runnerOpts, dialplan.WithResolver(registry))
	}
	runner := dialplan.NewRunner(plan, ctl, runnerOpts...)
	ctl.SetRouter(runner)

	registerHandlers(srv, ctl, runner, registry, cfg.Registrar.Enabled)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := ctl.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		purgeBindings(ctx, store)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("transport", cfg.SIP.Transport).Str("listen", cfg.SIP.Listen).Str("contact", contact.String()).Msg("Serving SIP requests")
		err := srv.ListenAndServe(ctx, cfg.SIP.Transport, cfg.SIP.Listen)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics.Listen)
		})
	}
	return g.Wait()
}

func registerHandlers(srv *sipgo.Server, ctl *callbridge.Controller, runner *dialplan.Runner, registry *registrar.Registrar, registrarEnabled bool) {
	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		var sig callbridge.Signal
		if isReInvite(req) {
			sig = ctl.ReInvite(req, tx)
		} else {
			sig = runner.HandleInvite(req, tx)
		}
		if sig == callbridge.SignalDrop {
			return
		}
		// Transaction is answered by controller later. Keep it alive until it terminates.
		<-tx.Done()
		// Transaction layer answers CANCEL on its own, controller must still drop the call.
		// Answered calls are left alone.
		ctl.Cancel(req, nil)
	})

	srv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		ctl.Ack(req)
	})

	srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		ctl.Hangup(req, tx)
	})

	srv.OnCancel(func(req *sip.Request, tx sip.ServerTransaction) {
		ctl.Cancel(req, tx)
	})

	srv.OnRegister(func(req *sip.Request, tx sip.ServerTransaction) {
		if !registrarEnabled {
			res := sip.NewResponseFromRequest(req, 405, "Method Not Allowed", nil)
			res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
			if err := tx.Respond(res); err != nil {
				log.Error().Err(err).Msg("Failed to respond REGISTER")
			}
			return
		}
		if err := registry.HandleRegister(req, tx); err != nil {
			log.Error().Err(err).Msg("Error handling REGISTER")
		}
	})

	srv.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
		if err := tx.Respond(res); err != nil {
			log.Error().Err(err).Msg("Failed to respond OPTIONS")
		}
	})
}

func isReInvite(req *sip.Request) bool {
	to := req.To()
	if to == nil {
		return false
	}
	_, ok := to.Params.Get("tag")
	return ok
}

func purgeBindings(ctx context.Context, store *registrar.LocationStore) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := store.Purge(); n > 0 {
				log.Debug().Int("count", n).Msg("Expired bindings removed")
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	hs := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}()

	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
