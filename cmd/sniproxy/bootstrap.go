package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/tternquist/dns-sni-gateway/internal/certstore"
	"github.com/tternquist/dns-sni-gateway/internal/config"
	"github.com/tternquist/dns-sni-gateway/internal/errbuf"
	"github.com/tternquist/dns-sni-gateway/internal/faults"
	"github.com/tternquist/dns-sni-gateway/internal/forwardlog"
	"github.com/tternquist/dns-sni-gateway/internal/health"
	"github.com/tternquist/dns-sni-gateway/internal/logging"
	"github.com/tternquist/dns-sni-gateway/internal/metrics"
	"github.com/tternquist/dns-sni-gateway/internal/quicaccept"
	"github.com/tternquist/dns-sni-gateway/internal/reader"
	"github.com/tternquist/dns-sni-gateway/internal/rewrite"
	"github.com/tternquist/dns-sni-gateway/internal/supervisor"
	"github.com/tternquist/dns-sni-gateway/internal/tlsaccept"
	"github.com/tternquist/dns-sni-gateway/internal/tracelog"
	"github.com/tternquist/dns-sni-gateway/internal/upstream"
)

func bindAddr(spec config.ListenerSpec) string {
	return net.JoinHostPort(spec.BindAddress, strconv.Itoa(int(spec.Port)))
}

// runServer loads configuration, binds every enabled listener, wires the
// protocol readers to a supervisor, and blocks until shutdown.
func runServer(configPath string) error {
	metrics.Init()

	cfg, err := config.Load(configPath)
	if err != nil {
		return &faults.ConfigError{Path: configPath, Err: err}
	}

	var logOut io.Writer = os.Stdout
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return &faults.ConfigError{Path: cfg.Logging.File, Err: err}
		}
		defer f.Close()
		logOut = f
	}
	logFormat := "text"
	if cfg.Logging.JSON {
		logFormat = "json"
	}
	logLevel := cfg.Logging.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		logLevel = env
	}
	logger := logging.NewLogger(logOut, logging.Config{Format: logFormat, Level: logLevel})

	trace := tracelog.New(cfg.Logging.TraceEvents)
	errBuf := errbuf.New(100)

	rewriteCfg, err := rewrite.NewConfig(cfg.Rewrite.BaseDomains, cfg.Rewrite.TargetSuffix)
	if err != nil {
		return &faults.ConfigError{Path: configPath, Err: err}
	}
	gate := reader.RewriteGate{Rewriter: rewrite.New(rewriteCfg), RejectUnmatched: cfg.Rewrite.RejectUnmatched}

	certs := make(map[string]certstore.Source, len(cfg.TLS.Certs))
	for domain, spec := range cfg.TLS.Certs {
		certs[domain] = certstore.Source{
			CertFile:          spec.CertFile,
			KeyFile:           spec.KeyFile,
			CAFile:            spec.CAFile,
			RequireClientCert: spec.RequireClientCert,
		}
	}
	var defaultSource *certstore.Source
	if cfg.TLS.Default.CertFile != "" {
		defaultSource = &certstore.Source{
			CertFile:          cfg.TLS.Default.CertFile,
			KeyFile:           cfg.TLS.Default.KeyFile,
			CAFile:            cfg.TLS.Default.CAFile,
			RequireClientCert: cfg.TLS.Default.RequireClientCert,
		}
	}
	store := certstore.New(certs, defaultSource)

	forwardLog, err := forwardlog.New(context.Background(), forwardlog.Options{
		Enabled:           cfg.ForwardLog.Enabled,
		Backend:           cfg.ForwardLog.Backend,
		Path:              cfg.ForwardLog.Path,
		AnonymizeClientIP: cfg.ForwardLog.AnonymizeClientIP,
		ClickHouseDSN:     cfg.ForwardLog.ClickHouse.DSN,
	}, logger)
	if err != nil {
		return &faults.ConfigError{Path: configPath, Err: err}
	}
	defer forwardLog.Close()

	sup := supervisor.New(supervisor.Config{
		DrainTimeout:   cfg.Supervisor.DrainTimeout.Duration,
		RestartBackoff: cfg.Supervisor.RestartBackoff.Duration,
	}, logger)

	onHandshakeFailure := func(addr net.Addr, err error) {
		var poisoned *faults.LockPoisonError
		if errors.As(err, &poisoned) {
			errBuf.Add("certstore", poisoned)
			logger.Error("certstore invariant violated", "remote", addr.String(), "err", err)
			return
		}
		errBuf.Add("tls", &faults.TlsError{ServerName: addr.String(), Err: err})
		logger.Warn("tls handshake failed", "remote", addr.String(), "err", err)
	}

	if cfg.Servers.DoT.Enabled {
		addr := bindAddr(cfg.Servers.DoT)
		inner, err := net.Listen("tcp", addr)
		if err != nil {
			return &faults.BindError{Listener: "dot", Addr: addr, Err: err}
		}
		ln := tlsaccept.New(inner, store, []string{"dot"}, onHandshakeFailure)
		sup.Add("dot", &reader.DoT{
			Listener:     ln,
			Gate:         gate,
			Upstream:     upstream.NewTlsTunnel(upstream.Options{}),
			UpstreamAddr: cfg.Upstream.Resolve("dot"),
			ForwardLog:   forwardLog,
			Logger:       logger,
			Trace:        trace,
		})
		logger.Info("dot listening", "addr", addr)
	}

	if cfg.Servers.DoH.Enabled {
		httpUp, err := upstream.NewHttp(cfg.Upstream.Resolve("doh"), upstream.Options{}, false)
		if err != nil {
			return &faults.ConfigError{Path: configPath, Err: err}
		}
		addr := bindAddr(cfg.Servers.DoH)
		inner, err := net.Listen("tcp", addr)
		if err != nil {
			return &faults.BindError{Listener: "doh", Addr: addr, Err: err}
		}
		ln := tlsaccept.New(inner, store, []string{"h2", "http/1.1"}, onHandshakeFailure)
		handler := reader.NewDoH("doh", gate, httpUp, forwardLog, logger)
		handler.Trace = trace
		sup.Add("doh", &reader.DoHServer{Listener: ln, Handler: handler})
		logger.Info("doh listening", "addr", addr)
	}

	var doqEndpoint, doh3Endpoint *quicaccept.Endpoint

	if cfg.Servers.DoQ.Enabled {
		addr := bindAddr(cfg.Servers.DoQ)
		ep, err := quicaccept.Listen(addr)
		if err != nil {
			return &faults.BindError{Listener: "doq", Addr: addr, Err: err}
		}
		doqEndpoint = ep
		ln, err := ep.ListenDoQ(store)
		if err != nil {
			return &faults.BindError{Listener: "doq", Addr: addr, Err: err}
		}
		sup.Add("doq", &reader.DoQ{
			Listener:     ln,
			Gate:         gate,
			Upstream:     upstream.NewQuic(upstream.Options{}),
			UpstreamAddr: cfg.Upstream.Resolve("doq"),
			ForwardLog:   forwardLog,
			Logger:       logger,
			Trace:        trace,
		})
		logger.Info("doq listening", "addr", addr)
	}

	if cfg.Servers.DoH3.Enabled {
		addr := bindAddr(cfg.Servers.DoH3)
		ep, err := quicaccept.Listen(addr)
		if err != nil {
			return &faults.BindError{Listener: "doh3", Addr: addr, Err: err}
		}
		doh3Endpoint = ep
		ln, err := ep.ListenDoH3(store)
		if err != nil {
			return &faults.BindError{Listener: "doh3", Addr: addr, Err: err}
		}
		httpUp, err := upstream.NewHttp(cfg.Upstream.Resolve("doh3"), upstream.Options{}, true)
		if err != nil {
			return &faults.ConfigError{Path: configPath, Err: err}
		}
		handler := reader.NewDoH("doh3", gate, httpUp, forwardLog, logger)
		handler.Trace = trace
		sup.Add("doh3", &reader.DoH3Server{Listener: ln, Handler: handler})
		logger.Info("doh3 listening", "addr", addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthSrv := health.New(health.Config{Path: cfg.Servers.Healthcheck.Path, ErrorBuffer: errBuf, Logger: logger})
	healthAddr := bindAddr(cfg.Servers.Healthcheck.ListenerSpec)
	healthListener, err := net.Listen("tcp", healthAddr)
	if err != nil {
		return &faults.BindError{Listener: "healthcheck", Addr: healthAddr, Err: err}
	}
	go func() {
		if err := health.Serve(ctx, healthListener, healthSrv.Handler(), logger); err != nil {
			logger.Error("health server error", "err", err)
		}
	}()
	logger.Info("healthcheck listening", "addr", healthAddr)

	runErr := sup.Run(ctx)

	if doqEndpoint != nil {
		_ = doqEndpoint.Close()
	}
	if doh3Endpoint != nil {
		_ = doh3Endpoint.Close()
	}

	if runErr != nil {
		return fmt.Errorf("supervisor: %w", runErr)
	}
	return nil
}
