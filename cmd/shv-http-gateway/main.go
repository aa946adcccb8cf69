// Command shv-http-gateway exposes an SHV broker over HTTP. Each login opens
// a dedicated broker connection owned by a session; RPC calls and signal
// subscriptions then travel over that connection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/shv-http-gateway/gatewayhttp"
	"github.com/ggoodman/shv-http-gateway/internal/config"
	"github.com/ggoodman/shv-http-gateway/internal/metrics"
	"github.com/ggoodman/shv-http-gateway/sessions"
	"github.com/ggoodman/shv-http-gateway/shvrpc"
	"github.com/ggoodman/shv-http-gateway/shvrpc/memorybroker"
	"github.com/ggoodman/shv-http-gateway/shvrpc/redisbroker"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "shv-http-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("shv-http-gateway", flag.ContinueOnError)
	fs.SetOutput(stderr)
	showVersion := fs.Bool("version", false, "print the version and exit")
	envFile := fs.String("env-file", ".env", "file with environment variables to load first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Fprintln(stdout, version)
		return nil
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}
	log, err := cfg.Logger(stderr)
	if err != nil {
		return err
	}
	log.Info("gateway.start", slog.String("version", version), slog.Any("config", cfg))

	brokerURL, err := cfg.Broker()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dialer, closeDialer, err := newDialer(ctx, brokerURL, log)
	if err != nil {
		return err
	}
	defer closeDialer()

	m := metrics.New()
	mgr, err := sessions.NewManager(dialer, sessions.ManagerConfig{
		BrokerURL:         stripCredentials(brokerURL),
		MaxUserSessions:   cfg.MaxUserSessions,
		SessionTimeout:    cfg.SessionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            log,
		Metrics:           m,
	})
	if err != nil {
		return err
	}

	h, err := gatewayhttp.New(mgr,
		gatewayhttp.WithLogger(log),
		gatewayhttp.WithMetrics(m),
		gatewayhttp.WithStaticDir(cfg.WebspyDir),
	)
	if err != nil {
		mgr.Close()
		return err
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		mgr.Close()
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	log.Info("http.listen", slog.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("gateway.shutdown")
		// Ending the sessions first closes every open event stream.
		mgr.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	log.Info("gateway.stop")
	return err
}

// newDialer picks the connection provider for the broker URL scheme. The
// returned func releases its resources.
func newDialer(ctx context.Context, u *url.URL, log *slog.Logger) (shvrpc.Dialer, func(), error) {
	switch u.Scheme {
	case "memory":
		b := demoBroker()
		go emitDemoSignals(ctx, b, 100*time.Millisecond)
		log.Warn("broker.memory", slog.String("detail", "in-process demo broker with users admin and test"))
		return b, func() {}, nil
	case "redis", "rediss":
		b, err := redisbroker.NewFromURL(u)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}

const demoNodePath = "test/device/value"

// demoBroker mounts a node that echoes its parameter.
func demoBroker() *memorybroker.Broker {
	b := memorybroker.New(
		memorybroker.WithUser("admin", "admin"),
		memorybroker.WithUser("test", "test"),
	)
	b.Mount(demoNodePath, map[string]shvrpc.MethodHandler{
		"echo": func(_ context.Context, p shvrpc.Value) (shvrpc.Value, error) {
			if p == nil {
				return shvrpc.MustValue(nil), nil
			}
			return p, nil
		},
	})
	return b
}

func emitDemoSignals(ctx context.Context, b *memorybroker.Broker, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	param := shvrpc.MustValue(42)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.Signal(demoNodePath, "get", "event", param)
		}
	}
}

func stripCredentials(u *url.URL) *url.URL {
	c := *u
	c.User = nil
	return &c
}
