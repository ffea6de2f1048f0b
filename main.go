package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/auth"
	"github.com/example/face-pipeline/internal/bootstrap"
	"github.com/example/face-pipeline/internal/config"
	"github.com/example/face-pipeline/internal/handlers"
	"github.com/example/face-pipeline/internal/httpclient"
	"github.com/example/face-pipeline/internal/logging"
	"github.com/example/face-pipeline/internal/metrics"
	"github.com/example/face-pipeline/internal/registry"
)

type role func(ctx context.Context, args []string) error

var roles = map[string]role{
	"registry":    runRegistry,
	"identity":    runIdentity,
	"users":       runUsers,
	"resources":   runResources,
	"gateway":     runGateway,
	"detector":    runDetector,
	"worker":      runWorker,
	"model":       runModel,
	"registryctl": runRegistryCtl,
	"identityctl": runIdentityCtl,
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	run, ok := roles[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	names := make([]string, 0, len(roles))
	for name := range roles {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(os.Stderr, "usage: %s <command> [flags]\n\ncommands:\n", os.Args[0])
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %s\n", name)
	}
}

// peers is what a role learns during startup: its own credential and the
// locations of the services it talks to.
type peers struct {
	self      *bootstrap.Identity
	locations map[string]registry.ServiceLocation
	http      *http.Client
}

// endpoint returns the HTTP endpoint of a resolved peer.
func (p *peers) endpoint(name string) httpclient.Endpoint {
	return httpclient.Endpoint{BaseURL: p.locations[name].URL(), ServiceName: name}
}

// requireService verifies incoming service tokens with the secret handed out
// by the identity broker.
func (p *peers) requireService() (gin.HandlerFunc, error) {
	tokens, err := auth.NewServiceTokens(p.self.SigningSecret(), 0)
	if err != nil {
		return nil, err
	}
	return auth.ServiceMiddleware(tokens), nil
}

// listenAddr prefers the configured address and falls back to the port the
// registry holds for the role itself.
func (p *peers) listenAddr(cfg config.Common) string {
	if cfg.ListenAddr != "" {
		return cfg.ListenAddr
	}
	return fmt.Sprintf(":%d", p.locations[cfg.ServiceName].ServicePort)
}

// connect obtains the service credential and resolves names. When the role
// serves HTTP without an explicit listen address its own entry is resolved
// too.
func connect(ctx context.Context, cfg config.Common, names []string, serves bool, logger *zap.Logger) (*peers, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	identityClient := httpclient.NewIdentityClient(httpclient.Endpoint{BaseURL: cfg.IdentityURL, ServiceName: config.IdentityService}, client)
	self, err := bootstrap.Obtain(ctx, identityClient, cfg.ServiceName, cfg.ServiceSecret, cfg.Retry, logger)
	if err != nil {
		return nil, err
	}

	lookup := append([]string(nil), names...)
	if serves && cfg.ListenAddr == "" {
		lookup = append(lookup, cfg.ServiceName)
	}
	p := &peers{self: self, locations: map[string]registry.ServiceLocation{}, http: client}
	if len(lookup) == 0 {
		return p, nil
	}
	registryClient := httpclient.NewRegistryClient(httpclient.Endpoint{BaseURL: cfg.RegistryURL, ServiceName: config.RegistryService}, self, client)
	p.locations, err = bootstrap.Resolve(ctx, registryClient, lookup, cfg.Retry, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// newRouter builds the gin engine shared by every HTTP role. Client IPs come
// from X-Forwarded-For only when the peer is one of trustedProxies.
func newRouter(logger *zap.Logger, m *metrics.Metrics, trustedProxies []string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	r.Use(gin.Recovery(), logging.GinMiddleware(logger), m.GinMiddleware(), handlers.LimitBody())
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterHealth(r, m.Handler())
	return r, nil
}

func serve(addr string, handler http.Handler, shutdownTimeout time.Duration, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("listening", zap.String("addr", addr))
	return serveHTTPServer(server, shutdownTimeout, logger)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

// shutdownOnDone stops server once ctx is done. Used by roles whose main loop
// is not the HTTP server.
func shutdownOnDone(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) <-chan error {
	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		signalCh <- syscall.SIGTERM
	}()
	go func() {
		done <- serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, signalCh)
	}()
	return done
}
