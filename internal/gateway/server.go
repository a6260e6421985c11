package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cjp0116/discord/internal/chat"
	"github.com/cjp0116/discord/internal/gateway/middleware"
	"github.com/cjp0116/discord/internal/identity"
	"github.com/cjp0116/discord/pkg/config"
	"github.com/cjp0116/discord/pkg/transport"
)

// App wires the gateway behind an HTTP server: /ws for upgrades,
// /metrics and /healthz for operations.
type App struct {
	logger  *slog.Logger
	gateway *Gateway
	config  *config.Config
	wg      sync.WaitGroup
	http    *http.Server

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, chatSvc *chat.Service, verifier identity.Verifier) *App {
	registry := NewRegistry(logger)
	promReg := prometheus.NewRegistry()
	gw := New(logger, registry, chatSvc, verifier, promReg)

	app := &App{
		logger:  logger,
		gateway: gw,
		config:  cfg,
		ctx:     rootCtx,
	}

	connCycler := func(ip string) {
		oldest, found := registry.OldestConnection(ip)
		if found {
			logger.Info("Cycling connection: closing oldest",
				slog.String("ip", ip), slog.String("connID", oldest.ID.String()))
			oldest.sender.Close(errors.New("connection cycled by new connection"))
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewConnectionLimiter(
				logger,
				registry.ConnectionCount,
				connCycler,
				cfg.Server.ConnectionLimit,
			),
		),
	)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return rootCtx
		},
	}
	return app
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConn(
		r.Context(),
		&a.wg,
		wsConn,
		transport.Config{ReadTimeout: a.config.Transport.ReadTimeout},
		a.logger,
	)
	a.gateway.Registry().Register(conn.ID(), reqMeta.IP, conn)
	a.gateway.metrics.ActiveConnections.Inc()

	conn.SetOnMessage(a.gateway.HandleFrame)
	conn.SetOnClose(a.gateway.OnDisconnect)

	a.logger.Info("Connection established",
		slog.String("remoteAddr", reqMeta.IP), slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

// Shutdown runs the graceful shutdown sequence: stop accepting, close
// every active connection, wait for their goroutines to finish.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("Closing all active connections...")
	for _, sess := range a.gateway.Registry().All() {
		sess.sender.Close(errors.New("graceful shutdown"))
	}

	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
