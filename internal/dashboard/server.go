// Package dashboard serves the dingline HTTP API: health, connection status,
// Prometheus metrics, manual send and recall, journal queries and a
// server-sent event feed of the bus.
package dashboard

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/dingline/internal/metrics"
	"github.com/zulandar/dingline/internal/telegraph"
	"go.uber.org/zap"
)

// defaultHost keeps the send and recall routes off external interfaces
// unless configured otherwise.
const defaultHost = "127.0.0.1"

// shutdownTimeout bounds graceful shutdown; open SSE streams are cut after it.
const shutdownTimeout = 5 * time.Second

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Adapter telegraph.Adapter   // required
	Bus     *telegraph.EventBus // optional; enables /events
	Journal *telegraph.Journal  // optional; enables /journal
	Metrics *metrics.Metrics    // optional; enables /metrics
	Host    string              // bind address; defaults to 127.0.0.1
	Port    int
	Token   string // when set, every route but /healthz needs "Authorization: Bearer <Token>"
	Logger  *zap.Logger
	Out     io.Writer
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Host == "" {
		opts.Host = defaultHost
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://%s\n", addr)
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine without starting a listener.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("dashboard: adapter is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), opts.Metrics.Middleware())

	router.GET("/healthz", handleHealthz)
	api := router.Group("/")
	if opts.Token != "" {
		api.Use(requireToken(opts.Token))
	}
	registerRoutes(api, &server{
		adapter: opts.Adapter,
		bus:     opts.Bus,
		journal: opts.Journal,
		metrics: opts.Metrics,
		logger:  logger.Named("dashboard"),
	})
	return router, nil
}

// requireToken rejects requests without the bearer token.
func requireToken(token string) gin.HandlerFunc {
	want := []byte("Bearer " + token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.Header("WWW-Authenticate", `Bearer realm="dingline"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

type server struct {
	adapter telegraph.Adapter
	bus     *telegraph.EventBus
	journal *telegraph.Journal
	metrics *metrics.Metrics
	logger  *zap.Logger

	heartbeat time.Duration // zero means sseHeartbeat
}
