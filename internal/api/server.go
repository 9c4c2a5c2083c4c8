// Package api serves the bot's HTTP surface: the group webhooks, operator
// actions and a server-sent event stream of broadcast events.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/broadcast"
	"github.com/zulandar/signalbox/internal/controller"
	"github.com/zulandar/signalbox/internal/endpoint"
	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/sessionstore"
	"gorm.io/gorm"
)

// DefaultHeartbeat is the SSE keep-alive interval.
const DefaultHeartbeat = 15 * time.Second

// Lifecycle is the part of the session controller the API drives.
type Lifecycle interface {
	Ready() bool
	Status() controller.Status
	ForceReauth(ctx context.Context) error
	JoinGroup(ctx context.Context, inviteCode string) (string, error)
	LeaveGroup(ctx context.Context, groupID string) error
}

// Endpoints exposes selector state for the status route.
type Endpoints interface {
	Snapshot() endpoint.Snapshot
}

// Opts holds configuration for the API server.
type Opts struct {
	BotAccount string
	Lifecycle  Lifecycle
	DB         *gorm.DB // active groups
	Store      *sessionstore.Store
	Endpoints  Endpoints
	Hub        *broadcast.Hub
	Sink       broadcast.Sink // group events; defaults to Hub
	Port       int
	Heartbeat  time.Duration
	Out        io.Writer

	log zerolog.Logger
}

func (o *Opts) validate() error {
	if o.BotAccount == "" {
		return fmt.Errorf("api: bot account is required")
	}
	if o.Lifecycle == nil {
		return fmt.Errorf("api: lifecycle is required")
	}
	if o.DB == nil {
		return fmt.Errorf("api: db is required")
	}
	if o.Hub == nil {
		return fmt.Errorf("api: hub is required")
	}
	if o.Sink == nil {
		o.Sink = o.Hub
	}
	if o.Port <= 0 {
		o.Port = 8080
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	o.log = logging.Component("api")
	return nil
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts Opts) (*gin.Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, &opts)
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts Opts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
