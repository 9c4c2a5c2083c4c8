package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/groups"
	"github.com/zulandar/signalbox/internal/sessionstore"
)

// registerRoutes sets up all routes on the gin router.
func registerRoutes(router *gin.Engine, opts *Opts) {
	// Webhooks.
	router.POST("/webhook/join-group", handleJoinGroup(opts))
	router.POST("/webhook/leave-group", handleLeaveGroup(opts))

	// Operator surface.
	router.GET("/api/status", handleStatus(opts))
	router.GET("/api/groups", handleGroups(opts))
	router.POST("/api/force-qr", handleForceQR(opts))
	router.GET("/api/sessions", handleSessions(opts))
	router.POST("/api/sessions/:id/migrate", handleMigrate(opts))

	router.GET("/api/events", handleSSE(opts))
}

// reply is the body of every webhook and operator response.
type reply struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	GroupID string `json:"group_id,omitempty"`
}

func fail(c *gin.Context, code int, msg string) {
	c.JSON(code, reply{OK: false, Message: msg})
}

func handleStatus(opts *Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{
			"client_id":       opts.BotAccount,
			"ready":           opts.Lifecycle.Ready(),
			"status":          opts.Lifecycle.Status(),
			"sse_subscribers": opts.Hub.Subscribers(),
		}
		if opts.Endpoints != nil {
			body["endpoints"] = opts.Endpoints.Snapshot()
		}
		c.JSON(http.StatusOK, body)
	}
}

func handleGroups(opts *Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		active, err := groups.Active(opts.DB.WithContext(c.Request.Context()), opts.BotAccount)
		if err != nil {
			fail(c, http.StatusInternalServerError, "could not list groups: "+err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"groups": active})
	}
}

func handleForceQR(opts *Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := opts.Lifecycle.ForceReauth(c.Request.Context()); err != nil {
			fail(c, http.StatusServiceUnavailable, "could not force re-authentication: "+err.Error())
			return
		}
		opts.log.Info().Str("remote", c.ClientIP()).Msg("re-authentication forced")
		c.JSON(http.StatusAccepted, reply{OK: true, Message: "re-authentication started, watch for a new QR code"})
	}
}

func handleSessions(opts *Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts.Store == nil {
			fail(c, http.StatusNotImplemented, "session store not configured")
			return
		}
		recs, err := opts.Store.List(c.Request.Context())
		if err != nil {
			fail(c, http.StatusInternalServerError, "could not list sessions: "+err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": recs})
	}
}

type migrateRequest struct {
	Endpoint string `json:"endpoint"`
}

func handleMigrate(opts *Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts.Store == nil {
			fail(c, http.StatusNotImplemented, "session store not configured")
			return
		}
		var req migrateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		id := c.Param("id")
		err := opts.Store.Migrate(c.Request.Context(), id, req.Endpoint)
		if errors.Is(err, sessionstore.ErrNotFound) {
			fail(c, http.StatusNotFound, "session "+id+" not found")
			return
		}
		if err != nil {
			fail(c, http.StatusInternalServerError, "could not migrate session: "+err.Error())
			return
		}
		msg := "session " + id + " unbound"
		if req.Endpoint != "" {
			msg = "session " + id + " migrated to " + req.Endpoint
		}
		c.JSON(http.StatusOK, reply{OK: true, Message: msg})
	}
}
