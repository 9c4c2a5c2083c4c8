package api

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/broadcast"
	"github.com/zulandar/signalbox/internal/controller"
)

var timeNow = time.Now

// handleSSE streams hub events to the client. New subscribers first get the
// latest status event and, while pairing, the latest QR challenge.
func handleSSE(opts *Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		events, cancel := opts.Hub.Subscribe()
		defer cancel()

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected", "client_id": opts.BotAccount})
		if ev, ok := opts.Hub.Latest(broadcast.TypeStatus); ok {
			writeSSE(c.Writer, string(ev.Type), ev)
		}
		if opts.Lifecycle.Status().State == controller.StateQRPending {
			if ev, ok := opts.Hub.Latest(broadcast.TypeQR); ok {
				writeSSE(c.Writer, string(ev.Type), ev)
			}
		}
		c.Writer.Flush()

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(opts.Heartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": timeNow().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case ev, ok := <-events:
				if !ok {
					return
				}
				writeSSE(c.Writer, string(ev.Type), ev)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
