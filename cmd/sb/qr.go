package main

import (
	"context"
	"fmt"
	"io"

	"github.com/zulandar/signalbox/internal/broadcast"
)

// printQRCodes writes every forwarded QR challenge to w until ctx ends.
func printQRCodes(ctx context.Context, hub *broadcast.Hub, w io.Writer) {
	events, cancel := hub.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != broadcast.TypeQR {
				continue
			}
			fmt.Fprintln(w, formatQR(ev))
		}
	}
}

func formatQR(ev broadcast.Event) string {
	code, _ := ev.Data["qr"].(string)
	header := "Pair the bot by scanning this code"
	if attempt, ok := ev.Data["attempt"].(int); ok {
		if max, ok := ev.Data["max_attempts"].(int); ok {
			header = fmt.Sprintf("%s (attempt %d of %d)", header, attempt, max)
		}
	}
	return header + ":\n\n" + code + "\n"
}
