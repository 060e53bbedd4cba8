package server

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/gaspardpetit/gpupool/internal/balancer"
	"github.com/gaspardpetit/gpupool/internal/logx"
)

// statePushInterval is how often connected observers receive a fresh snapshot.
const statePushInterval = 2 * time.Second

// StateWSHandler streams health snapshots to observers over a websocket.
// A frame is pushed immediately on connect and then on every tick until the
// client goes away.
func StateWSHandler(b *balancer.Balancer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			logx.Log.Error().Err(err).Str("remote", r.RemoteAddr).Msg("ws accept")
			return
		}
		ctx := r.Context()
		defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()

		ticker := time.NewTicker(statePushInterval)
		defer ticker.Stop()
		for {
			hs, err := b.GetHealthStatus(ctx)
			if err != nil {
				return
			}
			if err := wsjson.Write(ctx, c, hs); err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}
