package orchestrator

import (
	"net/http"
	"time"

	"VisualSphere/src/library/log"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// StatusFeed 通过 websocket 按固定间隔推送编排器状态，状态变化时立即推送
func StatusFeed(o *Orchestrator, interval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warning("status feed upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		// 读循环只用于感知客户端断开
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var last Status
		first := true
		for {
			st := o.Status()
			if first || st != last {
				if err := conn.WriteJSON(st); err != nil {
					return
				}
				first, last = false, st
			}
			select {
			case <-ticker.C:
			case <-gone:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}
