// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package events

import (
	"net/http"
	"time"

	"github.com/depotrun/depot/pkg/ctxlog"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	// subscriberBuffer bounds how far a slow websocket client may fall
	// behind before it starts losing events.
	subscriberBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// StreamHandler upgrades the connection to a websocket and streams every
// subsequent mutation event as a JSON message.
func StreamHandler(bus *Bus) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.FromContext(r.Context())
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("event stream upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		sub := bus.Subscribe(subscriberBuffer)
		defer sub.Close()

		// Drain client frames so close and pong messages are processed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case e, ok := <-sub.C:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(e); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	})
}
