// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/thoclabs/nightwatch/services/nightwatch/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 64
)

// The server binds to loopback by default; origin filtering is not
// the trust boundary here.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleEventFeed streams every bus event to the client as JSON.
// A client that cannot keep up loses events rather than blocking
// the publishers.
func (s *Server) handleEventFeed(c *gin.Context) {
	if s.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus not available"})
		return
	}
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	feed := make(chan events.Event, wsSendBuffer)
	ids := make([]string, 0, len(events.AllTypes()))
	for _, t := range events.AllTypes() {
		ids = append(ids, s.bus.Subscribe(t, func(e events.Event) {
			select {
			case feed <- e:
			default:
			}
		}))
	}

	done := make(chan struct{})
	go s.readFeed(conn, done)
	go s.writeFeed(conn, feed, ids, done)
}

// readFeed drains client frames to detect disconnects and keep the
// pong handler serviced.
func (s *Server) readFeed(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeFeed pumps events and pings to the client until it drops.
func (s *Server) writeFeed(conn *websocket.Conn, feed chan events.Event, ids []string, done chan struct{}) {
	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
		for _, id := range ids {
			s.bus.Unsubscribe(id)
		}
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case e := <-feed:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
