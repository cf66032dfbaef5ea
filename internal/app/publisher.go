//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/gorilla/websocket"

	"github.com/blueloc/ble-locator/internal/engine"
)

const publishChSz = 100

// eventEnvelope is the wire shape of one published engine event.
type eventEnvelope struct {
	Type  engine.EventType `json:"type"`
	Event engine.Event     `json:"event"`
}

// Publisher broadcasts engine events to WebSocket subscribers. Clients
// register and unregister through channels so only the Run goroutine ever
// touches the client set.
type Publisher struct {
	lc         logger.LoggingClient
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []engine.Event
}

func NewPublisher(lc logger.LoggingClient) *Publisher {
	return &Publisher{
		lc:         lc,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan []engine.Event, publishChSz),
	}
}

// Publish queues events for broadcast. It never blocks the caller: when
// the queue is full the batch is dropped and counted against the logs,
// since stale location updates are worthless by the next tick anyway.
func (pub *Publisher) Publish(events []engine.Event) {
	if len(events) == 0 {
		return
	}
	select {
	case pub.broadcast <- events:
	default:
		pub.lc.Warn("Publish queue full; dropping event batch.", "count", len(events))
	}
}

// Subscribe hands a newly upgraded connection to the Run loop.
func (pub *Publisher) Subscribe(conn *websocket.Conn) {
	pub.register <- conn
}

// Run owns the client set until the context is cancelled.
func (pub *Publisher) Run(ctx context.Context) {
	// Reader goroutines funnel closed connections back through unregister.
	for {
		select {
		case <-ctx.Done():
			for conn := range pub.clients {
				_ = conn.Close()
			}
			return

		case conn := <-pub.register:
			pub.clients[conn] = true
			pub.lc.Debug("Stream client connected.", "clients", len(pub.clients))
			go pub.discardReads(conn)

		case conn := <-pub.unregister:
			if _, ok := pub.clients[conn]; ok {
				delete(pub.clients, conn)
				_ = conn.Close()
				pub.lc.Debug("Stream client disconnected.", "clients", len(pub.clients))
			}

		case events := <-pub.broadcast:
			for conn := range pub.clients {
				for _, ev := range events {
					if err := conn.WriteJSON(eventEnvelope{Type: ev.OfType(), Event: ev}); err != nil {
						pub.lc.Debug("Dropping stream client on write error.", "error", err.Error())
						delete(pub.clients, conn)
						_ = conn.Close()
						break
					}
				}
			}
		}
	}
}

// discardReads services the connection's read side so pings and close
// frames are processed, funneling the connection back for cleanup when the
// peer goes away.
func (pub *Publisher) discardReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			pub.unregister <- conn
			return
		}
	}
}
