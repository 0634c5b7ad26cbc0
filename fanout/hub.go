// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fanout streams coordinator events to WebSocket subscribers and
// accepts execute frames from connected heads. Every inbound execute frame
// re-enters the spine's dispatch gate; the hub itself never runs anything.
package fanout

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"hydra/coordinator/shared/logger"
	"hydra/coordinator/spine"
)

// Channels clients may subscribe to.
const (
	ChannelActions   = "actions"
	ChannelDecisions = "decisions"
	ChannelHeads     = "heads"
	ChannelLimbs     = "limbs"
	ChannelWorkflows = "workflows"
	ChannelConsensus = "consensus"
	ChannelSpectral  = "spectral"
	ChannelBroadcast = "broadcast"
	ChannelAll       = "all"
)

// Frame types carried over the socket.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameExecute     = "execute"
	framePing        = "ping"
	framePong        = "pong"
	frameWelcome     = "welcome"
	frameStateChange = "state_change"
	frameError       = "error"
)

const (
	maxClients     = 100
	heartbeat      = 30 * time.Second
	missedAllowed  = 3
	writeWait      = 10 * time.Second
	maxFrameSize   = 256 * 1024
	sendBufferSize = 64
)

// Frame is the wire envelope for every message in either direction.
type Frame struct {
	Type     string                 `json:"type"`
	Channel  string                 `json:"channel,omitempty"`
	ID       string                 `json:"id,omitempty"`
	Command  *spine.Command         `json:"command,omitempty"`
	Result   *spine.Result          `json:"result,omitempty"`
	Event    map[string]interface{} `json:"event,omitempty"`
	Error    string                 `json:"error,omitempty"`
	ClientID string                 `json:"client_id,omitempty"`
}

// Hub owns all WebSocket clients and fans coordinator events out to them.
type Hub struct {
	spine    *spine.Spine
	secret   []byte
	upgrader websocket.Upgrader
	log      *logger.Logger

	mu       sync.RWMutex
	clients  map[string]*client
	reserved int
	limit    int
	nextID   int
}

// NewHub builds a hub over the spine. A non-empty secret turns on HS256
// token checks for the upgrade request.
func NewHub(sp *spine.Spine, secret string) *Hub {
	h := &Hub{
		spine:   sp,
		clients: make(map[string]*client),
		limit:   maxClients,
		log:     logger.New("fanout"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if secret != "" {
		h.secret = []byte(secret)
	}
	sp.SetBroadcast(h.Publish)
	return h
}

// ServeWS upgrades the request and runs the client until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	headID, err := h.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	// A slot is reserved before the upgrade so concurrent handshakes cannot
	// overshoot the limit between the check and the insert.
	h.mu.Lock()
	if len(h.clients)+h.reserved >= h.limit {
		h.mu.Unlock()
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}
	h.reserved++
	h.nextID++
	clientID := fmt.Sprintf("ws-%d", h.nextID)
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.mu.Lock()
		h.reserved--
		h.mu.Unlock()
		h.log.Warn(headID, "", "websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{
		hub:      h,
		id:       clientID,
		headID:   headID,
		conn:     conn,
		send:     make(chan *Frame, sendBufferSize),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
		status:   clientActive,
	}

	h.mu.Lock()
	h.clients[clientID] = c
	h.reserved--
	h.mu.Unlock()

	c.enqueue(&Frame{
		Type:     frameWelcome,
		ClientID: clientID,
		Event: map[string]interface{}{
			"heartbeat_seconds": int(heartbeat / time.Second),
			"channels": []string{
				ChannelActions, ChannelDecisions, ChannelHeads, ChannelLimbs,
				ChannelWorkflows, ChannelConsensus, ChannelSpectral,
				ChannelBroadcast, ChannelAll,
			},
		},
	})

	h.log.Info(headID, "", "websocket client connected", map[string]interface{}{"client_id": clientID})
	go c.writePump()
	go c.readPump()
}

// Publish fans an event out to every subscriber of the channel. Clients
// subscribed to "all" receive every channel. Slow clients drop frames
// rather than stalling the hub.
func (h *Hub) Publish(channel string, event map[string]interface{}) {
	frame := &Frame{Type: frameStateChange, Channel: channel, Event: event}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.subscribed(channel) {
			c.enqueue(frame)
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) remove(clientID string) {
	h.mu.Lock()
	delete(h.clients, clientID)
	h.mu.Unlock()
}

// authenticate validates the bearer token when a secret is configured and
// returns the head id claimed by the request.
func (h *Hub) authenticate(r *http.Request) (string, error) {
	headID := r.Header.Get("X-Head-ID")
	if h.secret == nil {
		return headID, nil
	}

	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		tokenString = r.Header.Get("Authorization")
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}
	}
	if tokenString == "" {
		return "", fmt.Errorf("missing token")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return h.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok {
		if sub, _ := claims["sub"].(string); sub != "" {
			headID = sub
		}
	}
	return headID, nil
}

// execute runs an inbound execute frame through the spine.
func (h *Hub) execute(ctx context.Context, headID string, cmd *spine.Command) *spine.Result {
	if cmd.HeadID == "" {
		cmd.HeadID = headID
	}
	return h.spine.Execute(ctx, cmd)
}
