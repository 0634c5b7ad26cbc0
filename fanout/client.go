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

package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type clientStatus int

const (
	clientActive clientStatus = iota
	clientIdle
)

// client is one WebSocket connection. writePump is the only goroutine that
// writes to conn; readPump is the only one that reads.
type client struct {
	hub    *Hub
	id     string
	headID string
	conn   *websocket.Conn
	send   chan *Frame
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	channels map[string]struct{}
	status   clientStatus
	missed   int
}

func (c *client) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[ChannelAll]; ok {
		return true
	}
	_, ok := c.channels[channel]
	return ok
}

func (c *client) subscribe(channel string) {
	c.mu.Lock()
	c.channels[channel] = struct{}{}
	c.mu.Unlock()
}

func (c *client) unsubscribe(channel string) {
	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
}

// enqueue hands a frame to the write pump, dropping it when the client is
// too slow to keep up.
func (c *client) enqueue(f *Frame) {
	select {
	case c.send <- f:
	default:
		c.hub.log.Warn(c.headID, "", "send buffer full, dropping frame", map[string]interface{}{
			"client_id": c.id, "frame_type": f.Type,
		})
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.remove(c.id)
		c.conn.Close()
		c.hub.log.Info(c.headID, "", "websocket client disconnected", map[string]interface{}{"client_id": c.id})
	})
}

// markAlive resets the heartbeat miss counter.
func (c *client) markAlive() {
	c.mu.Lock()
	c.missed = 0
	c.status = clientActive
	c.mu.Unlock()
}

// tickHeartbeat counts a missed heartbeat and reports whether the client
// should be marked idle.
func (c *client) tickHeartbeat() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missed++
	if c.missed >= missedAllowed && c.status == clientActive {
		c.status = clientIdle
		return true
	}
	return false
}

func (c *client) writePump() {
	ticker := time.NewTicker(heartbeat)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}

		case <-ticker.C:
			if idle := c.tickHeartbeat(); idle {
				c.hub.log.Warn(c.headID, "", "client went idle", map[string]interface{}{"client_id": c.id})
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(&Frame{Type: framePing}); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add((missedAllowed + 1) * heartbeat))
	c.conn.SetPongHandler(func(string) error {
		c.markAlive()
		c.conn.SetReadDeadline(time.Now().Add((missedAllowed + 1) * heartbeat))
		return nil
	})

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn(c.headID, "", "websocket read error", map[string]interface{}{
					"client_id": c.id, "error": err.Error(),
				})
			}
			return
		}
		c.markAlive()
		c.handle(&frame)
	}
}

func (c *client) handle(frame *Frame) {
	switch frame.Type {
	case frameSubscribe:
		if frame.Channel == "" {
			c.enqueue(&Frame{Type: frameError, ID: frame.ID, Error: "subscribe requires a channel"})
			return
		}
		c.subscribe(frame.Channel)
		c.enqueue(&Frame{Type: frameSubscribe, ID: frame.ID, Channel: frame.Channel})

	case frameUnsubscribe:
		c.unsubscribe(frame.Channel)
		c.enqueue(&Frame{Type: frameUnsubscribe, ID: frame.ID, Channel: frame.Channel})

	case frameExecute:
		if frame.Command == nil {
			c.enqueue(&Frame{Type: frameError, ID: frame.ID, Error: "execute requires a command"})
			return
		}
		res := c.hub.execute(context.Background(), c.headID, frame.Command)
		c.enqueue(&Frame{Type: frameExecute, ID: frame.ID, Result: res})

	case framePing:
		c.enqueue(&Frame{Type: framePong, ID: frame.ID})

	case framePong:
		// markAlive already ran.

	default:
		c.enqueue(&Frame{Type: frameError, ID: frame.ID, Error: "unknown frame type: " + frame.Type})
	}
}
