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

package spine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hydra/coordinator/ledger"
)

// mailboxCapacity bounds each head's inbound queue; overflow drops the
// oldest message.
const mailboxCapacity = 1024

// Message is one inter-head message.
type Message struct {
	From   string      `json:"from"`
	To     string      `json:"to"`
	Body   interface{} `json:"body"`
	SentAt time.Time   `json:"sent_at"`
}

// Mailbox is a bounded FIFO of inbound messages with its own lock.
type Mailbox struct {
	mu       sync.Mutex
	items    []Message
	capacity int
	notify   chan struct{}
	closed   bool
}

// NewMailbox builds a mailbox holding at most capacity messages.
func NewMailbox(capacity int) *Mailbox {
	return &Mailbox{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push appends a message, dropping the oldest when full. Returns false on
// a closed mailbox.
func (m *Mailbox) Push(msg Message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if len(m.items) >= m.capacity {
		m.items = m.items[1:]
	}
	m.items = append(m.items, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Drain returns and clears all queued messages without blocking.
func (m *Mailbox) Drain() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.items
	m.items = nil
	return out
}

// DrainWait blocks until at least one message is present or the timeout
// elapses, then drains.
func (m *Mailbox) DrainWait(ctx context.Context, timeout time.Duration) []Message {
	if msgs := m.Drain(); len(msgs) > 0 {
		return msgs
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-m.notify:
			if msgs := m.Drain(); len(msgs) > 0 {
				return msgs
			}
		case <-timer.C:
			return m.Drain()
		case <-ctx.Done():
			return m.Drain()
		}
	}
}

// Len reports the queued message count.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close marks the mailbox dead; further pushes fail.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.items = nil
	m.mu.Unlock()
}

// forbiddenTokens are instruction-injection markers no inter-head message
// may carry, matched case-insensitively against the serialized message.
var forbiddenTokens = []string{
	"ignore", "override", "sudo", "admin", "forget", "disregard", "system prompt",
}

// screenMessage returns the first forbidden token found in the serialized
// message, or "" when clean.
func screenMessage(body interface{}) string {
	serialized, err := json.Marshal(body)
	if err != nil {
		serialized = []byte(fmt.Sprint(body))
	}
	lower := strings.ToLower(string(serialized))
	for _, tok := range forbiddenTokens {
		if strings.Contains(lower, tok) {
			return tok
		}
	}
	return ""
}

// SendMessage delivers a message from one head to another after injection
// screening. A blocked message is ledgered as a DENY decision and never
// enqueued.
func (s *Spine) SendMessage(ctx context.Context, fromHead, toHead string, body interface{}) *Result {
	recipient := s.registry.GetHead(toHead)
	if recipient == nil {
		return &Result{
			Success:  false,
			Decision: DecisionError,
			Error:    fmt.Sprintf("head %s not connected", toHead),
		}
	}

	if tok := screenMessage(body); tok != "" {
		reason := fmt.Sprintf("Message contains blocked pattern: %s", tok)
		entry := &ledger.Entry{
			ID:        uuid.NewString(),
			EntryType: ledger.EntryDecision,
			HeadID:    fromHead,
			Action:    "message",
			Target:    toHead,
			Decision:  DecisionDeny,
			Payload:   map[string]interface{}{"reason": reason},
		}
		if err := s.ledger.Write(ctx, entry); err != nil {
			s.log.Warn(fromHead, "", "failed to ledger message denial", map[string]interface{}{"error": err.Error()})
		}
		s.metrics.decisions.WithLabelValues(DecisionDeny).Inc()
		// The denial is fanned out like any other adverse decision so
		// watchers see blocked messages, not just blocked actions.
		s.publishDecisionEvent(entry.ID, "message", toHead, fromHead, DecisionDeny, 0)
		return &Result{Success: false, Decision: DecisionDeny, Reason: reason}
	}

	msg := Message{From: fromHead, To: toHead, Body: body, SentAt: time.Now().UTC()}
	if !recipient.mailbox.Push(msg) {
		return &Result{
			Success:  false,
			Decision: DecisionError,
			Error:    fmt.Sprintf("mailbox for head %s is closed", toHead),
		}
	}

	entry := &ledger.Entry{
		ID:        uuid.NewString(),
		EntryType: ledger.EntryAction,
		HeadID:    fromHead,
		Action:    "message",
		Target:    toHead,
		Payload:   map[string]interface{}{"queued": recipient.mailbox.Len()},
	}
	if err := s.ledger.Write(ctx, entry); err != nil {
		s.log.Warn(fromHead, "", "failed to ledger message", map[string]interface{}{"error": err.Error()})
	}

	return &Result{
		Success:  true,
		Decision: DecisionAllow,
		Data:     map[string]interface{}{"delivered_to": toHead},
	}
}

// ReceiveMessages drains a head's mailbox, waiting up to timeout for the
// first message. A non-positive timeout returns immediately.
func (s *Spine) ReceiveMessages(ctx context.Context, headID string, timeout time.Duration) ([]Message, error) {
	h := s.registry.GetHead(headID)
	if h == nil {
		return nil, fmt.Errorf("%w: head %s not connected", ErrNotAvailable, headID)
	}
	if timeout <= 0 {
		return h.mailbox.Drain(), nil
	}
	return h.mailbox.DrainWait(ctx, timeout), nil
}
