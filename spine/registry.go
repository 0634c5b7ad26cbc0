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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hydra/coordinator/ledger"
	"hydra/coordinator/limb"
	"hydra/coordinator/shared/logger"
)

// HeadStatus tracks the lifecycle of a connected head.
type HeadStatus string

const (
	HeadDisconnected HeadStatus = "DISCONNECTED"
	HeadConnecting   HeadStatus = "CONNECTING"
	HeadConnected    HeadStatus = "CONNECTED"
	HeadBusy         HeadStatus = "BUSY"
	HeadError        HeadStatus = "ERROR"
)

// Head is a connected AI client. Status transitions are coordinator
// controlled; the head owns only its mailbox contents.
type Head struct {
	ID          string     `json:"head_id"`
	AIType      string     `json:"ai_type"`
	Model       string     `json:"model"`
	Callsign    string     `json:"callsign"`
	Status      HeadStatus `json:"status"`
	ActionCount int64      `json:"action_count"`
	ErrorCount  int64      `json:"error_count"`

	mailbox *Mailbox
	mu      sync.Mutex
}

func (h *Head) setStatus(s HeadStatus) {
	h.mu.Lock()
	h.Status = s
	h.mu.Unlock()
}

func (h *Head) addAction() { atomic.AddInt64(&h.ActionCount, 1) }
func (h *Head) addError()  { atomic.AddInt64(&h.ErrorCount, 1) }

// Registry tracks connected heads and limbs for one coordinator session.
// Lifecycle changes are mirrored into the ledger.
type Registry struct {
	mu     sync.RWMutex
	heads  map[string]*Head
	limbs  map[string]limb.Limb
	roles  map[string]map[string]struct{} // tag -> head ids
	ledger *ledger.Ledger
	log    *logger.Logger
}

// NewRegistry builds an empty registry writing lifecycle entries to led.
func NewRegistry(led *ledger.Ledger) *Registry {
	return &Registry{
		heads:  make(map[string]*Head),
		limbs:  make(map[string]limb.Limb),
		roles:  make(map[string]map[string]struct{}),
		ledger: led,
		log:    logger.New("registry"),
	}
}

// ConnectHead registers a head, creates its mailbox, and records a
// HEAD_CONNECT entry.
func (r *Registry) ConnectHead(ctx context.Context, headID, aiType, model, callsign string) (*Head, error) {
	if headID == "" {
		return nil, fmt.Errorf("%w: head id required", ErrValidation)
	}

	r.mu.Lock()
	if _, exists := r.heads[headID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("head %s already connected", headID)
	}
	h := &Head{
		ID:       headID,
		AIType:   aiType,
		Model:    model,
		Callsign: callsign,
		Status:   HeadConnecting,
		mailbox:  NewMailbox(mailboxCapacity),
	}
	r.heads[headID] = h
	r.mu.Unlock()

	if err := r.ledger.RegisterHead(ctx, headID, aiType, model, callsign); err != nil {
		r.log.Warn(headID, "", "failed to persist head registration", map[string]interface{}{"error": err.Error()})
	}
	entry := &ledger.Entry{
		ID:        uuid.NewString(),
		EntryType: ledger.EntryHeadConnect,
		HeadID:    headID,
		Action:    "connect",
		Payload: map[string]interface{}{
			"ai_type":  aiType,
			"model":    model,
			"callsign": callsign,
		},
	}
	if err := r.ledger.Write(ctx, entry); err != nil {
		r.log.Warn(headID, "", "failed to ledger head connect", map[string]interface{}{"error": err.Error()})
	}

	h.setStatus(HeadConnected)
	r.log.Info(headID, "", "head connected", map[string]interface{}{
		"ai_type": aiType, "model": model, "callsign": callsign,
	})
	return h, nil
}

// DisconnectHead removes a head, destroys its mailbox, and records a
// HEAD_DISCONNECT entry.
func (r *Registry) DisconnectHead(ctx context.Context, headID string) error {
	r.mu.Lock()
	h, ok := r.heads[headID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: head %s not connected", ErrNotAvailable, headID)
	}
	delete(r.heads, headID)
	for _, members := range r.roles {
		delete(members, headID)
	}
	r.mu.Unlock()

	h.setStatus(HeadDisconnected)
	h.mailbox.Close()

	if err := r.ledger.UnregisterHead(ctx, headID); err != nil {
		r.log.Warn(headID, "", "failed to persist head removal", map[string]interface{}{"error": err.Error()})
	}
	entry := &ledger.Entry{
		ID:        uuid.NewString(),
		EntryType: ledger.EntryHeadDisconnect,
		HeadID:    headID,
		Action:    "disconnect",
		Payload: map[string]interface{}{
			"action_count": atomic.LoadInt64(&h.ActionCount),
			"error_count":  atomic.LoadInt64(&h.ErrorCount),
		},
	}
	if err := r.ledger.Write(ctx, entry); err != nil {
		r.log.Warn(headID, "", "failed to ledger head disconnect", map[string]interface{}{"error": err.Error()})
	}

	r.log.Info(headID, "", "head disconnected", nil)
	return nil
}

// GetHead returns the connected head or nil.
func (r *Registry) GetHead(headID string) *Head {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.heads[headID]
}

// Heads snapshots all connected heads.
func (r *Registry) Heads() []*Head {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Head, 0, len(r.heads))
	for _, h := range r.heads {
		out = append(out, h)
	}
	return out
}

// AttachLimb activates a limb and records a LIMB_ACTIVATE entry.
func (r *Registry) AttachLimb(ctx context.Context, l limb.Limb) error {
	r.mu.Lock()
	if _, exists := r.limbs[l.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("limb %s already attached", l.ID())
	}
	r.limbs[l.ID()] = l
	r.mu.Unlock()

	if err := l.Activate(ctx); err != nil {
		return fmt.Errorf("failed to activate limb %s: %w", l.ID(), err)
	}

	if err := r.ledger.RegisterLimb(ctx, l.ID(), l.Type()); err != nil {
		r.log.Warn("", "", "failed to persist limb registration", map[string]interface{}{"error": err.Error()})
	}
	entry := &ledger.Entry{
		ID:        uuid.NewString(),
		EntryType: ledger.EntryLimbActivate,
		LimbID:    l.ID(),
		Action:    "activate",
		Payload:   map[string]interface{}{"limb_type": l.Type()},
	}
	if err := r.ledger.Write(ctx, entry); err != nil {
		r.log.Warn("", "", "failed to ledger limb activation", map[string]interface{}{"error": err.Error()})
	}

	r.log.Info("", "", "limb attached", map[string]interface{}{
		"limb_id": l.ID(), "limb_type": l.Type(),
	})
	return nil
}

// DetachLimb deactivates and removes a limb, recording LIMB_DEACTIVATE.
func (r *Registry) DetachLimb(ctx context.Context, limbID string) error {
	r.mu.Lock()
	l, ok := r.limbs[limbID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: limb %s not attached", ErrNotAvailable, limbID)
	}
	delete(r.limbs, limbID)
	r.mu.Unlock()

	if err := l.Deactivate(ctx); err != nil {
		r.log.Warn("", "", "limb deactivation failed", map[string]interface{}{
			"limb_id": limbID, "error": err.Error(),
		})
	}
	if err := r.ledger.UnregisterLimb(ctx, limbID); err != nil {
		r.log.Warn("", "", "failed to persist limb removal", map[string]interface{}{"error": err.Error()})
	}
	entry := &ledger.Entry{
		ID:        uuid.NewString(),
		EntryType: ledger.EntryLimbDeactivate,
		LimbID:    limbID,
		Action:    "deactivate",
	}
	if err := r.ledger.Write(ctx, entry); err != nil {
		r.log.Warn("", "", "failed to ledger limb deactivation", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// FindLimb resolves a limb by explicit id, falling back to the first
// active limb of the requested type.
func (r *Registry) FindLimb(limbID, limbType string) limb.Limb {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limbID != "" {
		return r.limbs[limbID]
	}
	for _, l := range r.limbs {
		if l.Type() == limbType && l.Active() {
			return l
		}
	}
	// multi_browser serves browser verbs when no plain browser is attached
	if limbType == limb.TypeBrowser {
		for _, l := range r.limbs {
			if l.Type() == limb.TypeMultiBrowser && l.Active() {
				return l
			}
		}
	}
	return nil
}

// Limbs snapshots all attached limbs.
func (r *Registry) Limbs() []limb.Limb {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]limb.Limb, 0, len(r.limbs))
	for _, l := range r.limbs {
		out = append(out, l)
	}
	return out
}

// JoinRole adds a head to a role channel.
func (r *Registry) JoinRole(tag, headID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.roles[tag]
	if !ok {
		members = make(map[string]struct{})
		r.roles[tag] = members
	}
	members[headID] = struct{}{}
}

// LeaveRole removes a head from a role channel.
func (r *Registry) LeaveRole(tag, headID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.roles[tag], headID)
}

// RoleMembers lists the heads subscribed to a role tag.
func (r *Registry) RoleMembers(tag string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.roles[tag]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// MarkLimbError deactivates a limb that failed to honor cancellation and
// records the detachment as an ERROR entry.
func (r *Registry) MarkLimbError(ctx context.Context, limbID, reason string) {
	r.mu.RLock()
	l := r.limbs[limbID]
	r.mu.RUnlock()
	if l == nil {
		return
	}
	if err := l.Deactivate(ctx); err != nil {
		r.log.Warn("", "", "limb deactivation failed", map[string]interface{}{
			"limb_id": limbID, "error": err.Error(),
		})
	}
	entry := &ledger.Entry{
		ID:        uuid.NewString(),
		EntryType: ledger.EntryError,
		LimbID:    limbID,
		Action:    "limb_error",
		Payload: map[string]interface{}{
			"reason": reason,
			"at":     time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := r.ledger.Write(ctx, entry); err != nil {
		r.log.Warn("", "", "failed to ledger limb error", map[string]interface{}{"error": err.Error()})
	}
}
