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

package limb

import (
	"context"
	"sync/atomic"
)

// Limb type tags.
const (
	TypeBrowser      = "browser"
	TypeTerminal     = "terminal"
	TypeAPI          = "api"
	TypeMultiBrowser = "multi_browser"
)

// Result is the outcome of a single limb execution.
type Result struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Limb is an execution backend. A limb serializes its own calls internally
// and must honor context cancellation during its external operation.
type Limb interface {
	ID() string
	Type() string
	Active() bool
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
	Execute(ctx context.Context, verb, target string, params map[string]interface{}) (*Result, error)
	ActionCount() int64
}

// base carries the state shared by every backend.
type base struct {
	id      string
	typ     string
	active  atomic.Bool
	actions atomic.Int64
}

func (b *base) ID() string         { return b.id }
func (b *base) Type() string       { return b.typ }
func (b *base) Active() bool       { return b.active.Load() }
func (b *base) ActionCount() int64 { return b.actions.Load() }

func (b *base) Activate(context.Context) error {
	b.active.Store(true)
	return nil
}

func (b *base) Deactivate(context.Context) error {
	b.active.Store(false)
	return nil
}

func fail(err error) *Result {
	return &Result{Success: false, Error: err.Error()}
}
