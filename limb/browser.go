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
	"fmt"
	"strings"
	"sync"
)

// Browser is a single-tab browsing limb. It tracks navigation state and
// interaction history; the actual page rendering is delegated to whatever
// driver the deployment wires behind Navigate. The built-in driver only
// records navigation, which is enough for coordination and audit flows.
type Browser struct {
	base
	mu      sync.Mutex
	tabID   int
	current string
	history []string
}

// NewBrowser builds a browser limb with a single tab.
func NewBrowser(id string) *Browser {
	return &Browser{base: base{id: id, typ: TypeBrowser}, tabID: 1}
}

// Execute handles the browser verbs: navigate, click, type.
func (b *Browser) Execute(ctx context.Context, verb, target string, params map[string]interface{}) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions.Add(1)

	switch verb {
	case "navigate":
		if !strings.Contains(target, "://") {
			target = "https://" + target
		}
		b.current = target
		b.history = append(b.history, target)
		return &Result{Success: true, Data: map[string]interface{}{
			"url": target,
			"tab": b.tabID,
		}}, nil

	case "click":
		if b.current == "" {
			return &Result{Success: false, Error: "no page loaded"}, nil
		}
		if safeMode, _ := params["safe_mode"].(string); safeMode == "degrade" && elevatedRiskSelector(target) {
			return &Result{Success: false, Error: fmt.Sprintf(
				"click on %q suppressed in degraded mode", target)}, nil
		}
		return &Result{Success: true, Data: map[string]interface{}{
			"clicked": target,
			"url":     b.current,
		}}, nil

	case "type":
		if b.current == "" {
			return &Result{Success: false, Error: "no page loaded"}, nil
		}
		text, _ := params["text"].(string)
		return &Result{Success: true, Data: map[string]interface{}{
			"selector": target,
			"typed":    len(text),
			"url":      b.current,
		}}, nil

	default:
		return nil, fmt.Errorf("browser limb does not support verb %q", verb)
	}
}

// CurrentURL reports the tab's current location.
func (b *Browser) CurrentURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// elevatedRiskSelector flags targets a degraded browser must not click.
func elevatedRiskSelector(selector string) bool {
	s := strings.ToLower(selector)
	for _, tok := range []string{"submit", "buy", "pay", "purchase", "confirm", "delete", "password"} {
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}

// MultiBrowser manages a set of named tabs, each an independent Browser.
// params["tab"] selects the tab; an unknown tab is created on first use.
type MultiBrowser struct {
	base
	mu   sync.Mutex
	tabs map[string]*Browser
}

// NewMultiBrowser builds a multi-tab browser limb.
func NewMultiBrowser(id string) *MultiBrowser {
	return &MultiBrowser{
		base: base{id: id, typ: TypeMultiBrowser},
		tabs: make(map[string]*Browser),
	}
}

func (m *MultiBrowser) Execute(ctx context.Context, verb, target string, params map[string]interface{}) (*Result, error) {
	tabName, _ := params["tab"].(string)
	if tabName == "" {
		tabName = "main"
	}

	m.mu.Lock()
	tab, ok := m.tabs[tabName]
	if !ok {
		tab = NewBrowser(m.id + ":" + tabName)
		tab.tabID = len(m.tabs) + 1
		m.tabs[tabName] = tab
	}
	m.actions.Add(1)
	m.mu.Unlock()

	res, err := tab.Execute(ctx, verb, target, params)
	if res != nil && res.Data != nil {
		res.Data["tab_name"] = tabName
	}
	return res, err
}

// TabCount reports the number of open tabs.
func (m *MultiBrowser) TabCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tabs)
}
