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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrowserNavigate(t *testing.T) {
	b := NewBrowser("browser-1")
	ctx := context.Background()

	res, err := b.Execute(ctx, "navigate", "example.com", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	// Bare hosts get a scheme.
	assert.Equal(t, "https://example.com", res.Data["url"])
	assert.Equal(t, "https://example.com", b.CurrentURL())

	res, err = b.Execute(ctx, "navigate", "http://other.test/page", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://other.test/page", res.Data["url"])
	assert.EqualValues(t, 2, b.ActionCount())
}

func TestBrowserClickAndType(t *testing.T) {
	b := NewBrowser("browser-1")
	ctx := context.Background()

	// Interaction before any navigation fails softly.
	res, err := b.Execute(ctx, "click", "button.go", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "no page loaded", res.Error)

	_, err = b.Execute(ctx, "navigate", "https://example.com/form", nil)
	require.NoError(t, err)

	res, err = b.Execute(ctx, "click", "button.go", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "button.go", res.Data["clicked"])

	res, err = b.Execute(ctx, "type", "input#name", map[string]interface{}{"text": "hydra"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.EqualValues(t, 5, res.Data["typed"])
}

func TestBrowserDegradedModeSuppressesRiskyClicks(t *testing.T) {
	b := NewBrowser("browser-1")
	ctx := context.Background()
	_, err := b.Execute(ctx, "navigate", "https://shop.test/cart", nil)
	require.NoError(t, err)

	degraded := map[string]interface{}{"safe_mode": "degrade"}

	res, err := b.Execute(ctx, "click", "button.buy-now", degraded)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "suppressed in degraded mode")

	// Harmless selectors still work while degraded.
	res, err = b.Execute(ctx, "click", "a.details", degraded)
	require.NoError(t, err)
	assert.True(t, res.Success)

	// Without degraded mode the same risky click goes through.
	res, err = b.Execute(ctx, "click", "button.buy-now", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestElevatedRiskSelector(t *testing.T) {
	tests := []struct {
		selector string
		want     bool
	}{
		{"button.submit", true},
		{"input#Password", true},
		{"a.confirm-order", true},
		{"div.delete-account", true},
		{"a.read-more", false},
		{"nav.menu", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, elevatedRiskSelector(tt.selector), tt.selector)
	}
}

func TestBrowserUnknownVerb(t *testing.T) {
	b := NewBrowser("browser-1")
	_, err := b.Execute(context.Background(), "run", "ls", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `does not support verb "run"`)
}

func TestBrowserHonorsCancellation(t *testing.T) {
	b := NewBrowser("browser-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Execute(ctx, "navigate", "https://example.com", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMultiBrowserTabs(t *testing.T) {
	m := NewMultiBrowser("multi-1")
	ctx := context.Background()

	res, err := m.Execute(ctx, "navigate", "https://a.test", nil)
	require.NoError(t, err)
	assert.Equal(t, "main", res.Data["tab_name"])

	res, err = m.Execute(ctx, "navigate", "https://b.test", map[string]interface{}{"tab": "research"})
	require.NoError(t, err)
	assert.Equal(t, "research", res.Data["tab_name"])
	assert.Equal(t, 2, m.TabCount())

	// Tabs keep independent state.
	res, err = m.Execute(ctx, "click", "a.link", map[string]interface{}{"tab": "research"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "https://b.test", res.Data["url"])

	// Reusing a tab name does not open a new tab.
	_, err = m.Execute(ctx, "navigate", "https://c.test", map[string]interface{}{"tab": "main"})
	require.NoError(t, err)
	assert.Equal(t, 2, m.TabCount())
	assert.EqualValues(t, 4, m.ActionCount())
}
