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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// API is an HTTP client limb. Targets are resolved against an optional
// base URL so heads can address endpoints by path.
type API struct {
	base
	mu      sync.Mutex
	baseURL string
	client  *http.Client
}

// NewAPI builds an api limb. baseURL may be empty for absolute targets.
func NewAPI(id, baseURL string) *API {
	return &API{
		base:    base{id: id, typ: TypeAPI},
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

const maxAPIResponse = 1 << 20 // 1MB cap on captured response bodies

// Execute performs an HTTP request. params may carry "method" (default
// GET) and "body" (JSON-encoded when not a string).
func (a *API) Execute(ctx context.Context, verb, target string, params map[string]interface{}) (*Result, error) {
	if verb != "api" {
		return nil, fmt.Errorf("api limb does not support verb %q", verb)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions.Add(1)

	endpoint := target
	if a.baseURL != "" && !strings.Contains(target, "://") {
		endpoint = a.baseURL + "/" + strings.TrimLeft(target, "/")
	}

	method := http.MethodGet
	if m, ok := params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	var body io.Reader
	if raw, ok := params["body"]; ok && raw != nil {
		switch v := raw.(type) {
		case string:
			body = strings.NewReader(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode request body: %w", err)
			}
			body = bytes.NewReader(encoded)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("invalid api target: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return fail(err), nil
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponse))
	if err != nil {
		return fail(err), nil
	}

	data := map[string]interface{}{
		"status": resp.StatusCode,
		"url":    endpoint,
		"body":   string(payload),
	}
	return &Result{Success: resp.StatusCode < 400, Data: data}, nil
}
