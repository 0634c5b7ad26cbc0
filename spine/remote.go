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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// remoteTongue consults an external governance endpoint (SCBE). The
// endpoint receives the action descriptor and answers with a trust factor.
// A failing or slow endpoint abstains rather than blocking the pipeline;
// the evaluator records the failure in the lattice proof.
type remoteTongue struct {
	url    string
	client *http.Client
}

// NewRemoteTongue builds a tongue backed by the external evaluator at url.
func NewRemoteTongue(url string) Tongue {
	return &remoteTongue{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *remoteTongue) ID() string { return "scbe_remote" }

type remoteRequest struct {
	Action      string  `json:"action"`
	Target      string  `json:"target"`
	Payload     string  `json:"payload,omitempty"`
	Sensitivity float64 `json:"sensitivity"`
}

type remoteResponse struct {
	Factor   float64                `json:"factor"`
	Verdict  string                 `json:"verdict,omitempty"`
	Evidence map[string]interface{} `json:"evidence,omitempty"`
}

func (t *remoteTongue) Evaluate(ctx context.Context, action, target, payload string, sensitivity float64) (float64, map[string]interface{}, error) {
	body, err := json.Marshal(remoteRequest{
		Action:      action,
		Target:      target,
		Payload:     payload,
		Sensitivity: sensitivity,
	})
	if err != nil {
		return 1, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return 1, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return 1, nil, fmt.Errorf("scbe endpoint unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 1, nil, fmt.Errorf("scbe endpoint returned status %d", resp.StatusCode)
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 1, nil, fmt.Errorf("scbe response decode failed: %w", err)
	}

	evidence := out.Evidence
	if out.Verdict != "" {
		if evidence == nil {
			evidence = make(map[string]interface{})
		}
		evidence["verdict"] = out.Verdict
	}
	return clamp01(out.Factor), evidence, nil
}
