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
	"errors"
	"fmt"
	"strings"
)

// Decision is the categorical outcome of governance evaluation.
const (
	DecisionAllow      = "ALLOW"
	DecisionQuarantine = "QUARANTINE"
	DecisionEscalate   = "ESCALATE"
	DecisionDeny       = "DENY"
	DecisionError      = "ERROR"
)

// Turnstile execution modes.
const (
	ModeProceed  = "PROCEED"
	ModePivot    = "PIVOT"
	ModeDegrade  = "DEGRADE"
	ModeIsolate  = "ISOLATE"
	ModeHoneypot = "HONEYPOT"
	ModeBlock    = "BLOCK"
)

// Domain types a command can declare. A missing or unknown domain defaults
// to fleet.
const (
	DomainBrowser   = "browser"
	DomainVehicle   = "vehicle"
	DomainFleet     = "fleet"
	DomainAntivirus = "antivirus"
)

// Sentinel errors for the coordinator's failure taxonomy.
var (
	ErrPolicyDenied = errors.New("policy denied")
	ErrNotAvailable = errors.New("not available")
	ErrTimeout      = errors.New("timeout")
	ErrValidation   = errors.New("validation error")
	ErrStorage      = errors.New("storage error")
)

// Command is the unit of request a head submits. Immutable once submitted:
// the dispatcher copies Params before mutating turnstile annotations into
// them.
type Command struct {
	Action      string                 `json:"action"`
	Target      string                 `json:"target"`
	Params      map[string]interface{} `json:"params,omitempty"`
	HeadID      string                 `json:"head_id,omitempty"`
	LimbID      string                 `json:"limb_id,omitempty"`
	Sensitivity *float64               `json:"sensitivity,omitempty"`
	DomainType  string                 `json:"domain_type,omitempty"`
}

// Result is the dispatcher's reply for a single command.
type Result struct {
	Success         bool                   `json:"success"`
	Decision        string                 `json:"decision"`
	ActionID        string                 `json:"action_id,omitempty"`
	Data            map[string]interface{} `json:"data,omitempty"`
	Error           string                 `json:"error,omitempty"`
	Reason          string                 `json:"reason,omitempty"`
	TurnstileAction string                 `json:"turnstile_action,omitempty"`
	TrustScore      float64                `json:"trust_score,omitempty"`
	WorkflowID      string                 `json:"workflow_id,omitempty"`
	Status          string                 `json:"status,omitempty"`
	Results         []*Result              `json:"results,omitempty"`
}

// Per-verb base sensitivity used when the command does not declare one.
var baseSensitivity = map[string]float64{
	"navigate": 0.2,
	"click":    0.3,
	"type":     0.4,
	"run":      0.6,
	"api":      0.5,
	"message":  0.3,
	"workflow": 0.5,
	"recall":   0.1,
	"remember": 0.2,
}

var mediumRiskTokens = []string{"login", "auth", "account", "config", "credentials", "env"}

var highRiskTokens = []string{
	"password", "secret", "token", "admin", "delete",
	"rm", "sudo", "bank", "payment",
}

// InferSensitivity returns the command's declared sensitivity, or derives
// one from the per-verb base raised by risk tokens in the target.
func InferSensitivity(cmd *Command) float64 {
	if cmd.Sensitivity != nil {
		return clamp01(*cmd.Sensitivity)
	}

	s, ok := baseSensitivity[cmd.Action]
	if !ok {
		s = 0.5
	}

	target := strings.ToLower(cmd.Target)
	for _, tok := range mediumRiskTokens {
		if strings.Contains(target, tok) {
			s += 0.15
			break
		}
	}
	for _, tok := range highRiskTokens {
		if strings.Contains(target, tok) {
			s += 0.30
			break
		}
	}
	return clamp01(s)
}

// TextPayload collects the free text a command would feed to a limb or a
// recipient head: typed text and message bodies. Governance scans it
// alongside the target.
func TextPayload(cmd *Command) string {
	var parts []string
	for _, key := range []string{"text", "message", "body"} {
		if v, ok := cmd.Params[key]; ok && v != nil {
			parts = append(parts, fmt.Sprint(v))
		}
	}
	return strings.Join(parts, "\n")
}

// normalizeDomain maps a declared domain to one of the known domains,
// defaulting to fleet.
func normalizeDomain(domain string) string {
	switch domain {
	case DomainBrowser, DomainVehicle, DomainFleet, DomainAntivirus:
		return domain
	default:
		return DomainFleet
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// copyParams shallow-copies a params bag so the submitted command stays
// untouched.
func copyParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params)+6)
	for k, v := range params {
		out[k] = v
	}
	return out
}
