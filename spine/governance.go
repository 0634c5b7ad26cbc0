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
	"math"
	"sort"

	"hydra/coordinator/shared/logger"
)

// GovernanceResult is the evaluator's verdict on a single action descriptor.
type GovernanceResult struct {
	Decision      string                 `json:"decision"`
	TrustScore    float64                `json:"trust_score"`
	VectorNorm    float64                `json:"vector_norm"`
	TonguesActive []string               `json:"tongues_active"`
	LatticeProof  map[string]interface{} `json:"lattice_proof,omitempty"`
}

// Tongue is a pluggable policy module. Evaluate returns a trust factor in
// [0,1] (1 means no objection) plus auxiliary evidence for the audit trail.
// payload carries any free text the action would feed to a limb (typed
// text, message bodies); it is empty for actions without one.
type Tongue interface {
	ID() string
	Evaluate(ctx context.Context, action, target, payload string, sensitivity float64) (float64, map[string]interface{}, error)
}

// GovernanceConfig selects and parameterizes the policy modules.
type GovernanceConfig struct {
	Blocklist       []string `yaml:"blocklist"`
	Trustlist       []string `yaml:"trustlist"`
	SafetyThreshold float64  `yaml:"safety_threshold"`
	EnabledTongues  []string `yaml:"enabled_tongues"`
}

// Evaluator composes the enabled tongues into a trust score and decision.
// It is deterministic for a fixed configuration.
type Evaluator struct {
	tongues []Tongue
	log     *logger.Logger
}

// NewEvaluator builds an evaluator from the config. The semantic antivirus
// tongue is mandatory and always present; additional tongues (such as the
// remote policy endpoint) attach only when enabled.
func NewEvaluator(cfg GovernanceConfig, extra ...Tongue) *Evaluator {
	tongues := []Tongue{newAntivirusTongue(cfg)}

	enabled := make(map[string]bool, len(cfg.EnabledTongues))
	for _, id := range cfg.EnabledTongues {
		enabled[id] = true
	}
	for _, t := range extra {
		if len(cfg.EnabledTongues) == 0 || enabled[t.ID()] {
			tongues = append(tongues, t)
		}
	}

	return &Evaluator{
		tongues: tongues,
		log:     logger.New("governance"),
	}
}

// Authorize evaluates an action descriptor. The trust score starts at
// 1 - sensitivity, is multiplied by each tongue factor, and is mapped to a
// decision by fixed thresholds. payload is the action's text payload, if
// any; tongues scan it alongside the target.
func (e *Evaluator) Authorize(ctx context.Context, action, target, payload string, sensitivity float64) (*GovernanceResult, error) {
	trust := 1 - clamp01(sensitivity)
	proof := make(map[string]interface{})
	var active []string
	var sumSquares float64

	for _, t := range e.tongues {
		factor, evidence, err := t.Evaluate(ctx, action, target, payload, sensitivity)
		if err != nil {
			// A failing tongue must not block governance: it abstains
			// with factor 1 and the failure lands in the proof.
			e.log.Warn("", "", "tongue evaluation failed", map[string]interface{}{
				"tongue": t.ID(), "error": err.Error(),
			})
			proof[t.ID()+"_error"] = err.Error()
			continue
		}
		factor = clamp01(factor)
		trust *= factor
		sumSquares += factor * factor

		if factor < 1 || len(evidence) > 0 {
			active = append(active, t.ID())
		}
		if len(evidence) > 0 {
			proof[t.ID()] = evidence
		}
	}
	sort.Strings(active)

	trust = clamp01(trust)
	result := &GovernanceResult{
		Decision:      decideFromTrust(trust),
		TrustScore:    trust,
		VectorNorm:    math.Sqrt(sumSquares),
		TonguesActive: active,
		LatticeProof:  proof,
	}
	return result, nil
}

// decideFromTrust maps a trust score to a decision using the fixed
// thresholds: >0.7 ALLOW, (0.5,0.7] QUARANTINE, (0.3,0.5] ESCALATE,
// <=0.3 DENY.
func decideFromTrust(trust float64) string {
	switch {
	case trust > 0.7:
		return DecisionAllow
	case trust > 0.5:
		return DecisionQuarantine
	case trust > 0.3:
		return DecisionEscalate
	default:
		return DecisionDeny
	}
}

// TongueIDs lists the composed tongue identifiers, for status output.
func (e *Evaluator) TongueIDs() []string {
	ids := make([]string, 0, len(e.tongues))
	for _, t := range e.tongues {
		ids = append(ids, t.ID())
	}
	return ids
}

func (e *Evaluator) String() string {
	return fmt.Sprintf("evaluator(%d tongues)", len(e.tongues))
}
