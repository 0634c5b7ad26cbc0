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

import "fmt"

// TurnstileOutcome is the concrete execution mode the resolver selects for
// one request, plus the updated session scalars. Immutable once returned.
type TurnstileOutcome struct {
	Action            string  `json:"action"`
	ContinueExecution bool    `json:"continue_execution"`
	Isolate           bool    `json:"isolate"`
	DeployHoneypot    bool    `json:"deploy_honeypot"`
	RequireHuman      bool    `json:"require_human"`
	AntibodyLoad      float64 `json:"antibody_load"`
	MembraneStress    float64 `json:"membrane_stress"`
	Reason            string  `json:"reason"`
}

// ResolveTurnstile maps a governance decision onto an execution mode
// specialized to the command's domain. The function is pure: the session's
// antibody load is threaded in from the caller and the updated value comes
// back in the outcome.
//
// Decision table:
//
//	ALLOW               -> PROCEED
//	QUARANTINE browser  -> DEGRADE (safe mode, continue)
//	QUARANTINE fleet    -> PIVOT   (reduced authority, continue)
//	ESCALATE browser    -> BLOCK   (halt, human required)
//	ESCALATE fleet      -> ISOLATE (halt, human required)
//	DENY                -> BLOCK, or HONEYPOT for hot browser sessions
//
// A QUARANTINE without consensus quorum promotes to ESCALATE. Unknown
// decisions collapse to DENY.
func ResolveTurnstile(decision, domain string, suspicion, geometryNorm, previousAntibodyLoad float64, quorumOK bool) TurnstileOutcome {
	domain = normalizeDomain(domain)

	switch decision {
	case DecisionAllow, DecisionQuarantine, DecisionEscalate, DecisionDeny:
	default:
		decision = DecisionDeny
	}
	if decision == DecisionQuarantine && !quorumOK {
		decision = DecisionEscalate
	}

	switch decision {
	case DecisionAllow:
		// Healthy geometry: the load decays instead of accumulating.
		load := previousAntibodyLoad * 0.9
		if load < 0.01 {
			load = 0
		}
		return TurnstileOutcome{
			Action:            ModeProceed,
			ContinueExecution: true,
			AntibodyLoad:      load,
			MembraneStress:    load * 0.25,
			Reason:            "trust intact",
		}

	case DecisionQuarantine:
		load := previousAntibodyLoad + suspicion
		mode := ModePivot
		reason := "quarantined: pivoting to reduced authority"
		if domain == DomainBrowser {
			mode = ModeDegrade
			reason = "quarantined: degrading to safe browsing"
		}
		return TurnstileOutcome{
			Action:            mode,
			ContinueExecution: true,
			AntibodyLoad:      load,
			MembraneStress:    load*0.5 + suspicion*0.5,
			Reason:            reason,
		}

	case DecisionEscalate:
		load := previousAntibodyLoad + suspicion
		mode := ModeIsolate
		isolate := true
		if domain == DomainBrowser {
			mode = ModeBlock
			isolate = false
		}
		return TurnstileOutcome{
			Action:            mode,
			ContinueExecution: false,
			Isolate:           isolate,
			RequireHuman:      true,
			AntibodyLoad:      load,
			MembraneStress:    load*0.5 + suspicion*0.5,
			Reason:            "escalated: human review required",
		}

	default: // DENY
		load := previousAntibodyLoad + suspicion
		if domain == DomainBrowser && suspicion >= 0.9 && previousAntibodyLoad >= 1.0 {
			return TurnstileOutcome{
				Action:            ModeHoneypot,
				ContinueExecution: true,
				DeployHoneypot:    true,
				AntibodyLoad:      load,
				MembraneStress:    load*0.5 + suspicion*0.5,
				Reason: fmt.Sprintf(
					"denied with sustained hostility (suspicion %.2f, load %.2f): redirecting to honeypot",
					suspicion, previousAntibodyLoad),
			}
		}
		return TurnstileOutcome{
			Action:            ModeBlock,
			ContinueExecution: false,
			AntibodyLoad:      load,
			MembraneStress:    load*0.5 + suspicion*0.5,
			Reason:            "denied by governance",
		}
	}
}
