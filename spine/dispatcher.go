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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"hydra/coordinator/ledger"
	"hydra/coordinator/limb"
	"hydra/coordinator/shared/logger"
)

// Switchboard is the external collaborator handling switchboard_* verbs.
type Switchboard interface {
	Handle(ctx context.Context, op string, cmd *Command) (map[string]interface{}, error)
}

// BroadcastFunc publishes an event to a fanout channel. The spine calls it
// after every decision write; wiring it up is optional.
type BroadcastFunc func(channel string, event map[string]interface{})

// Options tunes a Spine.
type Options struct {
	HoneypotURL        string
	DefaultTimeout     time.Duration
	RateLimitPerMinute int
	RedisURL           string
	Registerer         prometheus.Registerer
}

// Spine is the sole dispatch entry point: every command, whatever its
// transport, flows through Execute and is gated by governance and the
// turnstile before any limb runs.
type Spine struct {
	registry  *Registry
	ledger    *ledger.Ledger
	librarian *ledger.Librarian
	evaluator *Evaluator
	consensus *Consensus
	workflows *workflowStore
	session   *sessionState
	limiter   *RateLimiter
	metrics   *metrics
	log       *logger.Logger

	switchboard Switchboard
	broadcast   BroadcastFunc
	honeypotURL string
	timeout     time.Duration
}

const defaultHoneypotURL = "https://honeypot.hydra.internal/trap"

// New wires a Spine over its collaborators.
func New(led *ledger.Ledger, lib *ledger.Librarian, reg *Registry, eval *Evaluator, cons *Consensus, opts Options) *Spine {
	if opts.HoneypotURL == "" {
		opts.HoneypotURL = defaultHoneypotURL
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	return &Spine{
		registry:    reg,
		ledger:      led,
		librarian:   lib,
		evaluator:   eval,
		consensus:   cons,
		workflows:   newWorkflowStore(),
		session:     &sessionState{},
		limiter:     NewRateLimiter(opts.RateLimitPerMinute, opts.RedisURL),
		metrics:     newMetrics(opts.Registerer),
		log:         logger.New("spine"),
		honeypotURL: opts.HoneypotURL,
		timeout:     opts.DefaultTimeout,
	}
}

// Registry exposes the head/limb registry for transports and the CLI.
func (s *Spine) Registry() *Registry { return s.registry }

// Ledger exposes the audit store for read paths (stats, status).
func (s *Spine) Ledger() *ledger.Ledger { return s.ledger }

// Consensus exposes the voting engine.
func (s *Spine) Consensus() *Consensus { return s.consensus }

// Librarian exposes the memory search index.
func (s *Spine) Librarian() *ledger.Librarian { return s.librarian }

// SetSwitchboard attaches the external switchboard collaborator.
func (s *Spine) SetSwitchboard(sb Switchboard) { s.switchboard = sb }

// SetBroadcast attaches the fanout publisher.
func (s *Spine) SetBroadcast(fn BroadcastFunc) { s.broadcast = fn }

// SessionScalars reports the current antibody load and membrane stress.
func (s *Spine) SessionScalars() (load, stress float64) {
	return s.session.snapshot()
}

// Execute runs a command through the full gate: sensitivity inference,
// governance, turnstile, limb routing, and ledgering. It never panics and
// never returns nil.
func (s *Spine) Execute(ctx context.Context, cmd *Command) (result *Result) {
	start := time.Now()
	actionID := uuid.NewString()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("", actionID, "panic during dispatch", map[string]interface{}{"panic": fmt.Sprint(r)})
			s.writeErrorEntry(actionID, cmd, fmt.Sprintf("panic: %v", r))
			result = &Result{
				Success:  false,
				Decision: DecisionError,
				ActionID: actionID,
				Error:    fmt.Sprintf("internal error: %v", r),
			}
		}
		if result != nil {
			verb := "unknown"
			if cmd != nil && cmd.Action != "" {
				verb = cmd.Action
			}
			s.metrics.actions.WithLabelValues(verb).Inc()
			s.metrics.duration.WithLabelValues(verb).Observe(time.Since(start).Seconds())
		}
	}()

	if cmd == nil || strings.TrimSpace(cmd.Action) == "" {
		s.writeErrorEntry(actionID, cmd, "malformed command: action required")
		return &Result{
			Success:  false,
			Decision: DecisionError,
			ActionID: actionID,
			Error:    "validation error: action required",
		}
	}

	if err := s.limiter.Allow(ctx, cmd.HeadID); err != nil {
		return &Result{
			Success:  false,
			Decision: DecisionError,
			ActionID: actionID,
			Error:    err.Error(),
		}
	}

	// Ambient deadline: every dispatch carries one.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	sensitivity := InferSensitivity(cmd)

	if head := s.registry.GetHead(cmd.HeadID); head != nil {
		head.addAction()
		head.setStatus(HeadBusy)
		defer head.setStatus(HeadConnected)
	}

	actionEntry := &ledger.Entry{
		ID:        actionID,
		EntryType: ledger.EntryAction,
		HeadID:    cmd.HeadID,
		LimbID:    cmd.LimbID,
		Action:    cmd.Action,
		Target:    cmd.Target,
		Payload: map[string]interface{}{
			"action_id":   actionID,
			"params":      cmd.Params,
			"sensitivity": sensitivity,
			"domain_type": cmd.DomainType,
		},
	}
	if err := s.ledger.Write(ctx, actionEntry); err != nil {
		s.log.Error(cmd.HeadID, actionID, "ledger write failed", map[string]interface{}{"error": err.Error()})
		return &Result{
			Success:  false,
			Decision: DecisionError,
			ActionID: actionID,
			Error:    fmt.Sprintf("storage error: %v", err),
		}
	}

	gov, err := s.evaluator.Authorize(ctx, cmd.Action, cmd.Target, TextPayload(cmd), sensitivity)
	if err != nil {
		s.writeErrorEntry(actionID, cmd, fmt.Sprintf("governance failure: %v", err))
		return &Result{
			Success:  false,
			Decision: DecisionError,
			ActionID: actionID,
			Error:    fmt.Sprintf("governance failure: %v", err),
		}
	}
	s.metrics.decisions.WithLabelValues(gov.Decision).Inc()

	decisionEntry := &ledger.Entry{
		ID:        uuid.NewString(),
		EntryType: ledger.EntryDecision,
		HeadID:    cmd.HeadID,
		Action:    cmd.Action,
		Target:    cmd.Target,
		Decision:  gov.Decision,
		Score:     gov.TrustScore,
		ParentID:  actionID,
		Payload: map[string]interface{}{
			"action_id":      actionID,
			"vector_norm":    gov.VectorNorm,
			"tongues_active": gov.TonguesActive,
			"lattice_proof":  gov.LatticeProof,
		},
	}
	if err := s.ledger.Write(ctx, decisionEntry); err != nil {
		s.log.Error(cmd.HeadID, actionID, "ledger write failed", map[string]interface{}{"error": err.Error()})
		return &Result{
			Success:  false,
			Decision: DecisionError,
			ActionID: actionID,
			Error:    fmt.Sprintf("storage error: %v", err),
		}
	}
	s.publishDecision(actionID, cmd, gov)

	suspicion := 1 - gov.TrustScore
	prevLoad, _ := s.session.snapshot()
	quorumOK := s.quorumForCommand(cmd)

	outcome := ResolveTurnstile(gov.Decision, cmd.DomainType, suspicion, gov.VectorNorm, prevLoad, quorumOK)
	s.session.apply(gov.Decision, outcome)

	params := copyParams(cmd.Params)
	params["turnstile_action"] = outcome.Action
	params["antibody_load"] = outcome.AntibodyLoad
	params["membrane_stress"] = outcome.MembraneStress
	if outcome.Isolate {
		params["quarantine"] = true
	}

	target := cmd.Target
	if outcome.DeployHoneypot {
		params["honeypot"] = true
		params["honeypot_target"] = s.honeypotURL
		if isBrowserVerb(cmd.Action) {
			target = s.honeypotURL
		}
		s.metrics.honeypots.Inc()
		checkpoint := &ledger.Entry{
			ID:        uuid.NewString(),
			EntryType: ledger.EntryCheckpoint,
			HeadID:    cmd.HeadID,
			Action:    "turnstile_resolution",
			Target:    cmd.Target,
			ParentID:  actionID,
			Payload: map[string]interface{}{
				"action_id":        actionID,
				"turnstile_action": outcome.Action,
				"honeypot_target":  s.honeypotURL,
				"reason":           outcome.Reason,
			},
		}
		if err := s.ledger.Write(ctx, checkpoint); err != nil {
			s.log.Warn(cmd.HeadID, actionID, "failed to ledger turnstile checkpoint", map[string]interface{}{"error": err.Error()})
		}
	}

	if !outcome.ContinueExecution {
		decision := DecisionDeny
		if outcome.RequireHuman {
			decision = DecisionEscalate
		}
		return &Result{
			Success:         false,
			Decision:        decision,
			ActionID:        actionID,
			Reason:          outcome.Reason,
			TurnstileAction: outcome.Action,
			TrustScore:      gov.TrustScore,
		}
	}

	switch outcome.Action {
	case ModePivot:
		params["safe_mode"] = "pivot"
	case ModeDegrade:
		params["safe_mode"] = "degrade"
	}

	res := s.route(ctx, cmd, actionID, target, params, gov)
	res.ActionID = actionID
	res.TurnstileAction = outcome.Action
	res.TrustScore = gov.TrustScore
	return res
}

// route delivers an authorized command to the component that owns its verb.
func (s *Spine) route(ctx context.Context, cmd *Command, actionID, target string, params map[string]interface{}, gov *GovernanceResult) *Result {
	switch {
	case isBrowserVerb(cmd.Action):
		return s.routeToLimb(ctx, cmd, actionID, target, params, gov, limb.TypeBrowser)
	case cmd.Action == "run":
		return s.routeToLimb(ctx, cmd, actionID, target, params, gov, limb.TypeTerminal)
	case cmd.Action == "api":
		return s.routeToLimb(ctx, cmd, actionID, target, params, gov, limb.TypeAPI)
	case cmd.Action == "remember":
		return s.handleRemember(ctx, cmd, actionID, gov)
	case cmd.Action == "recall":
		return s.handleRecall(ctx, cmd, gov)
	case cmd.Action == "message":
		return s.handleMessage(ctx, cmd, params)
	case cmd.Action == "workflow":
		return s.handleWorkflowVerb(ctx, cmd, gov)
	case strings.HasPrefix(cmd.Action, "switchboard_"):
		return s.handleSwitchboard(ctx, cmd)
	default:
		return &Result{
			Success:  false,
			Decision: DecisionError,
			Error:    fmt.Sprintf("validation error: unknown action %q", cmd.Action),
		}
	}
}

func isBrowserVerb(action string) bool {
	return action == "navigate" || action == "click" || action == "type"
}

// routeToLimb resolves the execution backend and runs it, shaping timeout
// and failure into structured results.
func (s *Spine) routeToLimb(ctx context.Context, cmd *Command, actionID, target string, params map[string]interface{}, gov *GovernanceResult, wantType string) *Result {
	l := s.registry.FindLimb(cmd.LimbID, wantType)
	if l == nil {
		return &Result{
			Success:  false,
			Decision: gov.Decision,
			Error:    fmt.Sprintf("no %s limb attached", wantType),
		}
	}

	res, err := l.Execute(ctx, cmd.Action, target, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			s.writeErrorEntry(actionID, cmd, "timeout during limb execution")
			s.registry.MarkLimbError(context.WithoutCancel(ctx), l.ID(), "timeout: cancellation deadline elapsed")
			if head := s.registry.GetHead(cmd.HeadID); head != nil {
				head.addError()
			}
			return &Result{
				Success:  false,
				Decision: DecisionQuarantine,
				Error:    "timeout",
			}
		}
		s.writeErrorEntry(actionID, cmd, err.Error())
		if head := s.registry.GetHead(cmd.HeadID); head != nil {
			head.addError()
		}
		return &Result{
			Success:  false,
			Decision: DecisionError,
			Error:    err.Error(),
		}
	}

	return &Result{
		Success:  res.Success,
		Decision: gov.Decision,
		Data:     res.Data,
		Error:    res.Error,
	}
}

func (s *Spine) handleRemember(ctx context.Context, cmd *Command, actionID string, gov *GovernanceResult) *Result {
	value, ok := cmd.Params["value"]
	if !ok {
		return &Result{
			Success:  false,
			Decision: DecisionError,
			Error:    "validation error: remember requires params.value",
		}
	}
	category, _ := cmd.Params["category"].(string)
	importance := 0.5
	if imp, ok := cmd.Params["importance"].(float64); ok {
		importance = imp
	}

	if err := s.ledger.Remember(ctx, cmd.Target, value, category, importance); err != nil {
		return &Result{Success: false, Decision: DecisionError, Error: fmt.Sprintf("storage error: %v", err)}
	}
	if err := s.librarian.Index(ctx, cmd.Target, fmt.Sprint(value), category); err != nil {
		s.log.Warn(cmd.HeadID, actionID, "keyword indexing failed", map[string]interface{}{"error": err.Error()})
	}

	entry := &ledger.Entry{
		ID:        uuid.NewString(),
		EntryType: ledger.EntryMemory,
		HeadID:    cmd.HeadID,
		Action:    "remember",
		Target:    cmd.Target,
		ParentID:  actionID,
		Payload:   map[string]interface{}{"category": category, "importance": importance},
	}
	if err := s.ledger.Write(ctx, entry); err != nil {
		s.log.Warn(cmd.HeadID, actionID, "failed to ledger memory write", map[string]interface{}{"error": err.Error()})
	}

	return &Result{
		Success:  true,
		Decision: gov.Decision,
		Data:     map[string]interface{}{"key": cmd.Target},
	}
}

func (s *Spine) handleRecall(ctx context.Context, cmd *Command, gov *GovernanceResult) *Result {
	fact, err := s.ledger.Recall(ctx, cmd.Target)
	if err != nil {
		return &Result{Success: false, Decision: DecisionError, Error: fmt.Sprintf("storage error: %v", err)}
	}
	if fact == nil {
		return &Result{
			Success:  true,
			Decision: gov.Decision,
			Data:     map[string]interface{}{"key": cmd.Target, "found": false},
		}
	}
	return &Result{
		Success:  true,
		Decision: gov.Decision,
		Data: map[string]interface{}{
			"key":          fact.Key,
			"found":        true,
			"value":        fact.Value,
			"category":     fact.Category,
			"importance":   fact.Importance,
			"access_count": fact.AccessCount,
		},
	}
}

func (s *Spine) handleMessage(ctx context.Context, cmd *Command, params map[string]interface{}) *Result {
	to := cmd.Target
	if v, ok := params["to"].(string); ok && v != "" {
		to = v
	}
	body := params["message"]
	if body == nil {
		body = params["body"]
	}
	if to == "" || body == nil {
		return &Result{
			Success:  false,
			Decision: DecisionError,
			Error:    "validation error: message requires a recipient and a body",
		}
	}
	return s.SendMessage(ctx, cmd.HeadID, to, body)
}

func (s *Spine) handleSwitchboard(ctx context.Context, cmd *Command) *Result {
	if s.switchboard == nil {
		return &Result{
			Success:  false,
			Decision: DecisionError,
			Error:    "no switchboard attached",
		}
	}
	op := strings.TrimPrefix(cmd.Action, "switchboard_")
	data, err := s.switchboard.Handle(ctx, op, cmd)
	if err != nil {
		return &Result{Success: false, Decision: DecisionError, Error: err.Error()}
	}
	return &Result{Success: true, Decision: DecisionAllow, Data: data}
}

// quorumForCommand resolves the quorum_ok input to the turnstile. Quorum
// only matters when the command demands consensus: either by naming a
// round (which must have approved) or by flagging require_consensus with
// no decided round to point at.
func (s *Spine) quorumForCommand(cmd *Command) bool {
	if round, ok := cmd.Params["consensus_round"].(string); ok && round != "" {
		return s.consensus.QuorumOK(round)
	}
	if required, ok := cmd.Params["require_consensus"].(bool); ok && required {
		return false
	}
	return true
}

// publishDecision pushes decision frames into the fanout: the full frame
// on "actions", and adverse decisions additionally on "decisions".
func (s *Spine) publishDecision(actionID string, cmd *Command, gov *GovernanceResult) {
	s.publishDecisionEvent(actionID, cmd.Action, cmd.Target, cmd.HeadID, gov.Decision, gov.TrustScore)
}

func (s *Spine) publishDecisionEvent(actionID, action, target, headID, decision string, trust float64) {
	if s.broadcast == nil {
		return
	}
	event := map[string]interface{}{
		"action_id":   actionID,
		"action":      action,
		"target":      target,
		"head_id":     headID,
		"decision":    decision,
		"trust_score": trust,
	}
	s.broadcast("actions", event)
	if decision != DecisionAllow {
		s.broadcast("decisions", event)
	}
}

// writeErrorEntry records a failure best-effort; a ledger failure during
// error handling is logged and dropped, never re-entering the error path.
func (s *Spine) writeErrorEntry(actionID string, cmd *Command, msg string) {
	entry := &ledger.Entry{
		ID:        uuid.NewString(),
		EntryType: ledger.EntryError,
		ParentID:  actionID,
		Payload:   map[string]interface{}{"error": msg, "action_id": actionID},
	}
	if cmd != nil {
		entry.HeadID = cmd.HeadID
		entry.LimbID = cmd.LimbID
		entry.Action = cmd.Action
		entry.Target = cmd.Target
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ledger.Write(ctx, entry); err != nil {
		s.log.Error("", actionID, "failed to ledger error entry", map[string]interface{}{"error": err.Error()})
	}
}
