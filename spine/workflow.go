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
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Workflow statuses.
const (
	WorkflowInit       = "INIT"
	WorkflowPlanning   = "PLANNING"
	WorkflowExecution  = "EXECUTION"
	WorkflowValidation = "VALIDATION"
	WorkflowComplete   = "COMPLETE"
	WorkflowError      = "ERROR"
)

// Workflow is an ordered sequence of commands executed through the normal
// dispatch gate, one phase at a time.
type Workflow struct {
	ID           string    `json:"workflow_id" yaml:"workflow_id"`
	Name         string    `json:"name" yaml:"name"`
	Phases       []Command `json:"phases" yaml:"phases"`
	CurrentPhase int       `json:"current_phase" yaml:"-"`
	Status       string    `json:"status" yaml:"-"`
	Results      []*Result `json:"results" yaml:"-"`
}

// workflowStore keeps defined workflows for the session.
type workflowStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

func newWorkflowStore() *workflowStore {
	return &workflowStore{workflows: make(map[string]*Workflow)}
}

func (ws *workflowStore) put(w *Workflow) {
	ws.mu.Lock()
	ws.workflows[w.ID] = w
	ws.mu.Unlock()
}

func (ws *workflowStore) get(id string) *Workflow {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.workflows[id]
}

func (ws *workflowStore) byName(name string) *Workflow {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	for _, w := range ws.workflows {
		if w.Name == name {
			return w
		}
	}
	return nil
}

func (ws *workflowStore) list() []*Workflow {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	out := make([]*Workflow, 0, len(ws.workflows))
	for _, w := range ws.workflows {
		out = append(out, w)
	}
	return out
}

// DefineWorkflow registers a named phase sequence and returns its id.
func (s *Spine) DefineWorkflow(name string, phases []Command) (string, error) {
	if len(phases) == 0 {
		return "", fmt.Errorf("%w: workflow requires at least one phase", ErrValidation)
	}
	w := &Workflow{
		ID:     uuid.NewString(),
		Name:   name,
		Phases: phases,
		Status: WorkflowInit,
	}
	s.workflows.put(w)
	s.log.Info("", "", "workflow defined", map[string]interface{}{
		"workflow_id": w.ID, "name": name, "phases": len(phases),
	})
	return w.ID, nil
}

// GetWorkflow returns a defined workflow by id or name.
func (s *Spine) GetWorkflow(idOrName string) *Workflow {
	if w := s.workflows.get(idOrName); w != nil {
		return w
	}
	return s.workflows.byName(idOrName)
}

// ListWorkflows snapshots the defined workflows.
func (s *Spine) ListWorkflows() []*Workflow {
	return s.workflows.list()
}

// ExecuteWorkflow runs the workflow's phases in order through Execute.
// A phase that comes back DENY and unsuccessful halts the workflow with
// status ERROR; later phases are never dispatched.
func (s *Spine) ExecuteWorkflow(ctx context.Context, workflowID string) *Result {
	w := s.GetWorkflow(workflowID)
	if w == nil {
		return &Result{
			Success:  false,
			Decision: DecisionError,
			Error:    fmt.Sprintf("workflow %s not defined", workflowID),
		}
	}

	w.Status = WorkflowExecution
	w.CurrentPhase = 0
	w.Results = w.Results[:0]

	for i := range w.Phases {
		phase := w.Phases[i]
		res := s.Execute(ctx, &phase)
		w.Results = append(w.Results, res)

		if res.Decision == DecisionDeny && !res.Success {
			w.Status = WorkflowError
			s.log.Warn(phase.HeadID, "", "workflow halted on denial", map[string]interface{}{
				"workflow_id": w.ID, "phase": i, "reason": res.Reason,
			})
			return &Result{
				Success:    false,
				Decision:   DecisionDeny,
				WorkflowID: w.ID,
				Status:     WorkflowError,
				Results:    w.Results,
				Reason:     res.Reason,
			}
		}
		w.CurrentPhase = i + 1
	}

	w.Status = WorkflowComplete
	// Results are only retained until completion.
	results := w.Results
	w.Results = nil
	return &Result{
		Success:    true,
		Decision:   DecisionAllow,
		WorkflowID: w.ID,
		Status:     WorkflowComplete,
		Results:    results,
	}
}

// handleWorkflowVerb services the "workflow" action: an inline definition
// in params, or a reference to a defined workflow in the target.
func (s *Spine) handleWorkflowVerb(ctx context.Context, cmd *Command, gov *GovernanceResult) *Result {
	if rawPhases, ok := cmd.Params["phases"]; ok {
		phases, err := decodePhases(rawPhases)
		if err != nil {
			return &Result{Success: false, Decision: DecisionError, Error: err.Error()}
		}
		name, _ := cmd.Params["name"].(string)
		if name == "" {
			name = cmd.Target
		}
		id, err := s.DefineWorkflow(name, phases)
		if err != nil {
			return &Result{Success: false, Decision: DecisionError, Error: err.Error()}
		}
		if define, _ := cmd.Params["define_only"].(bool); define {
			return &Result{
				Success:    true,
				Decision:   gov.Decision,
				WorkflowID: id,
				Status:     WorkflowInit,
			}
		}
		return s.ExecuteWorkflow(ctx, id)
	}

	if cmd.Target == "" {
		return &Result{
			Success:  false,
			Decision: DecisionError,
			Error:    "validation error: workflow requires a target id or inline phases",
		}
	}
	return s.ExecuteWorkflow(ctx, cmd.Target)
}

// decodePhases converts a JSON-shaped phase list into commands.
func decodePhases(raw interface{}) ([]Command, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: workflow phases must be a list", ErrValidation)
	}
	phases := make([]Command, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: phase %d is not an object", ErrValidation, i)
		}
		var c Command
		c.Action, _ = m["action"].(string)
		c.Target, _ = m["target"].(string)
		c.HeadID, _ = m["head_id"].(string)
		c.LimbID, _ = m["limb_id"].(string)
		c.DomainType, _ = m["domain_type"].(string)
		if p, ok := m["params"].(map[string]interface{}); ok {
			c.Params = p
		}
		if sv, ok := m["sensitivity"].(float64); ok {
			s := sv
			c.Sensitivity = &s
		}
		if c.Action == "" {
			return nil, fmt.Errorf("%w: phase %d missing action", ErrValidation, i)
		}
		phases = append(phases, c)
	}
	return phases, nil
}

// workflowDoc is the on-disk YAML shape for saved workflows.
type workflowDoc struct {
	Name   string    `yaml:"name"`
	Phases []Command `yaml:"phases"`
}

// SaveWorkflow writes a defined workflow as YAML under dir.
func (s *Spine) SaveWorkflow(idOrName, dir string) (string, error) {
	w := s.GetWorkflow(idOrName)
	if w == nil {
		return "", fmt.Errorf("%w: workflow %s not defined", ErrNotAvailable, idOrName)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workflow dir: %w", err)
	}

	doc := workflowDoc{Name: w.Name, Phases: w.Phases}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode workflow: %w", err)
	}

	name := w.Name
	if name == "" {
		name = w.ID
	}
	path := filepath.Join(dir, sanitizeFileName(name)+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write workflow file: %w", err)
	}
	return path, nil
}

// LoadWorkflows defines every *.yaml workflow found under dir.
func (s *Spine) LoadWorkflows(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read workflow dir: %w", err)
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return loaded, fmt.Errorf("failed to read workflow %s: %w", e.Name(), err)
		}
		var doc workflowDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return loaded, fmt.Errorf("failed to parse workflow %s: %w", e.Name(), err)
		}
		if _, err := s.DefineWorkflow(doc.Name, doc.Phases); err != nil {
			return loaded, fmt.Errorf("invalid workflow %s: %w", e.Name(), err)
		}
		loaded++
	}
	return loaded, nil
}

func sanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}
