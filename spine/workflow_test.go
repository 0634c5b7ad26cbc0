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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydra/coordinator/limb"
)

func TestWorkflowRunsAllPhases(t *testing.T) {
	s := newTestSpine(t)
	browser := newFakeLimb("browser-1", limb.TypeBrowser)
	attach(t, s, browser)

	id, err := s.DefineWorkflow("morning-check", []Command{
		{Action: "navigate", Target: "https://example.com", Sensitivity: floatPtr(0.1)},
		{Action: "click", Target: "a.reports", Sensitivity: floatPtr(0.1)},
	})
	require.NoError(t, err)

	res := s.ExecuteWorkflow(context.Background(), id)
	assert.True(t, res.Success)
	assert.Equal(t, WorkflowComplete, res.Status)
	assert.Equal(t, id, res.WorkflowID)
	require.Len(t, res.Results, 2)
	assert.EqualValues(t, 2, browser.ActionCount())

	w := s.GetWorkflow(id)
	require.NotNil(t, w)
	assert.Equal(t, WorkflowComplete, w.Status)
	assert.Equal(t, 2, w.CurrentPhase)
}

func TestWorkflowHaltsOnDeny(t *testing.T) {
	s := newTestSpine(t)
	browser := newFakeLimb("browser-1", limb.TypeBrowser)
	attach(t, s, browser)

	id, err := s.DefineWorkflow("bank-login", []Command{
		{Action: "navigate", Target: "https://mybank.test/start", Sensitivity: floatPtr(0.1)},
		{Action: "click", Target: "input#password", Sensitivity: floatPtr(0.95)},
		{Action: "type", Target: "input#password", Sensitivity: floatPtr(0.1)},
		{Action: "click", Target: "button.submit", Sensitivity: floatPtr(0.1)},
	})
	require.NoError(t, err)

	res := s.ExecuteWorkflow(context.Background(), id)
	assert.False(t, res.Success)
	assert.Equal(t, DecisionDeny, res.Decision)
	assert.Equal(t, WorkflowError, res.Status)

	// Phase 2 denied: phases 3 and 4 never dispatched.
	require.Len(t, res.Results, 2)
	assert.Equal(t, DecisionAllow, res.Results[0].Decision)
	assert.Equal(t, DecisionDeny, res.Results[1].Decision)
	assert.EqualValues(t, 1, browser.ActionCount())

	w := s.GetWorkflow(id)
	assert.Equal(t, WorkflowError, w.Status)
	assert.Equal(t, 1, w.CurrentPhase)
}

func TestWorkflowRequiresPhases(t *testing.T) {
	s := newTestSpine(t)
	_, err := s.DefineWorkflow("empty", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestWorkflowUnknownID(t *testing.T) {
	s := newTestSpine(t)
	res := s.ExecuteWorkflow(context.Background(), "no-such-workflow")
	assert.False(t, res.Success)
	assert.Equal(t, DecisionError, res.Decision)
	assert.Contains(t, res.Error, "not defined")
}

func TestWorkflowLookupByName(t *testing.T) {
	s := newTestSpine(t)
	id, err := s.DefineWorkflow("nightly", []Command{
		{Action: "recall", Target: "project"},
	})
	require.NoError(t, err)

	assert.Equal(t, id, s.GetWorkflow("nightly").ID)
	assert.Equal(t, id, s.GetWorkflow(id).ID)
	assert.Nil(t, s.GetWorkflow("weekly"))
}

func TestWorkflowVerbInlineDefinition(t *testing.T) {
	s := newTestSpine(t)
	browser := newFakeLimb("browser-1", limb.TypeBrowser)
	attach(t, s, browser)

	res := s.Execute(context.Background(), &Command{
		Action:      "workflow",
		Target:      "smoke",
		Sensitivity: floatPtr(0.1),
		Params: map[string]interface{}{
			"phases": []interface{}{
				map[string]interface{}{
					"action":      "navigate",
					"target":      "https://example.com",
					"sensitivity": 0.1,
				},
			},
		},
	})
	assert.True(t, res.Success)
	assert.Equal(t, WorkflowComplete, res.Status)
	assert.NotEmpty(t, res.WorkflowID)
	assert.EqualValues(t, 1, browser.ActionCount())
}

func TestWorkflowVerbDefineOnly(t *testing.T) {
	s := newTestSpine(t)
	res := s.Execute(context.Background(), &Command{
		Action:      "workflow",
		Target:      "later",
		Sensitivity: floatPtr(0.1),
		Params: map[string]interface{}{
			"define_only": true,
			"phases": []interface{}{
				map[string]interface{}{"action": "recall", "target": "k"},
			},
		},
	})
	assert.True(t, res.Success)
	assert.Equal(t, WorkflowInit, res.Status)
	require.NotNil(t, s.GetWorkflow("later"))
	assert.Equal(t, WorkflowInit, s.GetWorkflow("later").Status)
}

func TestWorkflowVerbBadPhases(t *testing.T) {
	s := newTestSpine(t)
	res := s.Execute(context.Background(), &Command{
		Action:      "workflow",
		Target:      "broken",
		Sensitivity: floatPtr(0.1),
		Params: map[string]interface{}{
			"phases": []interface{}{
				map[string]interface{}{"target": "missing-action"},
			},
		},
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "missing action")
}

func TestWorkflowSaveAndLoad(t *testing.T) {
	s := newTestSpine(t)
	dir := t.TempDir()

	_, err := s.DefineWorkflow("release-check", []Command{
		{Action: "navigate", Target: "https://status.example.com"},
		{Action: "api", Target: "https://api.example.com/health"},
	})
	require.NoError(t, err)

	path, err := s.SaveWorkflow("release-check", dir)
	require.NoError(t, err)
	assert.Contains(t, path, "release-check.yaml")

	// A fresh spine loads the saved definition.
	s2 := newTestSpine(t)
	n, err := s2.LoadWorkflows(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	w := s2.GetWorkflow("release-check")
	require.NotNil(t, w)
	require.Len(t, w.Phases, 2)
	assert.Equal(t, "navigate", w.Phases[0].Action)
	assert.Equal(t, "https://api.example.com/health", w.Phases[1].Target)
}

func TestLoadWorkflowsMissingDir(t *testing.T) {
	s := newTestSpine(t)
	n, err := s.LoadWorkflows(t.TempDir() + "/absent")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSaveWorkflowUnknown(t *testing.T) {
	s := newTestSpine(t)
	_, err := s.SaveWorkflow("ghost", t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotAvailable)
}
