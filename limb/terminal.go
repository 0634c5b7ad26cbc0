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
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Terminal executes shell commands in a fixed working directory. Calls are
// serialized: one command at a time per limb.
type Terminal struct {
	base
	mu      sync.Mutex
	workdir string
	shell   string
}

// NewTerminal builds a terminal limb rooted at workdir.
func NewTerminal(id, workdir string) *Terminal {
	return &Terminal{
		base:    base{id: id, typ: TypeTerminal},
		workdir: workdir,
		shell:   "/bin/sh",
	}
}

// Execute runs the target as a shell command. Cancellation kills the
// process; the caller sees context.DeadlineExceeded on timeout.
func (t *Terminal) Execute(ctx context.Context, verb, target string, params map[string]interface{}) (*Result, error) {
	if verb != "run" {
		return nil, fmt.Errorf("terminal limb does not support verb %q", verb)
	}
	if strings.TrimSpace(target) == "" {
		return nil, fmt.Errorf("terminal limb requires a command")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.actions.Add(1)

	cmd := exec.CommandContext(ctx, t.shell, "-c", target)
	cmd.Dir = t.workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	data := map[string]interface{}{
		"stdout": stdout.String(),
		"stderr": stderr.String(),
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			data["exit_code"] = exitErr.ExitCode()
			return &Result{Success: false, Data: data, Error: err.Error()}, nil
		}
		return fail(err), nil
	}
	data["exit_code"] = 0
	return &Result{Success: true, Data: data}, nil
}
