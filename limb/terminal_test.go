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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalRun(t *testing.T) {
	term := NewTerminal("term-1", t.TempDir())

	res, err := term.Execute(context.Background(), "run", "echo hello", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hello\n", res.Data["stdout"])
	assert.Equal(t, 0, res.Data["exit_code"])
	assert.EqualValues(t, 1, term.ActionCount())
}

func TestTerminalNonZeroExit(t *testing.T) {
	term := NewTerminal("term-1", t.TempDir())

	res, err := term.Execute(context.Background(), "run", "echo oops >&2; exit 3", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Data["exit_code"])
	assert.Equal(t, "oops\n", res.Data["stderr"])
	assert.NotEmpty(t, res.Error)
}

func TestTerminalWorkdir(t *testing.T) {
	dir := t.TempDir()
	term := NewTerminal("term-1", dir)

	res, err := term.Execute(context.Background(), "run", "pwd", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Data["stdout"], dir)
}

func TestTerminalTimeout(t *testing.T) {
	term := NewTerminal("term-1", t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := term.Execute(ctx, "run", "sleep 5", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTerminalValidation(t *testing.T) {
	term := NewTerminal("term-1", t.TempDir())
	ctx := context.Background()

	_, err := term.Execute(ctx, "navigate", "https://example.com", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `does not support verb "navigate"`)

	_, err = term.Execute(ctx, "run", "   ", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a command")
}
