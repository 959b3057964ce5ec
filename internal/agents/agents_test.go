package agents

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gg-salo/fleet-commander/internal/plugin"
)

func TestAllCompilesEmbeddedDefs(t *testing.T) {
	all, err := All()
	require.NoError(t, err)
	require.NotEmpty(t, all)

	names := make(map[string]bool)
	for _, a := range all {
		names[a.Name()] = true
	}
	assert.True(t, names["claude"])
	assert.True(t, names["codex"])
}

func TestNewUnknownAgent(t *testing.T) {
	_, err := New("nonexistent")
	require.ErrorIs(t, err, ErrUnknownAgent)
}

func TestCommandAppendsPrompt(t *testing.T) {
	agent, err := New("claude")
	require.NoError(t, err)

	argv := agent.Command("fix the rounding bug")
	require.NotEmpty(t, argv)
	assert.Equal(t, "claude", argv[0])
	assert.Equal(t, "fix the rounding bug", argv[len(argv)-1])

	resume := agent.Command("")
	assert.Equal(t, []string{"claude", "--continue"}, resume)
}

func TestDetectActivity(t *testing.T) {
	agent, err := New("claude")
	require.NoError(t, err)

	tests := []struct {
		name   string
		output string
		want   plugin.Activity
	}{
		{
			name:   "empty output is idle",
			output: "   \n\n",
			want:   plugin.ActivityIdle,
		},
		{
			name:   "spinner with interrupt hint is active",
			output: "some earlier text\n✻ Reading files... (esc to interrupt)\n",
			want:   plugin.ActivityActive,
		},
		{
			name:   "question prompt is waiting",
			output: "Do you want to delete the old migration?\n❯ 1. Yes\n  2. No\n",
			want:   plugin.ActivityWaitingInput,
		},
		{
			name:   "tip line is waiting",
			output: "──────────\n⎿ Tip: Press Enter to continue\n──────────\n",
			want:   plugin.ActivityWaitingInput,
		},
		{
			name:   "stale question above a running spinner is active",
			output: "Do you want to proceed?\nyes\n✻ Applying changes... (ctrl+c to interrupt)\n",
			want:   plugin.ActivityActive,
		},
		{
			name:   "plain output is ready",
			output: "done editing handler.go\nall tests green\n",
			want:   plugin.ActivityReady,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, agent.DetectActivity(tt.output))
		})
	}
}

func TestDetectActivityScanWindow(t *testing.T) {
	agent, err := Compile(Def{
		Name:            "tiny",
		Command:         []string{"tiny"},
		ScanLines:       2,
		WaitingPatterns: []string{`\[y/n\]`},
	})
	require.NoError(t, err)

	// The question scrolled out of the scan window.
	out := "continue? [y/n]\nline\nline\nline\n"
	assert.Equal(t, plugin.ActivityReady, agent.DetectActivity(out))
}

func TestExtractCost(t *testing.T) {
	agent, err := New("claude")
	require.NoError(t, err)

	// The figure accumulates; the newest mention wins.
	cost, ok := agent.ExtractCost("Total cost: $0.18\nmore edits\nTotal cost:  $1.62\n")
	require.True(t, ok)
	assert.Equal(t, 1.62, cost)

	_, ok = agent.ExtractCost("no cost in this output")
	assert.False(t, ok)

	codex, err := New("codex")
	require.NoError(t, err)
	_, ok = codex.ExtractCost("Total cost: $3.00")
	assert.False(t, ok)
}

func TestCompileRejectsCostPatternWithoutGroup(t *testing.T) {
	_, err := Compile(Def{Name: "x", Command: []string{"x"}, CostPattern: `\$[0-9]+`})
	require.Error(t, err)
}

func TestIsProcessRunning(t *testing.T) {
	agent, err := Compile(Def{Name: "self", Command: []string{"true"}})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = agent.IsProcessRunning(ctx, plugin.Handle{ID: "h"})
	require.Error(t, err)

	running, err := agent.IsProcessRunning(ctx, plugin.Handle{
		ID:   "h",
		Data: map[string]string{"pid": strconv.Itoa(os.Getpid())},
	})
	require.NoError(t, err)
	assert.True(t, running)

	running, err = agent.IsProcessRunning(ctx, plugin.Handle{
		ID:   "h",
		Data: map[string]string{"pid": "2147483646"},
	})
	require.NoError(t, err)
	assert.False(t, running)
}
