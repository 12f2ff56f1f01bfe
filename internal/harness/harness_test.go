package harness

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/caps/internal/checks"
)

func TestRun_Scenarios(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, path := range files {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			sc, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(sc)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Len(t, result.Trace, len(sc.Steps))
		})
	}
}

func TestRun_ReportsUnexpectedOutcome(t *testing.T) {
	up := false
	sc := &Scenario{
		Name:         "wrong_expectation",
		Description:  "A paused replay does not match an ok expectation",
		Workstations: []Workstation{{ID: "ws-a", RangeStart: 1, RangeEnd: 99}},
		Steps: []Step{
			{Op: OpCloud, Up: &up},
			{Op: OpOpen, Workstation: "ws-a", Check: "lunch"},
			{Op: OpReplay},
		},
	}

	result, err := Run(sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `outcome "paused", want "ok"`)

	require.Len(t, result.Trace, 3)
	assert.Equal(t, int64(1), result.Trace[1].Version)
	assert.Equal(t, "ws-a", result.Trace[1].Workstation)
}

func TestRun_ReportsFailedAssertion(t *testing.T) {
	count := 1
	sc := &Scenario{
		Name:         "missing_conflict",
		Description:  "No conflict was ever opened",
		Workstations: []Workstation{{ID: "ws-a", RangeStart: 1, RangeEnd: 99}},
		Steps:        []Step{{Op: OpOpen, Workstation: "ws-a", Check: "lunch"}},
		Assertions: []Assertion{
			{Type: AssertConflicts, Count: &count},
			{Type: AssertCheck, Check: "lunch", Expect: map[string]any{"number": 1, "status": "closed"}},
			{Type: AssertMode, Mode: "unknown"},
		},
	}

	result, err := Run(sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "found 0 conflicts")
	assert.Contains(t, result.Errors[1], `field "status" is open, want closed`)
}

func TestRun_UnknownCheckAliasFails(t *testing.T) {
	sc := &Scenario{
		Name:        "no_alias",
		Description: "Closing a check that was never opened",
		Steps:       []Step{{Op: OpClose, Workstation: "ws-a", Check: "ghost"}},
	}

	_, err := Run(sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `check "ghost" was never opened`)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", outcome(nil))
	assert.Equal(t, "error: boom", outcome(errors.New("boom")))
	assert.Equal(t, "underpaid", outcome(fmt.Errorf("close: %w", checks.ErrUnderpaid)))
	assert.Equal(t, "lock_conflict_soft", outcome(&checks.LockConflictError{Class: checks.SoftConflict, CheckID: "chk-1"}))
}
