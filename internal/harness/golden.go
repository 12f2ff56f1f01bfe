package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/caps/internal/event"
)

// Snapshot is the part of a run compared against golden files.
type Snapshot struct {
	Scenario  string       `json:"scenario"`
	Trace     []TraceEvent `json:"trace"`
	Delivered []string     `json:"delivered"`
}

// RunWithGolden runs a scenario and compares its trace and deliveries with
// testdata/golden/<name>.golden as canonical JSON.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, sc *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(sc)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, sc.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result with its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := event.MarshalCanonical(Snapshot{
		Scenario:  name,
		Trace:     result.Trace,
		Delivered: result.Delivered,
	})
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
