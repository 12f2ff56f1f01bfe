package conflict

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/roach88/caps/internal/model"
)

// Diff renders a line diff between the local and remote snapshots of c,
// "-" for local-only lines and "+" for remote-only lines. For a conflict
// still waiting on the overridden workstation, the baseline stands in for
// the local side and the current host state for the remote side.
func Diff(c model.Conflict, current *model.Check) (string, error) {
	local := c.Local
	if local == nil {
		local = c.Baseline
	}
	remote := c.Remote
	if remote == nil {
		remote = current
	}

	a, err := snapshotText(local)
	if err != nil {
		return "", err
	}
	b, err := snapshotText(remote)
	if err != nil {
		return "", err
	}

	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	var out strings.Builder
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			out.WriteString(prefix)
			out.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				out.WriteByte('\n')
			}
		}
	}
	return out.String(), nil
}

func snapshotText(c *model.Check) (string, error) {
	if c == nil {
		return "", nil
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render snapshot: %w", err)
	}
	return string(data) + "\n", nil
}
