package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one end-to-end run.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Workstations and TaxRules are installed as the first config delta.
	Workstations []Workstation `yaml:"workstations"`
	TaxRules     []TaxRule     `yaml:"tax_rules,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Workstation is a workstation with its check-number range.
type Workstation struct {
	ID         string `yaml:"id" json:"id"`
	RangeStart int64  `yaml:"range_start" json:"range_start"`
	RangeEnd   int64  `yaml:"range_end" json:"range_end"`
}

// TaxRule is a property-wide tax rate.
type TaxRule struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	BasisPoints int64  `yaml:"basis_points" json:"basis_points"`
}

// Item is a line item as written in a scenario.
type Item struct {
	MenuItemID string `yaml:"menu_item_id"`
	Name       string `yaml:"name"`
	Quantity   int64  `yaml:"quantity"`
	UnitPrice  int64  `yaml:"unit_price"`
	Voided     bool   `yaml:"voided,omitempty"`
}

// Step is one action in a scenario. Which fields apply depends on Op.
type Step struct {
	Op string `yaml:"op"`

	Workstation string `yaml:"ws,omitempty"`
	Employee    string `yaml:"employee,omitempty"`
	// Check is the scenario's alias for a check, bound by open.
	Check string `yaml:"check,omitempty"`

	Items []Item `yaml:"items,omitempty"`
	// BaseVersion overrides the version an items step claims to edit.
	// By default it is the stored version.
	BaseVersion *int64 `yaml:"base_version,omitempty"`

	Tender string `yaml:"tender,omitempty"`
	Amount int64  `yaml:"amount,omitempty"`
	Reason string `yaml:"reason,omitempty"`

	Class string `yaml:"class,omitempty"`
	Up    *bool  `yaml:"up,omitempty"`
	Times int    `yaml:"times,omitempty"`
	By    string `yaml:"by,omitempty"`

	Verdict  string `yaml:"verdict,omitempty"`
	Decision string `yaml:"decision,omitempty"`

	// Expect is the outcome the step must produce. Empty means "ok".
	Expect string `yaml:"expect,omitempty"`
}

// Assertion checks the state after all steps ran.
type Assertion struct {
	Type    string         `yaml:"type"`
	Check   string         `yaml:"check,omitempty"`
	Expect  map[string]any `yaml:"expect,omitempty"`
	Mode    string         `yaml:"mode,omitempty"`
	Actions []string       `yaml:"actions,omitempty"`
	Status  string         `yaml:"status,omitempty"`
	Count   *int           `yaml:"count,omitempty"`
}

// Step operations.
const (
	OpOpen      = "open"
	OpItems     = "items"
	OpPay       = "pay"
	OpClose     = "close"
	OpVoid      = "void"
	OpLock      = "lock"
	OpRelease   = "release"
	OpOverride  = "override"
	OpPeer      = "peer"
	OpCloud     = "cloud"
	OpLAN       = "lan"
	OpHeartbeat = "heartbeat"
	OpAdvance   = "advance"
	OpReplay    = "replay"
	OpResolve   = "resolve"
)

// Assertion types.
const (
	AssertCheck      = "check"
	AssertMode       = "mode"
	AssertQueue      = "queue"
	AssertQueueStats = "queue_stats"
	AssertConflicts  = "conflicts"
	AssertDelivered  = "delivered"
)

// Cloud verdicts for replay steps.
const (
	VerdictOK        = "ok"
	VerdictDuplicate = "duplicate"
	VerdictReject    = "reject"
	VerdictRetry     = "retry"
	VerdictConflict  = "conflict"
	VerdictDown      = "down"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so a typo cannot silently drop a step or assertion.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}
	for i, w := range s.Workstations {
		if w.ID == "" {
			return fmt.Errorf("workstations[%d]: id is required", i)
		}
	}
	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i]); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, st *Step) error {
	needs := func(field, value string) error {
		if value == "" {
			return fmt.Errorf("steps[%d]: %s is required for %s", i, field, st.Op)
		}
		return nil
	}

	switch st.Op {
	case OpOpen, OpPeer:
		return needs("ws", st.Workstation)
	case OpItems, OpPay, OpClose, OpVoid, OpLock, OpRelease, OpOverride:
		if err := needs("ws", st.Workstation); err != nil {
			return err
		}
		if err := needs("check", st.Check); err != nil {
			return err
		}
		if st.Op == OpPay && st.Amount <= 0 {
			return fmt.Errorf("steps[%d]: amount must be positive for pay", i)
		}
	case OpCloud, OpLAN:
		if st.Up == nil {
			return fmt.Errorf("steps[%d]: up is required for %s", i, st.Op)
		}
	case OpHeartbeat:
		if st.Times < 0 {
			return fmt.Errorf("steps[%d]: times must not be negative", i)
		}
	case OpAdvance:
		if _, err := time.ParseDuration(st.By); err != nil {
			return fmt.Errorf("steps[%d]: by must be a duration: %w", i, err)
		}
	case OpReplay:
		switch st.Verdict {
		case "", VerdictOK, VerdictDuplicate, VerdictReject, VerdictRetry, VerdictConflict, VerdictDown:
		default:
			return fmt.Errorf("steps[%d]: unknown verdict %q", i, st.Verdict)
		}
	case OpResolve:
		if err := needs("check", st.Check); err != nil {
			return err
		}
		return needs("decision", st.Decision)
	case "":
		return fmt.Errorf("steps[%d]: op is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", i, st.Op)
	}
	return nil
}

func validateAssertion(i int, a *Assertion) error {
	switch a.Type {
	case AssertCheck:
		if a.Check == "" || len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: check and expect are required for check", i)
		}
	case AssertMode:
		if a.Mode == "" {
			return fmt.Errorf("assertions[%d]: mode is required for mode", i)
		}
	case AssertQueue:
		if a.Check == "" {
			return fmt.Errorf("assertions[%d]: check is required for queue", i)
		}
	case AssertQueueStats:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for queue_stats", i)
		}
	case AssertConflicts:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: a non-negative count is required for conflicts", i)
		}
	case AssertDelivered:
	case "":
		return fmt.Errorf("assertions[%d]: type is required", i)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}
