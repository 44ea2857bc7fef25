package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/twopc"
)

// Scenario describes a cluster, a flow of steps to play against it and the
// assertions that must hold afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Circuit all services belong to. Defaults to "circuit".
	Circuit string `yaml:"circuit,omitempty"`

	// Services lists the service names of the circuit, at least one.
	Services []string `yaml:"services"`

	// VoteTimeout and DecisionTimeout are Go durations. Both default to 10s.
	VoteTimeout     string `yaml:"vote_timeout,omitempty"`
	DecisionTimeout string `yaml:"decision_timeout,omitempty"`

	// Reject lists services whose executor votes no on every batch.
	Reject []string `yaml:"reject,omitempty"`

	// Flow is played in order; the cluster settles after each step.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// FlowStep is one step of a scenario. Exactly one field is set.
type FlowStep struct {
	// Submit queues a batch with this value at the coordinator.
	Submit string `yaml:"submit,omitempty"`

	// Advance moves the clock forward by a Go duration.
	Advance string `yaml:"advance,omitempty"`

	// Partition cuts a service off the network.
	Partition string `yaml:"partition,omitempty"`

	// Heal reconnects a partitioned service.
	Heal string `yaml:"heal,omitempty"`

	// Drop loses the next matching message.
	Drop *DropRule `yaml:"drop,omitempty"`
}

// DropRule matches a message by kind and, optionally, by receiver.
type DropRule struct {
	Message string `yaml:"message"`
	To      string `yaml:"to,omitempty"`
}

// Assertion validates the trace or the final state of one service.
type Assertion struct {
	Type    string   `yaml:"type"`
	Service string   `yaml:"service"`
	Epoch   uint64   `yaml:"epoch,omitempty"`
	Expect  string   `yaml:"expect,omitempty"`
	Event   string   `yaml:"event,omitempty"`
	Events  []string `yaml:"events,omitempty"`
	Count   int      `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertDecision      = "decision"
	AssertState         = "state"
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
)

const (
	defaultCircuit = "circuit"
	defaultTimeout = 10 * time.Second
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func (s *Scenario) circuit() string {
	if s.Circuit == "" {
		return defaultCircuit
	}
	return s.Circuit
}

func (s *Scenario) serviceID(name string) ids.ServiceID {
	return ids.New(s.circuit(), name)
}

// coordinator returns the service that coordinates the circuit.
func (s *Scenario) coordinator() string {
	return ids.SortedServices(s.Services)[0]
}

func (s *Scenario) timeouts() (vote, decision time.Duration, err error) {
	if vote, err = parseTimeout(s.VoteTimeout); err != nil {
		return 0, 0, fmt.Errorf("vote_timeout: %w", err)
	}
	if decision, err = parseTimeout(s.DecisionTimeout); err != nil {
		return 0, 0, fmt.Errorf("decision_timeout: %w", err)
	}
	return vote, decision, nil
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return defaultTimeout, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}

func parseMessageKind(s string) (twopc.MessageKind, error) {
	for _, k := range []twopc.MessageKind{
		twopc.MessageVoteRequest,
		twopc.MessageVoteResponse,
		twopc.MessageCommit,
		twopc.MessageAbort,
		twopc.MessageDecisionRequest,
	} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown message kind %q", s)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Services) == 0 {
		return fmt.Errorf("services must list at least one service")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	known := make(map[string]bool, len(s.Services))
	for _, name := range s.Services {
		if err := s.serviceID(name).Validate(); err != nil {
			return fmt.Errorf("services: %w", err)
		}
		if known[name] {
			return fmt.Errorf("services: duplicate service %q", name)
		}
		known[name] = true
	}
	if _, _, err := s.timeouts(); err != nil {
		return err
	}
	for _, name := range s.Reject {
		if !known[name] {
			return fmt.Errorf("reject: unknown service %q", name)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(step, known); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, known); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step FlowStep, known map[string]bool) error {
	set := 0
	if step.Submit != "" {
		set++
	}
	if step.Advance != "" {
		set++
		if d, err := time.ParseDuration(step.Advance); err != nil || d <= 0 {
			return fmt.Errorf("advance: invalid duration %q", step.Advance)
		}
	}
	for _, name := range []string{step.Partition, step.Heal} {
		if name != "" {
			set++
			if !known[name] {
				return fmt.Errorf("unknown service %q", name)
			}
		}
	}
	if step.Drop != nil {
		set++
		if _, err := parseMessageKind(step.Drop.Message); err != nil {
			return fmt.Errorf("drop: %w", err)
		}
		if step.Drop.To != "" && !known[step.Drop.To] {
			return fmt.Errorf("drop: unknown service %q", step.Drop.To)
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of submit, advance, partition, heal or drop is required")
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, known map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if !known[a.Service] {
		return fmt.Errorf("assertions[%d]: unknown service %q", index, a.Service)
	}

	switch a.Type {
	case AssertDecision:
		if a.Epoch == 0 {
			return fmt.Errorf("assertions[%d]: epoch is required for decision", index)
		}
		if a.Expect != "COMMIT" && a.Expect != "ABORT" {
			return fmt.Errorf("assertions[%d]: expect must be COMMIT or ABORT for decision", index)
		}
	case AssertState:
		if a.Expect == "" {
			return fmt.Errorf("assertions[%d]: expect is required for state", index)
		}
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
