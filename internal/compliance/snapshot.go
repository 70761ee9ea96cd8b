package compliance

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/rewired-gh/fairoracle/internal/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

type Status string

const (
	StatusPermitted  Status = "permitted"
	StatusRestricted Status = "restricted"
	StatusProhibited Status = "prohibited"
)

// Rule is a jurisdiction's treatment of one flag code. A zero Severity keeps
// the evaluator's own severity.
type Rule struct {
	Enabled  bool
	Severity models.Severity
}

// RegulationSnapshot is one versioned rule table for a state and topic. It is
// immutable; codes it does not list are never emitted.
type RegulationSnapshot struct {
	version   string
	stateCode string
	topic     models.RegulationTopic
	status    Status
	rules     map[models.FlagCode]Rule
}

// NewSnapshot copies rules into a new snapshot.
func NewSnapshot(version, stateCode string, topic models.RegulationTopic, status Status, rules map[models.FlagCode]Rule) (*RegulationSnapshot, error) {
	if version == "" {
		return nil, errors.New("snapshot version must not be empty")
	}
	if stateCode == "" {
		return nil, errors.New("snapshot state code must not be empty")
	}
	switch status {
	case StatusPermitted, StatusRestricted, StatusProhibited:
	default:
		return nil, fmt.Errorf("unknown regulation status %q", status)
	}

	s := &RegulationSnapshot{
		version:   version,
		stateCode: strings.ToUpper(stateCode),
		topic:     topic,
		status:    status,
		rules:     make(map[models.FlagCode]Rule, len(rules)),
	}
	for code, rule := range rules {
		if _, err := models.ParseFlagCode(string(code)); err != nil {
			return nil, err
		}
		if rule.Severity < models.SeverityNone || rule.Severity > models.SeverityCritical {
			return nil, fmt.Errorf("rule %s: invalid severity %d", code, rule.Severity)
		}
		s.rules[code] = rule
	}
	return s, nil
}

func (s *RegulationSnapshot) Version() string { return s.version }
func (s *RegulationSnapshot) StateCode() string { return s.stateCode }
func (s *RegulationSnapshot) Topic() models.RegulationTopic { return s.topic }
func (s *RegulationSnapshot) Status() Status { return s.status }

// Rule returns the rule for code and whether the snapshot lists it.
func (s *RegulationSnapshot) Rule(code models.FlagCode) (Rule, bool) {
	r, ok := s.rules[code]
	return r, ok
}

// Codes lists the codes the snapshot mentions, enabled or not, sorted.
func (s *RegulationSnapshot) Codes() []models.FlagCode {
	codes := make([]models.FlagCode, 0, len(s.rules))
	for c := range s.rules {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

//go:embed snapshot.schema.json
var snapshotSchemaJSON string

var snapshotSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("snapshot.schema.json", strings.NewReader(snapshotSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile("snapshot.schema.json")
})

type snapshotDoc struct {
	Version   string              `yaml:"version"`
	StateCode string              `yaml:"state_code"`
	Topic     string              `yaml:"topic"`
	Status    string              `yaml:"status"`
	Rules     map[string]*ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	Enabled  *bool  `yaml:"enabled"`
	Severity string `yaml:"severity"`
}

// LoadSnapshot reads a YAML or JSON snapshot document and validates it
// against the embedded schema. Listed rules default to enabled.
func LoadSnapshot(r io.Reader) (*RegulationSnapshot, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	// The validator wants JSON-decoded values.
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	var payload any
	if err := json.Unmarshal(asJSON, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	schema, err := snapshotSchema()
	if err != nil {
		return nil, fmt.Errorf("compile snapshot schema: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}

	var doc snapshotDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	rules := make(map[models.FlagCode]Rule, len(doc.Rules))
	for name, rd := range doc.Rules {
		code, err := models.ParseFlagCode(name)
		if err != nil {
			return nil, fmt.Errorf("invalid snapshot: %w", err)
		}
		rule := Rule{Enabled: true}
		if rd != nil {
			if rd.Enabled != nil {
				rule.Enabled = *rd.Enabled
			}
			if rd.Severity != "" {
				if rule.Severity, err = models.ParseSeverity(rd.Severity); err != nil {
					return nil, fmt.Errorf("invalid snapshot: rule %s: %w", name, err)
				}
			}
		}
		rules[code] = rule
	}
	return NewSnapshot(doc.Version, doc.StateCode, models.RegulationTopic(doc.Topic), Status(doc.Status), rules)
}
