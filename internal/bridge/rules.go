package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/alfredjeanlab/eventhub/internal/subject"
)

// Direction says which way a rule forwards.
type Direction string

const (
	// Inbound rules ingest external bus messages into the event log.
	Inbound Direction = "inbound"
	// Outbound rules forward internally published events to the external bus.
	Outbound Direction = "outbound"
)

// Rule routes messages matching Source to the subject produced by
// expanding Target. Target may reference {subject} (the whole source
// subject) and {N}, the N-th wildcard capture of Source (1-based). A ">"
// capture expands to the dot-joined tail.
type Rule struct {
	Name      string    `json:"name" yaml:"name"`
	Direction Direction `json:"direction" yaml:"direction"`
	Source    string    `json:"source" yaml:"source"`
	Target    string    `json:"target" yaml:"target"`
}

// RuleSet is the on-disk shape of a rule file.
type RuleSet struct {
	Rules []Rule `json:"rules" yaml:"rules"`
}

var placeholderRE = regexp.MustCompile(`\{([^{}]*)\}`)

type compiledRule struct {
	Rule
	pattern  *subject.Pattern
	captures int
}

func compileRule(r Rule) (*compiledRule, error) {
	if r.Name == "" {
		return nil, fmt.Errorf("rule: name is required")
	}
	if r.Direction != Inbound && r.Direction != Outbound {
		return nil, fmt.Errorf("rule %s: direction must be %q or %q, got %q", r.Name, Inbound, Outbound, r.Direction)
	}
	p, err := subject.Compile(r.Source)
	if err != nil {
		return nil, fmt.Errorf("rule %s: source: %w", r.Name, err)
	}
	if r.Target == "" {
		return nil, fmt.Errorf("rule %s: target is required", r.Name)
	}

	captures := 0
	for _, tok := range subject.Tokens(r.Source) {
		if tok == subject.SingleWildcard || tok == subject.TailWildcard {
			captures++
		}
	}
	for _, m := range placeholderRE.FindAllStringSubmatch(r.Target, -1) {
		name := m[1]
		if name == "subject" {
			continue
		}
		n, err := strconv.Atoi(name)
		if err != nil || n < 1 || n > captures {
			return nil, fmt.Errorf("rule %s: target placeholder {%s} does not refer to one of %d wildcard(s) in %q",
				r.Name, name, captures, r.Source)
		}
	}
	if strings.ContainsAny(placeholderRE.ReplaceAllString(r.Target, "x"), "{}*>") {
		return nil, fmt.Errorf("rule %s: target %q contains stray braces or wildcards", r.Name, r.Target)
	}
	return &compiledRule{Rule: r, pattern: p, captures: captures}, nil
}

// expand matches subj against the rule source and returns the target
// subject. ok is false when subj does not match.
func (r *compiledRule) expand(subj string) (target string, ok bool, err error) {
	caps, ok := r.pattern.Captures(subj)
	if !ok {
		return "", false, nil
	}
	target = placeholderRE.ReplaceAllStringFunc(r.Target, func(ph string) string {
		name := ph[1 : len(ph)-1]
		if name == "subject" {
			return subj
		}
		n, _ := strconv.Atoi(name)
		return caps[n-1]
	})
	if err := subject.Validate(target); err != nil {
		return "", true, fmt.Errorf("rule %s: expanded target: %w", r.Name, err)
	}
	return target, true, nil
}

// LoadRules reads a rule file, choosing the format by extension:
// .yaml/.yml, or .json/.jsonc (JSON with comments and trailing commas).
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var rules []Rule
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		rules, err = ParseYAML(data)
	case ".json", ".jsonc":
		rules, err = ParseJSONC(data)
	default:
		return nil, fmt.Errorf("unsupported rule file extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// ParseYAML parses a YAML rule set.
func ParseYAML(data []byte) ([]Rule, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return rs.Rules, nil
}

// ParseJSONC parses a JSON rule set, tolerating comments and trailing commas.
func ParseJSONC(data []byte) ([]Rule, error) {
	var rs RuleSet
	if err := json.Unmarshal(jsonc.ToJSON(data), &rs); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return rs.Rules, nil
}
