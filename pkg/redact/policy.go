package redact

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const PolicySchemaV1 = "xray.redaction_policy.v1"

const (
	Marker          = "<REDACTED>"
	TruncatedMarker = "<TRUNCATED>"

	DefaultMaxDepth = 12
)

// Policy configures which keys and string shapes are treated as secrets.
type Policy struct {
	Schema        string   `json:"schema" yaml:"schema"`
	MaxDepth      int      `json:"max_depth,omitempty" yaml:"max_depth,omitempty"`
	KeyTokens     []string `json:"key_tokens,omitempty" yaml:"key_tokens,omitempty"`
	KeySubstrings []string `json:"key_substrings,omitempty" yaml:"key_substrings,omitempty"`
	// KeyAllow lists words removed from a key before substring matching, so
	// "keywords" or "max_tokens" are not mistaken for credentials.
	KeyAllow      []string       `json:"key_allow,omitempty" yaml:"key_allow,omitempty"`
	ValuePatterns []ValuePattern `json:"value_patterns,omitempty" yaml:"value_patterns,omitempty"`
	// EntropyTokens enables masking of long high-entropy tokens found inside strings.
	EntropyTokens *bool `json:"entropy_tokens,omitempty" yaml:"entropy_tokens,omitempty"`
}

type ValuePattern struct {
	Name  string `json:"name" yaml:"name"`
	Regex string `json:"regex" yaml:"regex"`
}

// DefaultPolicy covers the usual credential names and token shapes.
func DefaultPolicy() Policy {
	entropy := true
	return Policy{
		Schema:   PolicySchemaV1,
		MaxDepth: DefaultMaxDepth,
		KeyTokens: []string{
			"key",
			"token",
			"secret",
			"password",
			"passwd",
			"authorization",
			"cookie",
			"credential",
			"credentials",
		},
		KeySubstrings: []string{
			"password",
			"secret",
			"apikey",
			"authorization",
			"key",
			"token",
			"credential",
		},
		KeyAllow: []string{
			"keyword",
			"keywords",
			"keyboard",
			"keynote",
			"monkey",
			"donkey",
			"turkey",
			"hockey",
			"tokens",
			"tokenizer",
		},
		ValuePatterns: []ValuePattern{
			{Name: "bearer", Regex: `(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`},
			{Name: "api_key", Regex: `\bsk-[A-Za-z0-9_\-]{8,}`},
			{Name: "aws_access_key_id", Regex: `\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`},
			{Name: "jwt", Regex: `\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`},
		},
		EntropyTokens: &entropy,
	}
}

// ParsePolicy decodes a YAML (or JSON) policy document and fills unset fields
// from DefaultPolicy.
func ParsePolicy(input []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(input, &p); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	p = p.withDefaults()
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// LoadPolicyFile reads a policy from disk.
func LoadPolicyFile(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(raw)
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if strings.TrimSpace(p.Schema) == "" {
		p.Schema = def.Schema
	}
	if p.MaxDepth == 0 {
		p.MaxDepth = def.MaxDepth
	}
	if len(p.KeyTokens) == 0 {
		p.KeyTokens = def.KeyTokens
	}
	if len(p.KeySubstrings) == 0 {
		p.KeySubstrings = def.KeySubstrings
	}
	if p.KeyAllow == nil {
		p.KeyAllow = def.KeyAllow
	}
	if len(p.ValuePatterns) == 0 {
		p.ValuePatterns = def.ValuePatterns
	}
	if p.EntropyTokens == nil {
		p.EntropyTokens = def.EntropyTokens
	}
	return p
}

func (p Policy) Validate() error {
	if strings.TrimSpace(p.Schema) != PolicySchemaV1 {
		return fmt.Errorf("policy.schema must be %q", PolicySchemaV1)
	}
	if p.MaxDepth < 1 {
		return errors.New("policy.max_depth must be >= 1")
	}
	for i, tok := range p.KeyTokens {
		if strings.TrimSpace(tok) == "" {
			return fmt.Errorf("policy.key_tokens[%d] is empty", i)
		}
	}
	for i, sub := range p.KeySubstrings {
		if strings.TrimSpace(sub) == "" {
			return fmt.Errorf("policy.key_substrings[%d] is empty", i)
		}
	}
	for i, w := range p.KeyAllow {
		if strings.TrimSpace(w) == "" {
			return fmt.Errorf("policy.key_allow[%d] is empty", i)
		}
	}
	seen := make(map[string]struct{}, len(p.ValuePatterns))
	for i, vp := range p.ValuePatterns {
		name := strings.TrimSpace(vp.Name)
		if name == "" {
			return fmt.Errorf("policy.value_patterns[%d].name is required", i)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("policy.value_patterns[%d].name duplicated: %q", i, name)
		}
		seen[name] = struct{}{}
		if _, err := regexp.Compile(vp.Regex); err != nil {
			return fmt.Errorf("policy.value_patterns[%d].regex: %w", i, err)
		}
	}
	return nil
}
