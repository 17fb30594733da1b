package integrity

import (
	"embed"
	"fmt"
	"io"
	"os"

	"regulatory-dbkit/internal/domain"

	"gopkg.in/yaml.v3"
)

//go:embed rules/default.yaml
var defaultRulesFS embed.FS

// ruleSetFile はルールセットのYAMLファイルの内容。
type ruleSetFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID          string    `yaml:"id"`
	Category    string    `yaml:"category"`
	Severity    string    `yaml:"severity"`
	Table       string    `yaml:"table"`
	Column      string    `yaml:"column"`
	Description string    `yaml:"description"`
	Check       checkSpec `yaml:"check"`
	Expected    any       `yaml:"expected"`
	Remediation string    `yaml:"remediation"`
}

type checkSpec struct {
	Type        string `yaml:"type"`
	Expression  string `yaml:"expression"`
	Where       string `yaml:"where"`
	Query       string `yaml:"query"`
	Violations  bool   `yaml:"violations"`
	SampleQuery string `yaml:"sample_query"`
	SampleLimit int    `yaml:"sample_limit"`
}

// ParseRuleSet はYAML形式のルールセットを読み込む。
func ParseRuleSet(r io.Reader) ([]domain.IntegrityRule, error) {
	var file ruleSetFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRule, err)
	}

	rules := make([]domain.IntegrityRule, 0, len(file.Rules))
	seen := make(map[string]bool, len(file.Rules))
	for _, spec := range file.Rules {
		if seen[spec.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %s", domain.ErrInvalidRule, spec.ID)
		}
		seen[spec.ID] = true
		rule, err := spec.build()
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// LoadRuleSet はファイルからルールセットを読み込む。
func LoadRuleSet(path string) ([]domain.IntegrityRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule set: %w", err)
	}
	defer f.Close()
	return ParseRuleSet(f)
}

func (s ruleSpec) build() (domain.IntegrityRule, error) {
	if s.ID == "" {
		return domain.IntegrityRule{}, fmt.Errorf("%w: rule without id", domain.ErrInvalidRule)
	}
	category := domain.Category(s.Category)
	if !category.Valid() {
		return domain.IntegrityRule{}, fmt.Errorf("%w: %s: unknown category %q", domain.ErrInvalidRule, s.ID, s.Category)
	}
	severity := domain.Severity(s.Severity)
	if severity == "" {
		severity = domain.SeverityError
	}
	if !severity.Valid() {
		return domain.IntegrityRule{}, fmt.Errorf("%w: %s: unknown severity %q", domain.ErrInvalidRule, s.ID, s.Severity)
	}

	var check domain.Check
	switch s.Check.Type {
	case "predicate":
		if s.Table == "" {
			return domain.IntegrityRule{}, fmt.Errorf("%w: %s: predicate check needs a table", domain.ErrInvalidRule, s.ID)
		}
		pc, err := NewPredicateCheck(s.Table, s.Check.Expression)
		if err != nil {
			return domain.IntegrityRule{}, fmt.Errorf("rule %s: %w", s.ID, err)
		}
		pc.Where = s.Check.Where
		pc.SampleLimit = s.Check.SampleLimit
		check = pc
	case "query":
		if s.Check.Query == "" {
			return domain.IntegrityRule{}, fmt.Errorf("%w: %s: query check needs a query", domain.ErrInvalidRule, s.ID)
		}
		check = &QueryCheck{
			Query:       s.Check.Query,
			Violations:  s.Check.Violations,
			SampleQuery: s.Check.SampleQuery,
			SampleLimit: s.Check.SampleLimit,
		}
	default:
		return domain.IntegrityRule{}, fmt.Errorf("%w: %s: unknown check type %q", domain.ErrInvalidRule, s.ID, s.Check.Type)
	}

	return domain.IntegrityRule{
		ID:          s.ID,
		Description: s.Description,
		Category:    category,
		Severity:    severity,
		Table:       s.Table,
		Column:      s.Column,
		Check:       check,
		Expected:    s.Expected,
		Remediation: s.Remediation,
	}, nil
}

func builtinRules() ([]domain.IntegrityRule, error) {
	f, err := defaultRulesFS.Open("rules/default.yaml")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseRuleSet(f)
}
