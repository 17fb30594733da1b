// Package seed は規制対応アシスタントのスキーマ向けに決定的なシードデータを生成する。
package seed

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"

	"regulatory-dbkit/internal/domain"
)

// IDPrefix はシードデータの主キーに付ける接頭辞。カタログのシードマーカーと一致させる。
const IDPrefix = "seed-"

// Config はジェネレーターの設定。
type Config struct {
	Seed int64
	// Users が0より大きい場合、プリセットのユーザー数を上書きする。
	Users int
}

// Generator は乱数のシードとプリセットからシードスクリプトを生成する。
// 同じシードとシナリオからは常に同じスクリプトを生成する。
type Generator struct {
	config Config
	mu     sync.Mutex
}

// New は新しいGeneratorを生成する。
func New(cfg Config) *Generator {
	return &Generator{config: cfg}
}

var (
	deviceTypes = []string{
		"Blood Glucose Monitor", "Pulse Oximeter", "Infusion Pump", "Surgical Stapler",
		"Digital Thermometer", "Cardiac Monitor", "Orthopedic Implant", "Hearing Aid",
	}
	productCodes = []string{"NBW", "DQA", "FRN", "GAG", "FLL", "DRT", "HWC", "ESD"}
	actions      = []string{"classify_device", "search_predicates", "compare_predicate", "generate_checklist"}
	docTypes     = []string{"checklist", "comparison", "summary", "notes"}
	firstNames   = []string{"Aiko", "Ben", "Chen", "Dana", "Emil", "Farah", "Goro", "Hana"}
)

// Generate はシナリオ名（プリセット名）からシードスクリプトを生成する。
// アカウント用とプロジェクト用の2本を返し、後者は前者に依存する。
func (g *Generator) Generate(_ context.Context, scenario string) ([]*domain.SeedScript, error) {
	preset := Preset(scenario)
	if scenario == "" {
		preset = PresetDemo
	}
	known := false
	for _, p := range Presets() {
		known = known || p == preset
	}
	if !known {
		return nil, fmt.Errorf("unknown seed scenario %q", scenario)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	cfg := GetPresetConfig(preset)
	if g.config.Users > 0 {
		cfg.Users = g.config.Users
	}
	seed := g.config.Seed
	if seed == 0 {
		seed = 1
	}
	rng := NewSeededRNG(seed)

	accounts := &domain.SeedScript{
		ID:       string(preset) + "-accounts",
		Scenario: string(preset),
	}
	projects := &domain.SeedScript{
		ID:        string(preset) + "-projects",
		Scenario:  string(preset),
		DependsOn: []string{accounts.ID},
		Validations: []domain.SeedValidation{
			{
				Name:     "seeded projects reference seeded users",
				Query:    "SELECT COUNT(*) FROM projects p LEFT JOIN users u ON p.user_id = u.id WHERE p.id LIKE 'seed-%' AND u.id IS NULL",
				Expected: 0,
			},
			{
				Name:     "at most one selected predicate per project",
				Query:    "SELECT COUNT(*) FROM (SELECT project_id FROM predicate_devices WHERE id LIKE 'seed-%' AND is_selected = TRUE GROUP BY project_id HAVING COUNT(*) > 1) dup",
				Expected: 0,
			},
		},
		Cleanup: []string{
			"DELETE FROM agent_interactions WHERE id LIKE 'seed-%'",
		},
	}

	var (
		users          []map[string]any
		projectRows    []map[string]any
		classRows      []map[string]any
		predicateRows  []map[string]any
		documentRows   []map[string]any
		interactionRow []map[string]any
	)

	for u := 1; u <= cfg.Users; u++ {
		userID := fmt.Sprintf("%suser-%04d", IDPrefix, u)
		name := firstNames[rng.Intn(len(firstNames))]
		users = append(users, map[string]any{
			"id":    userID,
			"email": fmt.Sprintf("%s.%04d@example.com", strings.ToLower(name), u),
			"name":  fmt.Sprintf("%s %04d", name, u),
			"role":  pick(rng, []string{"user", "reviewer", "admin"}),
		})

		for p := 1; p <= cfg.ProjectsPerUser; p++ {
			projectID := fmt.Sprintf("%sproject-%04d-%02d", IDPrefix, u, p)
			device := deviceTypes[rng.Intn(len(deviceTypes))]
			status := cfg.Statuses[(u+p)%len(cfg.Statuses)]
			projectRows = append(projectRows, map[string]any{
				"id":           projectID,
				"user_id":      userID,
				"name":         fmt.Sprintf("%s submission %d", device, p),
				"description":  fmt.Sprintf("Regulatory pathway analysis for a %s.", strings.ToLower(device)),
				"device_type":  device,
				"intended_use": fmt.Sprintf("Intended for use as a %s in clinical settings.", strings.ToLower(device)),
				"status":       status,
				"priority":     pick(rng, []string{"low", "medium", "high"}),
			})

			// draft以外のプロジェクトには必ず分類結果を付ける
			if status != "draft" || rng.Intn(2) == 0 {
				class := pick(rng, []string{"I", "II", "III"})
				classRows = append(classRows, map[string]any{
					"id":                 fmt.Sprintf("%sclass-%04d-%02d", IDPrefix, u, p),
					"project_id":         projectID,
					"device_class":       class,
					"product_code":       productCodes[rng.Intn(len(productCodes))],
					"regulation_number":  fmt.Sprintf("21 CFR %d.%d", 860+rng.Intn(30), 1000+rng.Intn(9000)),
					"regulatory_pathway": pathwayFor(rng, class),
					"confidence_score":   score(rng),
					"reasoning":          fmt.Sprintf("Class %s based on intended use and risk profile.", class),
				})
			}

			for k := 1; k <= cfg.PredicatesPerProject; k++ {
				predicateRows = append(predicateRows, map[string]any{
					"id":               fmt.Sprintf("%spredicate-%04d-%02d-%02d", IDPrefix, u, p, k),
					"project_id":       projectID,
					"k_number":         fmt.Sprintf("K%06d", rng.Intn(1000000)),
					"device_name":      fmt.Sprintf("%s model %c", device, 'A'+rune(k-1)%26),
					"intended_use":     "Substantially equivalent intended use.",
					"product_code":     productCodes[rng.Intn(len(productCodes))],
					"clearance_date":   fmt.Sprintf("%04d-%02d-%02d", 2010+rng.Intn(14), 1+rng.Intn(12), 1+rng.Intn(28)),
					"confidence_score": score(rng),
					"is_selected":      k == 1,
				})
			}

			for d := 1; d <= cfg.DocumentsPerProject; d++ {
				docType := docTypes[(d-1)%len(docTypes)]
				filename := fmt.Sprintf("%s-%02d.md", docType, d)
				documentRows = append(documentRows, map[string]any{
					"id":               fmt.Sprintf("%sdoc-%04d-%02d-%02d", IDPrefix, u, p, d),
					"project_id":       projectID,
					"filename":         filename,
					"file_path":        fmt.Sprintf("projects/%s/%s", projectID, filename),
					"document_type":    docType,
					"content_markdown": fmt.Sprintf("# %s\n\nGenerated %s for %s.", docType, docType, device),
				})
			}

			for i := 1; i <= cfg.InteractionsPerProject; i++ {
				interactionRow = append(interactionRow, map[string]any{
					"id":                fmt.Sprintf("%sinteraction-%04d-%02d-%02d", IDPrefix, u, p, i),
					"project_id":        projectID,
					"user_id":           userID,
					"agent_action":      actions[rng.Intn(len(actions))],
					"input_data":        fmt.Sprintf(`{"device_type":%q}`, device),
					"output_data":       `{"status":"ok"}`,
					"confidence_score":  score(rng),
					"sources":           `["https://www.accessdata.fda.gov"]`,
					"execution_time_ms": 50 + rng.Intn(5000),
				})
			}
		}
	}

	accounts.Batches = []domain.TableBatch{{Table: "users", Rows: users}}
	// バッチの並びは投入順と無関係。実行側がカタログの外部キー順に並べ替える。
	projects.Batches = nonEmpty([]domain.TableBatch{
		{Table: "agent_interactions", Rows: interactionRow},
		{Table: "project_documents", Rows: documentRows},
		{Table: "predicate_devices", Rows: predicateRows},
		{Table: "device_classifications", Rows: classRows},
		{Table: "projects", Rows: projectRows},
	})
	return []*domain.SeedScript{accounts, projects}, nil
}

func nonEmpty(batches []domain.TableBatch) []domain.TableBatch {
	out := batches[:0]
	for _, b := range batches {
		if len(b.Rows) > 0 {
			out = append(out, b)
		}
	}
	return out
}

func pathwayFor(rng *rand.Rand, class string) string {
	switch class {
	case "I":
		return "exempt"
	case "III":
		return "pma"
	default:
		if rng.Intn(5) == 0 {
			return "de_novo"
		}
		return "510k"
	}
}

func score(rng *rand.Rand) float64 {
	return math.Round((0.5+rng.Float64()*0.49)*100) / 100
}

func pick(rng *rand.Rand, values []string) string {
	return values[rng.Intn(len(values))]
}
