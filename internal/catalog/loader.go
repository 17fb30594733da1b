package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/integrity"
	"regulatory-dbkit/internal/sqlscript"

	"gopkg.in/yaml.v3"
)

// sidecarFile はマイグレーションと同名のYAMLファイルの内容。
type sidecarFile struct {
	Transforms     []domain.DataTransform `yaml:"transforms"`
	PostConditions []struct {
		Name     string `yaml:"name"`
		Query    string `yaml:"query"`
		Expected any    `yaml:"expected"`
	} `yaml:"post_conditions"`
}

// LoadMigrations はfsysのroot配下にある .sql ファイルをマイグレーションとして読み込む。
// 同名の .yaml ファイルがあれば、データ変換と事後条件として取り込む。
func LoadMigrations(fsys fs.FS, root string) ([]*domain.Migration, error) {
	if root == "" {
		root = "."
	}
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	migrations := make([]*domain.Migration, 0, len(files))
	seen := make(map[string]string, len(files))
	for _, file := range files {
		content, err := fs.ReadFile(fsys, path.Join(root, file))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", file, err)
		}
		parsed, err := sqlscript.Parse(file, string(content))
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[parsed.ID]; ok {
			return nil, fmt.Errorf("%w: %s (%s, %s)", domain.ErrDuplicateMigration, parsed.ID, prev, file)
		}
		seen[parsed.ID] = file

		m := &domain.Migration{
			ID:          parsed.ID,
			Name:        parsed.Name,
			Version:     parsed.Version,
			Description: parsed.Description,
			UpScript:    parsed.Up,
			DownScript:  parsed.Down,
			DependsOn:   parsed.DependsOn,
			Status:      domain.MigrationStatusPending,
		}

		sidecar := path.Join(root, strings.TrimSuffix(file, ".sql")+".yaml")
		if err := loadSidecar(fsys, sidecar, m); err != nil {
			return nil, err
		}
		m.Checksum = m.ComputeChecksum()
		migrations = append(migrations, m)
	}
	return migrations, nil
}

func loadSidecar(fsys fs.FS, name string, m *domain.Migration) error {
	content, err := fs.ReadFile(fsys, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}

	var side sidecarFile
	if err := yaml.Unmarshal(content, &side); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrInvalidMigrationFile, name, err)
	}
	m.Transforms = side.Transforms
	for _, pc := range side.PostConditions {
		if pc.Query == "" {
			return fmt.Errorf("%w: %s: post condition %q has no query", domain.ErrInvalidMigrationFile, name, pc.Name)
		}
		m.PostConditions = append(m.PostConditions, domain.Expectation{
			Name:     pc.Name,
			Check:    &integrity.QueryCheck{Query: pc.Query},
			Expected: pc.Expected,
		})
	}
	return nil
}
