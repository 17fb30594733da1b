package repository

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"regulatory-dbkit/internal/domain"

	"gopkg.in/yaml.v3"
)

// Sealer はフィクスチャの内容を暗号化・復号する。
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte) ([]byte, error)
	Open(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// フィクスチャの種類ごとのサブディレクトリ。
const (
	seedDir     = "seeds"
	snapshotDir = "snapshots"
)

// sealedFile は暗号化されたフィクスチャのファイル形式。
type sealedFile struct {
	Sealed     bool   `yaml:"sealed"`
	Ciphertext string `yaml:"ciphertext"`
}

// FixtureRepository はシードスクリプトとスナップショットをYAMLファイルとして保存する。
// Sealerが設定されている場合は内容を暗号化して保存する。
type FixtureRepository struct {
	dir    string
	sealer Sealer
}

// NewFixtureRepository は新しいFixtureRepositoryを生成する。sealerはnilでもよい。
func NewFixtureRepository(dir string, sealer Sealer) *FixtureRepository {
	return &FixtureRepository{dir: dir, sealer: sealer}
}

// SaveSeedScript はシードスクリプトを保存し、ファイルパスを返す。
func (r *FixtureRepository) SaveSeedScript(ctx context.Context, script *domain.SeedScript) (string, error) {
	return r.save(ctx, seedDir, script.ID, script)
}

// LoadSeedScript はIDを指定してシードスクリプトを読み込む。
func (r *FixtureRepository) LoadSeedScript(ctx context.Context, id string) (*domain.SeedScript, error) {
	var script domain.SeedScript
	if err := r.load(ctx, seedDir, id, &script); err != nil {
		return nil, err
	}
	return &script, nil
}

// ListSeedScripts は保存済みシードスクリプトのIDを名前順で返す。
func (r *FixtureRepository) ListSeedScripts() ([]string, error) {
	return r.list(seedDir)
}

// SaveSnapshot はスナップショットを保存し、ファイルパスを返す。
func (r *FixtureRepository) SaveSnapshot(ctx context.Context, snap *domain.Snapshot) (string, error) {
	return r.save(ctx, snapshotDir, snap.ID, snap)
}

// LoadSnapshot はIDを指定してスナップショットを読み込む。
func (r *FixtureRepository) LoadSnapshot(ctx context.Context, id string) (*domain.Snapshot, error) {
	var snap domain.Snapshot
	if err := r.load(ctx, snapshotDir, id, &snap); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSnapshotNotFound, id)
		}
		return nil, err
	}
	return &snap, nil
}

// ListSnapshots は保存済みスナップショットのIDを名前順で返す。
func (r *FixtureRepository) ListSnapshots() ([]string, error) {
	return r.list(snapshotDir)
}

func (r *FixtureRepository) path(kind, id string) string {
	return filepath.Join(r.dir, kind, id+".yaml")
}

func (r *FixtureRepository) save(ctx context.Context, kind, id string, v any) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid fixture id %q", id)
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode fixture %s: %w", id, err)
	}
	if r.sealer != nil {
		ciphertext, err := r.sealer.Seal(ctx, data)
		if err != nil {
			slog.ErrorContext(ctx, "failed to seal fixture",
				"operation", "save_fixture",
				"fixture_id", id,
				"error", err,
			)
			return "", err
		}
		data, err = yaml.Marshal(sealedFile{Sealed: true, Ciphertext: base64.StdEncoding.EncodeToString(ciphertext)})
		if err != nil {
			return "", fmt.Errorf("encode sealed fixture %s: %w", id, err)
		}
	}

	p := r.path(kind, id)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create fixture dir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		slog.ErrorContext(ctx, "failed to write fixture",
			"operation", "save_fixture",
			"path", p,
			"error", err,
		)
		return "", err
	}
	return p, nil
}

func (r *FixtureRepository) load(ctx context.Context, kind, id string, v any) error {
	p := r.path(kind, id)
	data, err := os.ReadFile(p)
	if err != nil {
		return err
	}

	var sealed sealedFile
	if err := yaml.Unmarshal(data, &sealed); err == nil && sealed.Sealed {
		if r.sealer == nil {
			return fmt.Errorf("fixture %s is sealed but no sealer is configured", id)
		}
		ciphertext, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
		if err != nil {
			return fmt.Errorf("decode sealed fixture %s: %w", id, err)
		}
		data, err = r.sealer.Open(ctx, ciphertext)
		if err != nil {
			slog.ErrorContext(ctx, "failed to open sealed fixture",
				"operation", "load_fixture",
				"fixture_id", id,
				"error", err,
			)
			return err
		}
	}

	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode fixture %s: %w", id, err)
	}
	return nil
}

func (r *FixtureRepository) list(kind string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.dir, kind))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	slices.Sort(ids)
	return ids, nil
}
