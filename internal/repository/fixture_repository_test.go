package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"regulatory-dbkit/internal/domain"

	"github.com/google/go-cmp/cmp"
)

// reverseSealer はバイト列を反転するだけのテスト用Sealer。
type reverseSealer struct {
	sealed int
	opened int
	err    error
}

func (s *reverseSealer) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.sealed++
	out := slices.Clone(plaintext)
	slices.Reverse(out)
	return out, nil
}

func (s *reverseSealer) Open(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.opened++
	out := slices.Clone(ciphertext)
	slices.Reverse(out)
	return out, nil
}

func testSeedScript() *domain.SeedScript {
	return &domain.SeedScript{
		ID:       "demo-accounts",
		Scenario: "demo",
		Batches: []domain.TableBatch{
			{Table: "users", Rows: []map[string]any{
				{"id": "seed-user-1", "email": "a@example.com", "name": "A"},
			}},
		},
		Validations: []domain.SeedValidation{{Name: "users", Query: "SELECT COUNT(*) FROM users", Expected: 1}},
		Cleanup:     []string{"DELETE FROM users WHERE id LIKE 'seed-%'"},
	}
}

func TestFixtureRepository_SeedScriptRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewFixtureRepository(t.TempDir(), nil)

	script := testSeedScript()
	path, err := repo.SaveSeedScript(ctx, script)
	if err != nil {
		t.Fatalf("SaveSeedScript failed: %v", err)
	}
	if filepath.Base(path) != "demo-accounts.yaml" {
		t.Errorf("unexpected path: %s", path)
	}

	got, err := repo.LoadSeedScript(ctx, "demo-accounts")
	if err != nil {
		t.Fatalf("LoadSeedScript failed: %v", err)
	}
	if diff := cmp.Diff(script, got); diff != "" {
		t.Errorf("seed script mismatch (-want +got):\n%s", diff)
	}

	ids, err := repo.ListSeedScripts()
	if err != nil {
		t.Fatalf("ListSeedScripts failed: %v", err)
	}
	if diff := cmp.Diff([]string{"demo-accounts"}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestFixtureRepository_SealedSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sealer := &reverseSealer{}
	repo := NewFixtureRepository(dir, sealer)

	snap := &domain.Snapshot{
		ID:         "snap-1",
		InstanceID: "inst-1",
		Name:       "baseline",
		Tables: map[string][]map[string]any{
			"users": {{"id": "u1", "email": "a@example.com"}},
		},
		Size:      42,
		Checksum:  "abc",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	path, err := repo.SaveSnapshot(ctx, snap)
	if err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if sealer.sealed != 1 {
		t.Errorf("expected 1 seal call, got %d", sealer.sealed)
	}

	// 平文が書き出されていないこと
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read fixture: %v", err)
	}
	if strings.Contains(string(raw), "a@example.com") {
		t.Error("expected sealed fixture not to contain plaintext")
	}

	got, err := repo.LoadSnapshot(ctx, "snap-1")
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if got.Checksum != "abc" || got.Name != "baseline" || got.Size != 42 {
		t.Errorf("unexpected snapshot: %+v", got)
	}
	if got.Tables["users"][0]["email"] != "a@example.com" {
		t.Errorf("unexpected rows: %v", got.Tables["users"])
	}
	if !got.CreatedAt.Equal(snap.CreatedAt) {
		t.Errorf("expected created_at %v, got %v", snap.CreatedAt, got.CreatedAt)
	}

	// Sealerなしでは暗号化済みフィクスチャを読めない
	if _, err := NewFixtureRepository(dir, nil).LoadSnapshot(ctx, "snap-1"); err == nil {
		t.Error("expected error loading sealed fixture without sealer, got nil")
	}
}

func TestFixtureRepository_Errors(t *testing.T) {
	ctx := context.Background()

	repo := NewFixtureRepository(t.TempDir(), nil)
	if _, err := repo.LoadSnapshot(ctx, "missing"); !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound, got %v", err)
	}
	if _, err := repo.SaveSeedScript(ctx, &domain.SeedScript{ID: "../escape"}); err == nil {
		t.Error("expected error for invalid id, got nil")
	}
	ids, err := repo.ListSnapshots()
	if err != nil || ids != nil {
		t.Errorf("expected empty list without error, got %v, %v", ids, err)
	}

	sealErr := errors.New("kms unavailable")
	sealed := NewFixtureRepository(t.TempDir(), &reverseSealer{err: sealErr})
	if _, err := sealed.SaveSeedScript(ctx, testSeedScript()); !errors.Is(err, sealErr) {
		t.Errorf("expected seal error, got %v", err)
	}
}
