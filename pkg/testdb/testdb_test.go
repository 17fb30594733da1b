package testdb

import (
	"testing"

	"regulatory-dbkit/config"
	"regulatory-dbkit/internal/domain"
)

func TestSuite_TestIsolation(t *testing.T) {
	svc, err := NewService(Options{Isolation: domain.IsolationTest, ForeignKeys: true})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	suite := Start(t, svc, "testdb")

	for _, name := range []string{"first", "second"} {
		t.Run(name, func(t *testing.T) {
			db := suite.DB(t)
			var n int64
			if err := db.Raw("SELECT COUNT(*) FROM users").Row().Scan(&n); err != nil {
				t.Fatalf("count failed: %v", err)
			}
			if n != 0 {
				t.Errorf("expected a clean database, found %d users", n)
			}
			if err := db.Exec("INSERT INTO users (id, email, name) VALUES ('u', 'u@example.com', 'U')").Error; err != nil {
				t.Fatalf("insert failed: %v", err)
			}
		})
	}

	inst, err := svc.Get(suite.InstanceID())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if inst.FileTag != "testdb_test.go" || inst.SuiteTag != "testdb" {
		t.Errorf("unexpected tags: %q/%q", inst.SuiteTag, inst.FileTag)
	}
}

func TestSuite_SeedOnSetup(t *testing.T) {
	svc := MustNewService(Options{Isolation: domain.IsolationSuite, SeedOnSetup: true, SeedScenario: "minimal", RandomSeed: 9})
	suite := Start(t, svc, "seeded")
	db := suite.DB(t)

	var n int64
	if err := db.Raw("SELECT COUNT(*) FROM projects").Row().Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 seeded project, got %d", n)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{
		IsolationLevel:              "file",
		CleanupStrategy:             "recreate",
		SeedOnSetup:                 true,
		SeedScenario:                "variety",
		SeedRandomSeed:              7,
		TestDBDir:                   "/tmp/dbs",
		EnforceReferentialIntegrity: true,
		EnableTriggers:              false,
		ChecksumPolicy:              "warn",
	}
	want := Options{
		Isolation:      domain.IsolationFile,
		Cleanup:        domain.CleanupRecreate,
		SeedOnSetup:    true,
		SeedScenario:   "variety",
		RandomSeed:     7,
		Dir:            "/tmp/dbs",
		ForeignKeys:    true,
		EnableTriggers: false,
		ChecksumPolicy: domain.ChecksumPolicyWarn,
	}
	if got := OptionsFromConfig(cfg); got != want {
		t.Errorf("OptionsFromConfig() = %+v, want %+v", got, want)
	}
}

func TestNewService_Triggers(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		want    int64
	}{
		{name: "disabled", enabled: false, want: 0},
		{name: "enabled", enabled: true, want: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			opts := OptionsFromConfig(&config.Config{
				IsolationLevel:  "test",
				CleanupStrategy: "truncate",
				ChecksumPolicy:  "abort",
				EnableTriggers:  tt.enabled,
			})
			svc, err := NewService(opts)
			if err != nil {
				t.Fatalf("NewService failed: %v", err)
			}
			suite := Start(t, svc, "triggers-"+tt.name)
			db := suite.DB(t)

			var n int64
			if err := db.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger'").Row().Scan(&n); err != nil {
				t.Fatalf("count failed: %v", err)
			}
			if n != tt.want {
				t.Errorf("expected %d trigger(s), got %d", tt.want, n)
			}
		})
	}
}
