package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAndClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := ValidateSchema(s.db); err != nil {
		t.Errorf("schema incomplete: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "subdir", "nested", "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.SetDefaultEngine("acme-en"); err != nil {
		t.Fatalf("SetDefaultEngine failed: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	name, err := s.DefaultEngine()
	if err != nil {
		t.Fatalf("DefaultEngine failed: %v", err)
	}
	if name != "acme-en" {
		t.Errorf("expected acme-en after reopen, got %q", name)
	}
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	id := uuid.New()

	if err := s.BeginRun(id, 4242, "unix:path=/tmp/ibus"); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}

	r, err := s.GetRun(id)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if r.ID != id || r.PID != 4242 || r.Address != "unix:path=/tmp/ibus" {
		t.Errorf("unexpected run: %+v", r)
	}
	if r.EndedAt != nil {
		t.Error("run should still be open")
	}

	if err := s.EndRun("exit"); err != nil {
		t.Fatalf("EndRun failed: %v", err)
	}
	r, err = s.GetRun(id)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if r.EndedAt == nil || r.EndReason != "exit" {
		t.Errorf("run not closed: %+v", r)
	}
	if r.EndedAt.Before(r.StartedAt) {
		t.Error("run ended before it started")
	}
}

func TestEndRunWithoutBegin(t *testing.T) {
	s := openTestStore(t)
	if err := s.EndRun("exit"); err != ErrNoRun {
		t.Errorf("expected ErrNoRun, got %v", err)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetRun(uuid.New()); err == nil {
		t.Error("expected error for unknown run")
	}
}

func TestDefaultEngine(t *testing.T) {
	s := openTestStore(t)

	name, err := s.DefaultEngine()
	if err != nil {
		t.Fatalf("DefaultEngine failed: %v", err)
	}
	if name != "" {
		t.Errorf("expected no default, got %q", name)
	}

	if err := s.SetDefaultEngine("acme-en"); err != nil {
		t.Fatalf("SetDefaultEngine failed: %v", err)
	}
	if err := s.SetDefaultEngine("acme-fr"); err != nil {
		t.Fatalf("SetDefaultEngine failed: %v", err)
	}
	if name, _ = s.DefaultEngine(); name != "acme-fr" {
		t.Errorf("expected acme-fr, got %q", name)
	}

	if err := s.SetDefaultEngine(""); err != nil {
		t.Fatalf("clear default failed: %v", err)
	}
	if _, ok, _ := s.Setting(SettingDefaultEngine); ok {
		t.Error("default engine should be cleared")
	}
}

func TestRecordSwitchRequiresRun(t *testing.T) {
	s := openTestStore(t)
	err := s.RecordSwitch(Switch{Context: "/org/freedesktop/IBus/InputContext_1", Engine: "acme-en"})
	if err != ErrNoRun {
		t.Errorf("expected ErrNoRun, got %v", err)
	}
}

func TestSwitchHistory(t *testing.T) {
	s := openTestStore(t)
	run := uuid.New()
	if err := s.BeginRun(run, 1, "unix:abstract=test"); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	switches := []struct {
		engine string
		offset time.Duration
	}{
		{"acme-en", 0},
		{"acme-fr", time.Minute},
		{"acme-en", 2 * time.Minute},
		{"acme-en", 3 * time.Minute},
	}
	for i, sw := range switches {
		err := s.RecordSwitch(Switch{
			Context:   "/org/freedesktop/IBus/InputContext_1",
			Client:    ":1.42",
			Engine:    sw.engine,
			Component: "org.acme.Engine",
			At:        base.Add(sw.offset),
		})
		if err != nil {
			t.Fatalf("RecordSwitch %d failed: %v", i, err)
		}
	}

	recent, err := s.RecentSwitches(2)
	if err != nil {
		t.Fatalf("RecentSwitches failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 switches, got %d", len(recent))
	}
	if !recent[0].At.Equal(base.Add(3 * time.Minute)) {
		t.Errorf("newest switch first, got %v", recent[0].At)
	}
	if recent[0].RunID != run {
		t.Errorf("switch not tagged with current run")
	}
	if recent[1].Engine != "acme-en" || recent[0].Client != ":1.42" {
		t.Errorf("unexpected switches: %+v", recent)
	}

	usage, err := s.Usage()
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if len(usage) != 2 {
		t.Fatalf("expected 2 engines, got %+v", usage)
	}
	if usage[0].Engine != "acme-en" || usage[0].Count != 3 {
		t.Errorf("unexpected top engine: %+v", usage[0])
	}
	if !usage[0].LastUsed.Equal(base.Add(3 * time.Minute)) {
		t.Errorf("unexpected last use: %v", usage[0].LastUsed)
	}
	if usage[1].Engine != "acme-fr" || usage[1].Count != 1 {
		t.Errorf("unexpected second engine: %+v", usage[1])
	}
}

func TestRollbackMigration(t *testing.T) {
	s := openTestStore(t)

	if err := RollbackMigration(s.db); err != nil {
		t.Fatalf("RollbackMigration failed: %v", err)
	}
	if err := ValidateSchema(s.db); err == nil {
		t.Error("engine_switches should be gone after rollback")
	}

	if err := MigrateDB(s.db); err != nil {
		t.Fatalf("MigrateDB failed: %v", err)
	}
	if err := ValidateSchema(s.db); err != nil {
		t.Errorf("schema incomplete after re-migration: %v", err)
	}
}

func BenchmarkRecordSwitch(b *testing.B) {
	s, err := Open(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	if err := s.BeginRun(uuid.New(), 1, "bench"); err != nil {
		b.Fatalf("BeginRun failed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.RecordSwitch(Switch{Context: "ctx", Client: ":1.1", Engine: "acme-en", Component: "org.acme"})
	}
}
