package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/guardsmith/guardsmith/internal/catalog"
	"github.com/guardsmith/guardsmith/internal/judge"
	"github.com/guardsmith/guardsmith/internal/objstore"
)

func resetInitFlags() {
	configPath = ""
	initForce = false
	initWriteChecksum = false
}

func TestRunInitCreatesLayout(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	resetInitFlags()

	if err := runInit(nil, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	base := filepath.Join(tmpDir, ".guardsmith")
	data, err := os.ReadFile(filepath.Join(base, "guardsmith.yaml"))
	if err != nil {
		t.Fatalf("guardsmith.yaml not created: %v", err)
	}
	for _, section := range []string{"judge:", "engine:", "registry:", "audit:"} {
		if !strings.Contains(string(data), section) {
			t.Errorf("guardsmith.yaml missing %q section", section)
		}
	}

	for _, dir := range []string{"inbox", "outbox", "registry", "reviews"} {
		info, err := os.Stat(filepath.Join(base, dir))
		if err != nil {
			t.Errorf("%s directory not created: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

func TestRunInitNoOverwriteWithoutForce(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	resetInitFlags()

	base := filepath.Join(tmpDir, ".guardsmith")
	if err := os.MkdirAll(base, 0o755); err != nil {
		t.Fatal(err)
	}
	sentinel := "# sentinel content\n"
	cfgPath := filepath.Join(base, "guardsmith.yaml")
	if err := os.WriteFile(cfgPath, []byte(sentinel), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := runInit(nil, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	data, _ := os.ReadFile(cfgPath)
	if string(data) != sentinel {
		t.Error("guardsmith.yaml was overwritten without --force")
	}
}

func TestRunInitForceOverwrites(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	resetInitFlags()
	initForce = true

	base := filepath.Join(tmpDir, ".guardsmith")
	if err := os.MkdirAll(base, 0o755); err != nil {
		t.Fatal(err)
	}
	sentinel := "# sentinel content\n"
	cfgPath := filepath.Join(base, "guardsmith.yaml")
	if err := os.WriteFile(cfgPath, []byte(sentinel), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := runInit(nil, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	data, _ := os.ReadFile(cfgPath)
	if string(data) == sentinel {
		t.Error("guardsmith.yaml was NOT overwritten with --force")
	}
}

func TestWriteIfMissing(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test.txt")

	initForce = false
	wrote, err := writeIfMissing(path, "hello")
	if err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if !wrote {
		t.Error("first write should return true")
	}

	wrote, err = writeIfMissing(path, "world")
	if err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	if wrote {
		t.Error("second write should return false without force")
	}
	data, _ := os.ReadFile(path)
	if string(data) != "hello" {
		t.Errorf("content changed without force: %q", string(data))
	}

	initForce = true
	wrote, err = writeIfMissing(path, "world")
	if err != nil {
		t.Fatalf("force write failed: %v", err)
	}
	if !wrote {
		t.Error("force write should return true")
	}
	data, _ = os.ReadFile(path)
	if string(data) != "world" {
		t.Errorf("force write did not overwrite: %q", string(data))
	}
}

const validSpecJSON = `{
	"id": "UCA-7",
	"version": 1,
	"description": "Trading on market data older than 30 seconds is unsafe",
	"severity": "critical",
	"constraint_logic": {
		"variable": "data.age_seconds",
		"operator": ">",
		"threshold": 30
	}
}`

func writeSpecFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLintFileValid(t *testing.T) {
	path := writeSpecFile(t, "UCA-7.json", validSpecJSON)
	if err := lintFile(path, catalog.Builtin()); err != nil {
		t.Errorf("expected valid spec to lint clean, got %v", err)
	}
}

func TestLintFileInvalidJSON(t *testing.T) {
	path := writeSpecFile(t, "broken.json", "{not json")
	err := lintFile(path, catalog.Builtin())
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if !strings.Contains(err.Error(), "invalid JSON") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLintFileUnknownObservable(t *testing.T) {
	bad := strings.Replace(validSpecJSON, "data.age_seconds", "made.up_variable", 1)
	path := writeSpecFile(t, "UCA-8.json", bad)
	err := lintFile(path, catalog.Builtin())
	if err == nil {
		t.Fatal("expected error for unknown observable")
	}
	if !strings.Contains(err.Error(), "made.up_variable") {
		t.Errorf("error should name the variable: %v", err)
	}
}

func TestStageSpecImmutable(t *testing.T) {
	inbox := t.TempDir()
	store, err := objstore.NewFSStore(inbox)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	src := writeSpecFile(t, "UCA-7.json", validSpecJSON)
	ref, err := stageSpec(ctx, store, src)
	if err != nil {
		t.Fatalf("stage failed: %v", err)
	}
	if ref != "UCA-7.json" {
		t.Errorf("expected ref UCA-7.json, got %q", ref)
	}

	// Same content under the same name is idempotent.
	if _, err := stageSpec(ctx, store, src); err != nil {
		t.Errorf("identical restage should succeed, got %v", err)
	}

	// Different content under the same name must be refused.
	altered := strings.Replace(validSpecJSON, "30", "60", 1)
	srcDir := t.TempDir()
	alteredPath := filepath.Join(srcDir, "UCA-7.json")
	if err := os.WriteFile(alteredPath, []byte(altered), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = stageSpec(ctx, store, alteredPath)
	if err == nil {
		t.Fatal("expected error for divergent restage")
	}
	if !strings.Contains(err.Error(), "different content") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-ten", 11, "exactly-ten"},
		{"sha256:abcdef0123456789", 12, "sha256:ab..."},
		{"abc", 3, "abc"},
		{"abcd", 3, "abc"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestVerdictLabel(t *testing.T) {
	if got := verdictLabel(&judge.Verdict{Accept: true}); got != "accepted" {
		t.Errorf("expected accepted, got %q", got)
	}
	if got := verdictLabel(&judge.Verdict{Accept: false}); got != "rejected" {
		t.Errorf("expected rejected, got %q", got)
	}
}

func TestAuditLogPathExplicit(t *testing.T) {
	path, err := auditLogPath([]string{"/tmp/custom.log"})
	if err != nil {
		t.Fatal(err)
	}
	if path != "/tmp/custom.log" {
		t.Errorf("explicit path not honored: %q", path)
	}
}
