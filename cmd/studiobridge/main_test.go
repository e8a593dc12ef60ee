package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/mattjoyce/studiobridge/internal/catalog"
	"github.com/mattjoyce/studiobridge/internal/config"
	"github.com/mattjoyce/studiobridge/internal/lock"
	"github.com/mattjoyce/studiobridge/internal/queue"
	"github.com/mattjoyce/studiobridge/internal/storage"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

// writeConfigDirFixture writes a minimal config.yaml and returns the path of
// its state database.
func writeConfigDirFixture(t *testing.T, dir string) string {
	t.Helper()
	dbPath := filepath.Join(dir, "data", "bridge.db")
	configYAML := `
service:
  name: studio-test
  log_level: info
state:
  path: ` + dbPath + `
api:
  listen: 127.0.0.1:8787
queue:
  retention: 72h
`
	if err := os.WriteFile(filepath.Join(dir, config.FileName), []byte(configYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	return dbPath
}

func TestRunConfigNounActionHelp(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigNoun([]string{"check", "--help"})
	})
	if code != 0 {
		t.Fatalf("runConfigNoun() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Usage: studiobridge config check") {
		t.Fatalf("stdout missing action help usage: %s", stdout)
	}
}

func TestRunConfigNounHelpTerminology(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigNoun([]string{"--help"})
	})
	if code != 0 {
		t.Fatalf("runConfigNoun() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Usage: studiobridge config <action>") {
		t.Fatalf("stdout missing action terminology: %s", stdout)
	}
}

func TestRunCommandNounActionHelp(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCommandNoun([]string{"inspect", "--help"})
	})
	if code != 0 {
		t.Fatalf("runCommandNoun() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Usage: studiobridge command inspect") {
		t.Fatalf("stdout missing inspect action help usage: %s", stdout)
	}
}

func TestRunSystemNounActionHelp(t *testing.T) {
	for _, action := range []string{"start", "status", "watch"} {
		code, stdout, stderr := captureOutputWithExitCode(t, func() int {
			return runSystemNoun([]string{action, "--help"})
		})
		if code != 0 {
			t.Fatalf("runSystemNoun(%s) code = %d, stderr: %s", action, code, stderr)
		}
		if !strings.Contains(stdout, "Usage: studiobridge system "+action) {
			t.Fatalf("stdout missing %s action help usage: %s", action, stdout)
		}
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"teleport"})
	})
	if code != 1 {
		t.Fatalf("runCLI() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: teleport") {
		t.Fatalf("stderr missing unknown command: %s", stderr)
	}
}

func TestRunCLIRootVersionFlag(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc1234567890", "2026-02-12T11:30:00Z")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--version"})
	})
	if code != 0 {
		t.Fatalf("runCLI() code = %d, stderr: %s", code, stderr)
	}
	for _, want := range []string{"studiobridge 1.2.3", "commit: abc123456789", "built_at: 2026-02-12T11:30:00Z"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q: %s", want, stdout)
		}
	}
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "2.0.0-rc.1", "aabbccddeeff001122334455", "2026-02-12T11:30:00-05:00")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"--json"})
	})
	if code != 0 {
		t.Fatalf("runVersion() code = %d, stderr: %s", code, stderr)
	}

	var out versionInfo
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("failed to parse version JSON: %v\noutput=%s", err, stdout)
	}
	if out.Version != "2.0.0-rc.1" {
		t.Fatalf("version = %q, want %q", out.Version, "2.0.0-rc.1")
	}
	if out.Commit != "aabbccddeeff" {
		t.Fatalf("commit = %q, want %q", out.Commit, "aabbccddeeff")
	}
	if out.BuildTime != "2026-02-12T16:30:00Z" {
		t.Fatalf("build_time = %q, want %q", out.BuildTime, "2026-02-12T16:30:00Z")
	}
}

func TestRunConfigSetApplyRejectsInvalidConfigAndRollsBack(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfigDirFixture(t, tmpDir)

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigSet([]string{"--config-dir", tmpDir, "--apply", "queue.default_limit=0"})
	})
	if code == 0 {
		t.Fatalf("runConfigSet() should fail for invalid apply, stderr: %s", stderr)
	}
	if !strings.Contains(stderr, "Apply failed: validation failed:") {
		t.Fatalf("stderr missing validation failure details: %s", stderr)
	}

	reloaded, err := config.Load(tmpDir)
	if err != nil {
		t.Fatalf("config should still be valid after failed apply: %v", err)
	}
	if got := reloaded.Queue.DefaultLimit; got != 20 {
		t.Fatalf("queue.default_limit should keep its default after failed apply, got %d", got)
	}
}

func TestRunConfigSetRequiresMode(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfigDirFixture(t, tmpDir)

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigSet([]string{"--config-dir", tmpDir, "service.log_level=debug"})
	})
	if code != 1 || !strings.Contains(stderr, "--dry-run or --apply") {
		t.Fatalf("expected mode error, code=%d stderr=%s", code, stderr)
	}
}

func TestRunConfigGetAndSetSupportConfigDirFlag(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfigDirFixture(t, tmpDir)

	setCode, _, setStderr := captureOutputWithExitCode(t, func() int {
		return runConfigSet([]string{"--config-dir", tmpDir, "--apply", "service.log_level=debug"})
	})
	if setCode != 0 {
		t.Fatalf("runConfigSet() code = %d, stderr: %s", setCode, setStderr)
	}

	getCode, stdout, getStderr := captureOutputWithExitCode(t, func() int {
		return runConfigGet([]string{"service.log_level", "--config-dir", tmpDir})
	})
	if getCode != 0 {
		t.Fatalf("runConfigGet() code = %d, stderr: %s", getCode, getStderr)
	}
	if !strings.Contains(stdout, "debug") {
		t.Fatalf("runConfigGet() output missing updated value: %s", stdout)
	}
}

func TestRunConfigLockThenSetKeepsConfigLoadable(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfigDirFixture(t, tmpDir)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--config-dir", tmpDir, "-v"})
	})
	if code != 0 {
		t.Fatalf("runConfigLock() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "HASH config.yaml:") || !strings.Contains(stdout, "WROTE .checksums:") {
		t.Fatalf("stdout missing verbose lock details: %s", stdout)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ".checksums")); err != nil {
		t.Fatalf("expected .checksums to be written: %v", err)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigSet([]string{"--config-dir", tmpDir, "--apply", "queue.lease_timeout=45s"})
	})
	if code != 0 {
		t.Fatalf("runConfigSet() on locked config code = %d, stderr: %s", code, stderr)
	}

	cfg, err := config.Load(tmpDir)
	if err != nil {
		t.Fatalf("locked config should reload after set: %v", err)
	}
	if cfg.Queue.LeaseTimeout.String() != "45s" {
		t.Fatalf("lease_timeout = %s, want 45s", cfg.Queue.LeaseTimeout)
	}
}

func TestRunConfigLockDryRunWritesNothing(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfigDirFixture(t, tmpDir)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--config-dir", tmpDir, "--dry-run"})
	})
	if code != 0 {
		t.Fatalf("runConfigLock() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Dry run completed") {
		t.Fatalf("stdout missing dry-run summary: %s", stdout)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ".checksums")); !os.IsNotExist(err) {
		t.Fatalf("dry run should not write .checksums, stat err = %v", err)
	}
}

func TestRunConfigCheckSupportsConfigDirFlag(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfigDirFixture(t, tmpDir)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config-dir", tmpDir})
	})
	if code != 0 {
		t.Fatalf("runConfigCheck() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "no credentials configured") {
		t.Fatalf("expected open-API warning: %s", stdout)
	}

	code, _, _ = captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config-dir", tmpDir, "--strict"})
	})
	if code != 2 {
		t.Fatalf("--strict with warnings should exit 2, got %d", code)
	}
}

func TestRunConfigTokenApplyAppendsToken(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfigDirFixture(t, tmpDir)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigToken([]string{"--config-dir", tmpDir, "--scopes", "worker, worker", "--apply", "--format", "json"})
	})
	if code != 0 {
		t.Fatalf("runConfigToken() code = %d, stderr: %s stdout: %s", code, stderr, stdout)
	}

	var out tokenCreateJSONOutput
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("parse token JSON: %v\noutput=%s", err, stdout)
	}
	if !out.Written || out.Index != 0 || len(out.Token) != 64 {
		t.Fatalf("unexpected token output: %+v", out)
	}
	if !slices.Equal(out.Scopes, []string{"worker"}) {
		t.Fatalf("scopes = %v, want [worker]", out.Scopes)
	}

	cfg, err := config.Load(tmpDir)
	if err != nil {
		t.Fatalf("config should reload after token apply: %v", err)
	}
	if len(cfg.API.Auth.Tokens) != 1 || cfg.API.Auth.Tokens[0].Token != out.Token {
		t.Fatalf("token not persisted: %+v", cfg.API.Auth.Tokens)
	}
}

func TestRunConfigTokenRejectsUnknownScope(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigToken([]string{"--scopes", "scene:admin"})
	})
	if code != 1 || !strings.Contains(stderr, "Invalid scopes") {
		t.Fatalf("expected invalid scope error, code=%d stderr=%s", code, stderr)
	}
}

func TestRunConfigShowMasksSecrets(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfigDirFixture(t, tmpDir)
	t.Setenv("STUDIO_TEST_OPENAI_KEY", "sk-secret-value")
	raw, err := os.ReadFile(filepath.Join(tmpDir, config.FileName))
	if err != nil {
		t.Fatal(err)
	}
	raw = append(raw, []byte("assistant:\n  providers:\n    openai:\n      api_key: ${STUDIO_TEST_OPENAI_KEY}\n")...)
	if err := os.WriteFile(filepath.Join(tmpDir, config.FileName), raw, 0o600); err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigShow([]string{"--config-dir", tmpDir, "provider:openai", "--json"})
	})
	if code != 0 {
		t.Fatalf("runConfigShow() code = %d, stderr: %s", code, stderr)
	}
	if strings.Contains(stdout, "sk-secret-value") {
		t.Fatalf("secret leaked in output: %s", stdout)
	}
	if !strings.Contains(stdout, "********") {
		t.Fatalf("expected masked key: %s", stdout)
	}
}

func TestRunSystemStatusJSONHealthy(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfigDirFixture(t, tmpDir)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runSystemStatus([]string{"--config", tmpDir, "--json"})
	})
	if code != 0 {
		t.Fatalf("runSystemStatus() code = %d, stderr: %s stdout: %s", code, stderr, stdout)
	}

	var report statusReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("failed to parse JSON status output: %v\noutput=%s", err, stdout)
	}
	if !report.Healthy {
		t.Fatalf("expected healthy=true, got false; output=%s", stdout)
	}
	if len(report.Checks) != 4 {
		t.Fatalf("expected 4 checks, got %d", len(report.Checks))
	}
}

func TestRunSystemStatusConfigLoadFailure(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, config.FileName)
	if err := os.WriteFile(configPath, []byte("invalid: [yaml"), 0o600); err != nil {
		t.Fatal(err)
	}

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runSystemStatus([]string{"--config", configPath})
	})
	if code == 0 {
		t.Fatalf("runSystemStatus() should fail for invalid config; stdout=%s", stdout)
	}
	for _, want := range []string{"config_load: FAIL", "state_db: FAIL", "pid_lock: FAIL"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("expected %q in output; stdout=%s", want, stdout)
		}
	}
}

func TestRunSystemStatusDetectsActivePIDLock(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := writeConfigDirFixture(t, tmpDir)

	held, err := lock.AcquirePIDLock(lock.PathFor(dbPath))
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = held.Release() })

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runSystemStatus([]string{"--config", tmpDir, "--json"})
	})
	if code == 0 {
		t.Fatalf("runSystemStatus() should fail when the lock is held; stderr=%s stdout=%s", stderr, stdout)
	}

	var report statusReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("failed to parse JSON status output: %v\noutput=%s", err, stdout)
	}
	idx := slices.IndexFunc(report.Checks, func(c statusCheck) bool { return c.Name == "pid_lock" })
	if idx < 0 {
		t.Fatalf("expected pid_lock check in output; output=%s", stdout)
	}
	if c := report.Checks[idx]; c.OK || c.ActivePID != os.Getpid() {
		t.Fatalf("pid_lock = %+v, want failed with active_pid=%d", c, os.Getpid())
	}
}

func TestRunInspectJSON(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := writeConfigDirFixture(t, tmpDir)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	res, err := queue.New(db, catalog.Default()).Submit(ctx, queue.SubmitRequest{
		Route:   "scene/spawn-object",
		Payload: map[string]any{"name": "Crate"},
	})
	_ = db.Close()
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCommandNoun([]string{"inspect", res.Record.ID, "--config", tmpDir, "--json"})
	})
	if code != 0 {
		t.Fatalf("inspect code = %d, stderr: %s", code, stderr)
	}

	var report struct {
		CommandID string `json:"command_id"`
		State     string `json:"state"`
	}
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("parse inspect JSON: %v\noutput=%s", err, stdout)
	}
	if report.CommandID != res.Record.ID || report.State != "queued" {
		t.Fatalf("unexpected report %+v", report)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runInspect([]string{"missing-id", "--config", tmpDir})
	})
	if code != 1 || !strings.Contains(stderr, "Inspect failed") {
		t.Fatalf("expected inspect failure, code=%d stderr=%s", code, stderr)
	}
}

func TestNewBridgeWiresProvidersAndServesHealth(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfigDirFixture(t, tmpDir)
	cfg, err := config.Load(tmpDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Assistant.Providers.Anthropic.APIKey = "sk-ant-test"
	cfg.Assistant.Provider = "anthropic"

	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cat, err := loadCatalog(cfg)
	if err != nil {
		t.Fatalf("loadCatalog: %v", err)
	}
	b := newBridge(cfg, db, cat, http.DefaultClient)
	if got := b.planner.Providers(); !slices.Equal(got, []string{"anthropic"}) {
		t.Fatalf("providers = %v, want [anthropic]", got)
	}

	rr := httptest.NewRecorder()
	b.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/healthz = %d, body %s", rr.Code, rr.Body.String())
	}
}

func TestLoadCatalogUsesConfigDirOverride(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfigDirFixture(t, tmpDir)

	cfg, err := config.Load(tmpDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cat, err := loadCatalog(cfg)
	if err != nil || cat != catalog.Default() {
		t.Fatalf("expected built-in catalog, got %v (err %v)", cat, err)
	}

	override := "routes:\n  - {route: scene/ping, category: scene, action: ping, summary: Ping the studio}\n"
	if err := os.WriteFile(filepath.Join(tmpDir, config.CatalogFileName), []byte(override), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.Load(tmpDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cat, err = loadCatalog(cfg)
	if err != nil {
		t.Fatalf("loadCatalog: %v", err)
	}
	if entries := cat.List(); len(entries) != 1 || entries[0].Route != "scene/ping" {
		t.Fatalf("override entries = %+v", entries)
	}

	if err := os.WriteFile(filepath.Join(tmpDir, config.CatalogFileName), []byte("routes: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadCatalog(cfg); err == nil {
		t.Fatal("expected an empty override to be rejected")
	}
}

func TestModelGeneratorsSkipsProvidersWithoutKeys(t *testing.T) {
	a := config.Defaults().Assistant
	if got := modelGenerators(a, catalog.Default(), nil); len(got) != 0 {
		t.Fatalf("expected no generators, got %d", len(got))
	}

	a.Providers.OpenAI.APIKey = "sk-1"
	a.Providers.OpenRouter.APIKey = "sk-2"
	got := modelGenerators(a, catalog.Default(), nil)
	if len(got) != 2 {
		t.Fatalf("expected 2 generators, got %d", len(got))
	}
	for _, name := range []string{"openai", "openrouter"} {
		if _, ok := got[name]; !ok {
			t.Fatalf("missing generator %q", name)
		}
	}
}
