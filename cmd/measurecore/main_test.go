package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"measurecore/internal/config"
	"measurecore/pkg/domain"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const gaugeSchema = `product_id: GAUGE-1
name: Gauge block
measurement_points:
  - setup:
      name: Length
      name_id: length
      nature: QUANTITATIVE
      type: SINGLE
      source: MANUAL
      sample_amount: 2
    evaluation_type: PER_SAMPLE
    evaluation_setting:
      per_sample_setting:
        is_raw_data: true
    rule_evaluation_setting:
      rule: BETWEEN
      value: 25
      unit: mm
      tolerance_minus: 0.1
      tolerance_plus: 0.1
  - setup:
      name: Finish
      name_id: finish
      nature: QUALITATIVE
      type: SINGLE
      source: MANUAL
      sample_amount: 1
    evaluation_type: SKIP_CHECK
    evaluation_setting:
      qualitative_setting:
        label: No burrs
`

type env struct {
	dir    string
	config string
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	schemas := filepath.Join(dir, "schemas")
	if err := os.MkdirAll(schemas, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(schemas, "gauge.yaml"), []byte(gaugeSchema), 0o600); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	cfg := fmt.Sprintf(`storage:
  driver: sqlite
  sqlite_path: %[1]s/data/measure.db
blob:
  driver: fs
  fs_root: %[1]s/archive
registry:
  dir: %[1]s/schemas
logging:
  level: error
metrics:
  driver: prometheus
  path: %[1]s/metrics.prom
tracing:
  driver: json
  path: %[1]s/trace.jsonl
`, dir)
	path := filepath.Join(dir, "measurecore.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return env{dir: dir, config: path}
}

func (e env) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(strings.NewReader(stdin), &stdout, &stderr)
	cmd.SetArgs(append([]string{"--config", e.config, "--actor", "qa-1"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	return v
}

func TestCLIBatchLifecycle(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "", "create", "GAUGE-1", "--notes", "line 2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created := decode[writeResult](t, out)
	id := created.Batch.ID
	if created.Batch.SampleCount != 2 || created.Batch.MeasuredBy != "qa-1" {
		t.Fatalf("unexpected batch %+v", created.Batch)
	}

	out, err = e.run(t, `[{"measurement_item_name_id":"length","samples":[{"sample_index":1,"single_value":25.05}]}]`, "save", id)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	progress := decode[progressResult](t, out)
	if progress.Status != domain.BatchInProgress || progress.SavedItems != 1 || progress.TotalItems != 2 {
		t.Fatalf("unexpected progress %+v", progress)
	}

	out, err = e.run(t, "", "status", "GAUGE-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, `"status": "NEED_TO_MEASURE"`) {
		t.Fatalf("unexpected status output %s", out)
	}

	out, err = e.run(t, `[{"measurement_item_name_id":"finish","samples":[{"sample_index":1,"qualitative_value":true}]}]`, "submit", id)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	submitted := decode[submitResult](t, out)
	if submitted.Batch.Status != domain.BatchCompleted || !submitted.Verdict.OverallResult {
		t.Fatalf("unexpected submission %+v", submitted)
	}

	out, err = e.run(t, "", "verdict", id)
	if err != nil {
		t.Fatalf("verdict: %v", err)
	}
	if !strings.Contains(out, `"result": "OK"`) {
		t.Fatalf("unexpected verdict %s", out)
	}

	out, err = e.run(t, "", "list", "GAUGE-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if batches := decode[[]domain.Batch](t, out); len(batches) != 1 || batches[0].ID != id {
		t.Fatalf("unexpected list %s", out)
	}

	_, err = e.run(t, "", "cancel", id)
	if !errors.Is(err, domain.ErrBatchClosed) || exitCode(err) != exitConflict {
		t.Fatalf("expected closed batch error, got %v", err)
	}

	for _, name := range []string{"metrics.prom", "trace.jsonl"} {
		body, err := os.ReadFile(filepath.Join(e.dir, name))
		if err != nil || len(body) == 0 {
			t.Fatalf("expected %s to be written: %v", name, err)
		}
	}
}

func TestCLICheckAndDeps(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "", "create", "GAUGE-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := decode[writeResult](t, out).Batch.ID

	out, err = e.run(t, `{"measurement_item_name_id":"length","samples":[{"sample_index":1,"single_value":25.3}]}`, "check", id)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	check := decode[map[string]any](t, out)
	result, ok := check["result"].(map[string]any)
	if !ok || result["status"] != false {
		t.Fatalf("expected failing check, got %s", out)
	}

	out, err = e.run(t, "", "deps", id, "length")
	if err != nil {
		t.Fatalf("deps: %v", err)
	}
	if report := decode[dependencyReport](t, out); !report.Ready || len(report.Missing) != 0 {
		t.Fatalf("unexpected deps %+v", report)
	}
}

func TestCLIErrors(t *testing.T) {
	e := newEnv(t)
	cases := []struct {
		name  string
		stdin string
		args  []string
		code  int
	}{
		{"unknown batch", "", []string{"get", "MSR-00000000"}, exitNotFound},
		{"unknown product", "", []string{"create", "NOPE"}, exitNotFound},
		{"malformed input", "{", []string{"submit", "MSR-00000000"}, exitInvalid},
		{"unknown field", `{"product":"x"}`, []string{"create", "--json"}, exitInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.run(t, tc.stdin, tc.args...)
			if got := exitCode(err); got != tc.code {
				t.Fatalf("expected exit %d, got %d (%v)", tc.code, got, err)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	if exitCode(nil) != exitOK {
		t.Fatalf("nil error must map to success")
	}
	if exitCode(errors.New("boom")) != exitError {
		t.Fatalf("plain error must map to generic failure")
	}
	if exitCode(fmt.Errorf("wrap: %w", &domain.MissingDependencyError{Item: "a", Missing: []string{"b"}})) != exitEvaluation {
		t.Fatalf("dependency errors must map to evaluation failure")
	}
}

func TestOpenAppWarnsOnMemoryStorage(t *testing.T) {
	e := newEnv(t)
	body := fmt.Sprintf("storage:\n  driver: memory\nregistry:\n  dir: %s/schemas\nlogging:\n  level: warn\n", e.dir)
	path := filepath.Join(e.dir, "memory.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var stderr bytes.Buffer
	a, err := openApp(context.Background(), mustLoad(t, path), &stderr)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !strings.Contains(stderr.String(), "memory storage does not persist between runs") {
		t.Fatalf("expected memory storage warning, got %q", stderr.String())
	}

	stderr.Reset()
	a, err = openApp(context.Background(), mustLoad(t, e.config), &stderr)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	_ = a.Close()
	if strings.Contains(stderr.String(), "does not persist") {
		t.Fatalf("sqlite storage must not warn, got %q", stderr.String())
	}
}

func mustLoad(t *testing.T, path string) config.Config {
	t.Helper()
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}
