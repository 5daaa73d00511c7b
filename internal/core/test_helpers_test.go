package core

import (
	"context"
	"fmt"
	"measurecore/internal/registry"
	"measurecore/pkg/domain"
	"sync"
	"testing"
	"time"
)

const testProductID = "P-1"

var fixedNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func floatPtr(v float64) *float64 { return &v }

func boolPtr(v bool) *bool { return &v }

func manualPoint(nameID string, rule *domain.RuleSetting) domain.MeasurementPoint {
	return domain.MeasurementPoint{
		Setup: domain.Setup{
			Name: nameID, NameID: nameID,
			Nature: domain.NatureQuantitative, Type: domain.SetupSingle, Source: domain.SourceManual,
			SampleAmount: 3,
		},
		EvaluationType:    domain.EvaluationPerSample,
		EvaluationSetting: domain.EvaluationSetting{PerSample: &domain.PerSampleSetting{IsRawData: true}},
		RuleEvaluation:    rule,
	}
}

// testProduct has a raw item, an item reading AVG(length), an instrument
// fed item and a qualitative check.
func testProduct() domain.Product {
	length := manualPoint("length", &domain.RuleSetting{
		Rule: domain.RuleBetween, Value: 10, Unit: "mm",
		ToleranceMinus: floatPtr(0.5), TolerancePlus: floatPtr(0.5),
	})
	deviation := manualPoint("deviation", &domain.RuleSetting{Rule: domain.RuleMax, Value: 1})
	deviation.Variables = []domain.Variable{{Name: "avg_len", Type: domain.VariableFormula, Formula: "AVG(length)"}}
	deviation.PreProcessingFormulas = []domain.Formula{{Name: "delta", Formula: "single_value - avg_len", IsShow: true}}
	deviation.EvaluationSetting.PerSample = &domain.PerSampleSetting{PreProcessingFormulaName: "delta"}

	sensor := manualPoint("sensor", &domain.RuleSetting{Rule: domain.RuleMin, Value: 0})
	sensor.Setup.Source = domain.SourceInstrument
	sensor.Setup.SourceInstrumentID = "GAUGE-7"

	look := domain.MeasurementPoint{
		Setup: domain.Setup{
			Name: "Appearance", NameID: "look",
			Nature: domain.NatureQualitative, Type: domain.SetupSingle, Source: domain.SourceManual,
			SampleAmount: 1,
		},
		EvaluationType:    domain.EvaluationSkipCheck,
		EvaluationSetting: domain.EvaluationSetting{Qualitative: &domain.QualitativeSetting{Label: "No scratches"}},
	}
	return domain.Product{
		ProductID:         testProductID,
		Name:              "Test part",
		MeasurementPoints: []domain.MeasurementPoint{length, deviation, sensor, look},
	}
}

func testRegistry(t *testing.T) *registry.Memory {
	t.Helper()
	reg, err := registry.NewMemory(testProduct())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithClock(ClockFunc(func() time.Time { return fixedNow }))}, opts...)
	return NewInMemoryService(NewDefaultRulesEngine(), testRegistry(t), opts...)
}

func mustCreateBatch(t *testing.T, svc *Service) domain.Batch {
	t.Helper()
	batch, _, err := svc.CreateBatch(context.Background(), domain.BatchRequest{ProductID: testProductID})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return batch
}

func singles(values ...float64) []domain.Sample {
	out := make([]domain.Sample, len(values))
	for i, v := range values {
		out[i] = domain.Sample{SampleIndex: i + 1, SingleValue: floatPtr(v)}
	}
	return out
}

func item(nameID string, values ...float64) domain.ItemSubmission {
	return domain.ItemSubmission{MeasurementItemNameID: nameID, Samples: singles(values...)}
}

func lookItem(ok bool) domain.ItemSubmission {
	return domain.ItemSubmission{
		MeasurementItemNameID: "look",
		Samples:               []domain.Sample{{SampleIndex: 1, QualitativeValue: boolPtr(ok)}},
	}
}

type captureAuditRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

func (c *captureAuditRecorder) has(op string, status AuditStatus, predicate func(AuditEntry) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		if entry.Operation == op && entry.Status == status {
			if predicate == nil || predicate(entry) {
				return true
			}
		}
	}
	return false
}

type metricsCall struct {
	op       string
	success  bool
	duration time.Duration
}

type captureMetricsRecorder struct {
	mu    sync.Mutex
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, metricsCall{op: op, success: success, duration: duration})
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type spanRecord struct {
	op  string
	err error
}

type captureTracer struct {
	mu      sync.Mutex
	started []string
	ended   []spanRecord
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, op)
	return ctx, &captureSpan{tracer: c, op: op}
}

func (c *captureTracer) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, record := range c.ended {
		if record.op == op && (record.err == nil) == success {
			return true
		}
	}
	return false
}

type captureSpan struct {
	tracer *captureTracer
	op     string
}

func (s *captureSpan) End(err error) {
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.tracer.ended = append(s.tracer.ended, spanRecord{op: s.op, err: err})
}

type captureLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *captureLogger) log(level, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf("%s %s %v", level, msg, args))
}

func (l *captureLogger) Debug(msg string, args ...any) { l.log("DEBUG", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.log("INFO", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.log("WARN", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.log("ERROR", msg, args...) }

func (l *captureLogger) contains(prefix string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
