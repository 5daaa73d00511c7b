package core

import (
	"context"
	"errors"
	"math"
	"measurecore/internal/engine"
	"measurecore/pkg/domain"
	"reflect"
	"testing"
)

func TestSaveProgressMergesByItem(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	batch := mustCreateBatch(t, svc)

	report, _, err := svc.SaveProgress(ctx, batch.ID, []domain.ItemSubmission{item("length", 10.1)})
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	if report.TotalItems != 1 || report.SavedItems != 1 || report.Status != domain.BatchInProgress {
		t.Fatalf("unexpected first report %+v", report)
	}

	report, _, err = svc.SaveProgress(ctx, batch.ID, []domain.ItemSubmission{item("length", 12, 12.5)})
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if report.TotalItems != 1 {
		t.Fatalf("expected merge to keep one item, got %d", report.TotalItems)
	}
	if report.MeasurementID != batch.MeasurementID {
		t.Fatalf("unexpected measurement id %q", report.MeasurementID)
	}

	stored, _ := svc.GetBatch(ctx, batch.ID)
	got, ok := stored.Result("length")
	if !ok || len(got.Samples) != 2 || *got.Samples[0].SingleValue != 12 {
		t.Fatalf("expected later save to win, got %+v", got)
	}
	if got.Status == nil || *got.Status {
		t.Fatalf("expected evaluated NG status, got %v", got.Status)
	}
	if got.EvaluatedAt == nil || !got.EvaluatedAt.Equal(fixedNow) {
		t.Fatalf("expected evaluation timestamp, got %v", got.EvaluatedAt)
	}
	if stored.OverallResult != nil {
		t.Fatalf("save progress must not compute overall result")
	}
}

func TestSaveProgressStoresUnevaluableItemsWithNullStatus(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	batch := mustCreateBatch(t, svc)

	report, _, err := svc.SaveProgress(ctx, batch.ID, []domain.ItemSubmission{item("deviation", 10.3)})
	if err != nil {
		t.Fatalf("save must not fail on missing dependency: %v", err)
	}
	if report.Progress == nil || *report.Progress != 0 {
		t.Fatalf("expected 0%% progress, got %v", report.Progress)
	}
	stored, _ := svc.GetBatch(ctx, batch.ID)
	got, _ := stored.Result("deviation")
	if got.Status != nil || got.EvaluatedAt != nil {
		t.Fatalf("expected raw result without verdict, got %+v", got)
	}
	if len(got.Samples) != 1 || *got.Samples[0].SingleValue != 10.3 {
		t.Fatalf("expected raw samples kept, got %+v", got.Samples)
	}
}

func TestSaveProgressRejectsMalformedRequests(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	batch := mustCreateBatch(t, svc)

	cases := map[string][]domain.ItemSubmission{
		"empty":        nil,
		"unknown item": {item("nope", 1)},
		"duplicate":    {item("length", 1), item("length", 2)},
	}
	for name, subs := range cases {
		t.Run(name, func(t *testing.T) {
			if _, _, err := svc.SaveProgress(ctx, batch.ID, subs); !isValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	stored, _ := svc.GetBatch(ctx, batch.ID)
	if stored.Status != domain.BatchPending || len(stored.MeasurementResults) != 0 {
		t.Fatalf("rejected save changed batch: %+v", stored)
	}
}

func TestSubmitBatchEvaluatesSavedAndSubmittedItems(t *testing.T) {
	svc := newTestService(t)
	ctx := WithActor(context.Background(), "qa-7")
	batch := mustCreateBatch(t, svc)

	if _, _, err := svc.SaveProgress(ctx, batch.ID, []domain.ItemSubmission{item("length", 10.1, 9.8, 10.2)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	sub, _, err := svc.SubmitBatch(ctx, batch.ID, []domain.ItemSubmission{item("deviation", 10.5, 10.9), lookItem(true)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !sub.Verdict.OverallResult || sub.Verdict.Summary.TotalItems != 3 || sub.Verdict.Summary.PassRate != 100 {
		t.Fatalf("unexpected verdict %+v", sub.Verdict)
	}
	b := sub.Batch
	if b.Status != domain.BatchCompleted || b.OverallResult == nil || !*b.OverallResult {
		t.Fatalf("expected completed OK batch, got %+v", b)
	}
	if b.MeasuredAt == nil || !b.MeasuredAt.Equal(fixedNow) || b.MeasuredBy != "qa-7" {
		t.Fatalf("unexpected measured fields at=%v by=%q", b.MeasuredAt, b.MeasuredBy)
	}
	var order []string
	for _, r := range b.MeasurementResults {
		order = append(order, r.MeasurementItemNameID)
	}
	if !reflect.DeepEqual(order, []string{"length", "deviation", "look"}) {
		t.Fatalf("unexpected result order %v", order)
	}

	deviation, _ := b.Result("deviation")
	if len(deviation.VariableValues) != 1 || math.Abs(deviation.VariableValues[0].Value-10.0333333333) > 1e-6 {
		t.Fatalf("expected avg_len from saved length samples, got %+v", deviation.VariableValues)
	}
	delta := deviation.Samples[1].PreProcessingFormulaValues[0]
	if delta.Name != "delta" || delta.Formula != "single_value - avg_len" || math.Abs(*delta.Value-0.8666666667) > 1e-6 {
		t.Fatalf("unexpected delta %+v", delta)
	}
	look, _ := b.Result("look")
	if !look.Passed() || look.Samples[0].Status != nil {
		t.Fatalf("expected SKIP_CHECK pass without sample status, got %+v", look)
	}
	for _, r := range b.MeasurementResults {
		if r.EvaluatedAt == nil {
			t.Fatalf("item %s not stamped", r.MeasurementItemNameID)
		}
	}
}

func TestSubmitBatchSingleFailureFailsBatch(t *testing.T) {
	orders := [][]domain.ItemSubmission{
		{item("length", 10, 12), lookItem(true)},
		{lookItem(true), item("length", 10, 12)},
	}
	for _, subs := range orders {
		svc := newTestService(t)
		batch := mustCreateBatch(t, svc)
		sub, _, err := svc.SubmitBatch(context.Background(), batch.ID, subs)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if sub.Verdict.OverallResult || *sub.Batch.OverallResult {
			t.Fatalf("expected NG batch for order %v", subs[0].MeasurementItemNameID)
		}
		if sub.Verdict.Summary.FailedItems != 1 || sub.Verdict.Summary.PassRate != 50 {
			t.Fatalf("unexpected summary %+v", sub.Verdict.Summary)
		}
	}
}

func TestSubmitBatchIsAtomic(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	batch := mustCreateBatch(t, svc)
	if _, _, err := svc.SaveProgress(ctx, batch.ID, []domain.ItemSubmission{lookItem(true)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	before, _ := svc.GetBatch(ctx, batch.ID)

	_, _, err := svc.SubmitBatch(ctx, batch.ID, []domain.ItemSubmission{item("deviation", 10.5)})
	var missing *domain.MissingDependencyError
	if !errors.As(err, &missing) || !reflect.DeepEqual(missing.Missing, []string{"length"}) || missing.Item != "deviation" {
		t.Fatalf("expected missing dependency on length, got %v", err)
	}
	after, _ := svc.GetBatch(ctx, batch.ID)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("failed submit changed batch:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestSubmitBatchRequiresSamples(t *testing.T) {
	svc := newTestService(t)
	batch := mustCreateBatch(t, svc)
	_, _, err := svc.SubmitBatch(context.Background(), batch.ID, []domain.ItemSubmission{{MeasurementItemNameID: "length"}})
	if !isValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitBatchRejectsClosedBatch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	batch := mustCreateBatch(t, svc)
	if _, _, err := svc.SubmitBatch(ctx, batch.ID, []domain.ItemSubmission{item("length", 10)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, _, err := svc.SubmitBatch(ctx, batch.ID, []domain.ItemSubmission{item("length", 20)}); !errors.Is(err, domain.ErrBatchClosed) {
		t.Fatalf("expected ErrBatchClosed, got %v", err)
	}
	if _, _, err := svc.CancelBatch(ctx, batch.ID); !errors.Is(err, domain.ErrBatchClosed) {
		t.Fatalf("expected ErrBatchClosed on cancel, got %v", err)
	}
	stored, _ := svc.GetBatch(ctx, batch.ID)
	if got, _ := stored.Result("length"); *got.Samples[0].SingleValue != 10 {
		t.Fatalf("completed results changed: %+v", got)
	}
}

func TestSubmitBatchWithLegacyAverageFallback(t *testing.T) {
	svc := newTestService(t, WithEngine(engine.New(engine.WithLegacyAverageFallback(2))))
	batch := mustCreateBatch(t, svc)
	sub, _, err := svc.SubmitBatch(context.Background(), batch.ID, []domain.ItemSubmission{item("deviation", 2.5)})
	if err != nil {
		t.Fatalf("submit with fallback: %v", err)
	}
	dev, _ := sub.Batch.Result("deviation")
	if dev.VariableValues[0].Value != 2 || !dev.Passed() {
		t.Fatalf("expected fallback average 2, got %+v", dev)
	}
}

func TestCheckSamples(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	batch := mustCreateBatch(t, svc)

	check, err := svc.CheckSamples(ctx, batch.ID, domain.ItemSubmission{MeasurementItemNameID: "sensor"})
	if err != nil {
		t.Fatalf("check instrument item: %v", err)
	}
	if !check.Awaiting || check.Source != domain.SourceInstrument || check.Result != nil {
		t.Fatalf("expected awaiting instrument data, got %+v", check)
	}

	check, err = svc.CheckSamples(ctx, batch.ID, item("length", 10.2, 10.7))
	if err != nil {
		t.Fatalf("check length: %v", err)
	}
	if check.Awaiting || check.Result == nil || check.Result.Passed() {
		t.Fatalf("expected NG result, got %+v", check)
	}
	if s := check.Result.Samples; *s[0].Status != true || *s[1].Status != false {
		t.Fatalf("unexpected per-sample statuses %+v", s)
	}

	_, err = svc.CheckSamples(ctx, batch.ID, item("deviation", 10))
	var missing *domain.MissingDependencyError
	if !errors.As(err, &missing) {
		t.Fatalf("expected missing dependency, got %v", err)
	}

	stored, _ := svc.GetBatch(ctx, batch.ID)
	if len(stored.MeasurementResults) != 0 || stored.Status != domain.BatchPending {
		t.Fatalf("check must not persist, got %+v", stored)
	}
}

func TestCheckDependencies(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	batch := mustCreateBatch(t, svc)

	missing, err := svc.CheckDependencies(ctx, batch.ID, "deviation", nil)
	if err != nil {
		t.Fatalf("check dependencies: %v", err)
	}
	if !reflect.DeepEqual(missing, []string{"length"}) {
		t.Fatalf("expected [length], got %v", missing)
	}
	missing, err = svc.CheckDependencies(ctx, batch.ID, "deviation", []domain.ItemSubmission{item("length", 10)})
	if err != nil || len(missing) != 0 {
		t.Fatalf("expected no missing items with length in request, got %v %v", missing, err)
	}

	if _, _, err := svc.SaveProgress(ctx, batch.ID, []domain.ItemSubmission{item("length", 10)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if missing, _ = svc.CheckDependencies(ctx, batch.ID, "deviation", nil); len(missing) != 0 {
		t.Fatalf("expected saved length to satisfy dependency, got %v", missing)
	}
	if _, err := svc.CheckDependencies(ctx, batch.ID, "nope", nil); !isValidation(err) {
		t.Fatalf("expected validation error for unknown item, got %v", err)
	}
}

func TestUnionSubmissionsKeepsStoredOrder(t *testing.T) {
	batch := domain.Batch{MeasurementResults: []domain.MeasurementResult{
		{MeasurementItemNameID: "a", Samples: []domain.SampleResult{{Sample: domain.Sample{SampleIndex: 1, SingleValue: floatPtr(1)}}}},
		{MeasurementItemNameID: "b"},
	}}
	got := unionSubmissions(batch, []domain.ItemSubmission{item("c", 3), item("a", 9)})
	var order []string
	for _, s := range got {
		order = append(order, s.MeasurementItemNameID)
	}
	if !reflect.DeepEqual(order, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected order %v", order)
	}
	if *got[0].Samples[0].SingleValue != 9 {
		t.Fatalf("expected resubmitted item to replace stored one")
	}
}
