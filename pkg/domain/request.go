package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// requestValidate checks request payload shapes via struct tags.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
}

// ValidateSubmissions checks the shape of a set of item submissions. When
// requireSamples is set every item must carry at least one sample, as a final
// submission does. Duplicate item keys are rejected.
func ValidateSubmissions(subs []ItemSubmission, requireSamples bool) error {
	if len(subs) == 0 {
		return &ValidationError{Field: "measurement_results", Message: "at least one item is required"}
	}
	seen := make(map[string]struct{}, len(subs))
	for i, sub := range subs {
		if err := requestValidate.Struct(sub); err != nil {
			return toValidationError(fmt.Sprintf("measurement_results.%d", i), err)
		}
		if _, dup := seen[sub.MeasurementItemNameID]; dup {
			return &ValidationError{
				Field:   fmt.Sprintf("measurement_results.%d.measurement_item_name_id", i),
				Message: fmt.Sprintf("duplicate item %q", sub.MeasurementItemNameID),
			}
		}
		seen[sub.MeasurementItemNameID] = struct{}{}
		if requireSamples && len(sub.Samples) == 0 {
			return &ValidationError{Field: fmt.Sprintf("measurement_results.%d.samples", i), Message: "at least one sample is required"}
		}
		indexes := make(map[int]struct{}, len(sub.Samples))
		for j, s := range sub.Samples {
			if _, dup := indexes[s.SampleIndex]; dup {
				return &ValidationError{
					Field:   fmt.Sprintf("measurement_results.%d.samples.%d.sample_index", i, j),
					Message: fmt.Sprintf("duplicate sample index %d", s.SampleIndex),
				}
			}
			indexes[s.SampleIndex] = struct{}{}
		}
	}
	return nil
}

var sampleFields = []string{"single_value", "before_after_value", "qualitative_value"}

// ValidateSampleShape checks that a sample carries exactly the field matching
// the point's setup.
func ValidateSampleShape(mp MeasurementPoint, s Sample) error {
	field := fmt.Sprintf("%s.samples[%d]", mp.NameID(), s.SampleIndex)
	var want string
	switch {
	case mp.Setup.Nature == NatureQualitative:
		want = "qualitative_value"
	case mp.Setup.Type == SetupSingle:
		want = "single_value"
	case mp.Setup.Type == SetupBeforeAfter:
		want = "before_after_value"
	default:
		return &ValidationError{Field: field, Message: fmt.Sprintf("unsupported setup type %q", mp.Setup.Type)}
	}
	present := map[string]bool{
		"single_value":       s.SingleValue != nil,
		"before_after_value": s.BeforeAfterValue != nil,
		"qualitative_value":  s.QualitativeValue != nil,
	}
	if !present[want] {
		return &ValidationError{Field: field, Message: want + " is required"}
	}
	for _, name := range sampleFields {
		if present[name] && name != want {
			return &ValidationError{Field: field, Message: fmt.Sprintf("%s is not allowed, expected %s", name, want)}
		}
	}
	return nil
}

// BatchRequest is the payload for creating a batch.
type BatchRequest struct {
	ProductID   string `json:"product_id" validate:"required"`
	BatchNumber string `json:"batch_number,omitempty" validate:"omitempty,max=255"`
	SampleCount int    `json:"sample_count,omitempty" validate:"omitempty,min=1,max=100"`
	Notes       string `json:"notes,omitempty" validate:"omitempty,max=1000"`
	MeasuredBy  string `json:"measured_by,omitempty"`

	// DueDate, when set, must lie after the creation time.
	DueDate *time.Time `json:"due_date,omitempty"`
}

// Validate checks the request shape.
func (r BatchRequest) Validate() error {
	if err := requestValidate.Struct(r); err != nil {
		return toValidationError("", err)
	}
	return nil
}

func toValidationError(prefix string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Field: prefix, Message: err.Error()}
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return &ValidationError{Field: prefix, Message: strings.Join(parts, ", ")}
}
