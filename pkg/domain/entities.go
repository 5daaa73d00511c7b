// Package domain defines the measurement schema, batch records, result
// shapes and rule evaluation primitives used by measurecore.
package domain

import (
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityBatch identifies a measurement batch record.
	EntityBatch EntityType = "batch"
)

// Nature distinguishes numeric measurements from pass/fail observations.
type Nature string

// Measurement natures.
const (
	NatureQuantitative Nature = "QUANTITATIVE"
	NatureQualitative  Nature = "QUALITATIVE"
)

// Valid reports whether n is a known nature.
func (n Nature) Valid() bool {
	switch n {
	case NatureQuantitative, NatureQualitative:
		return true
	default:
		return false
	}
}

// SetupType selects which raw field a sample carries.
type SetupType string

// Sample layouts.
const (
	SetupSingle      SetupType = "SINGLE"
	SetupBeforeAfter SetupType = "BEFORE_AFTER"
)

// Valid reports whether t is a known setup type.
func (t SetupType) Valid() bool {
	switch t {
	case SetupSingle, SetupBeforeAfter:
		return true
	default:
		return false
	}
}

// Source identifies where sample values come from.
type Source string

// Sample sources.
const (
	SourceManual     Source = "MANUAL"
	SourceInstrument Source = "INSTRUMENT"
	SourceDerived    Source = "DERIVED"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceInstrument, SourceDerived:
		return true
	default:
		return false
	}
}

// VariableType tags how a variable obtains its value.
type VariableType string

// Variable kinds.
const (
	VariableFixed   VariableType = "FIXED"
	VariableManual  VariableType = "MANUAL"
	VariableFormula VariableType = "FORMULA"
)

// Valid reports whether t is a known variable type.
func (t VariableType) Valid() bool {
	switch t {
	case VariableFixed, VariableManual, VariableFormula:
		return true
	default:
		return false
	}
}

// EvaluationType selects the item evaluation strategy.
type EvaluationType string

// Evaluation strategies.
const (
	EvaluationPerSample EvaluationType = "PER_SAMPLE"
	EvaluationJoint     EvaluationType = "JOINT"
	EvaluationSkipCheck EvaluationType = "SKIP_CHECK"
)

// Valid reports whether t is a known evaluation type.
func (t EvaluationType) Valid() bool {
	switch t {
	case EvaluationPerSample, EvaluationJoint, EvaluationSkipCheck:
		return true
	default:
		return false
	}
}

// RuleKind is the acceptance criterion applied to a scalar.
type RuleKind string

// Acceptance rules.
const (
	RuleMin     RuleKind = "MIN"
	RuleMax     RuleKind = "MAX"
	RuleBetween RuleKind = "BETWEEN"
)

// Valid reports whether k is a known rule.
func (k RuleKind) Valid() bool {
	switch k {
	case RuleMin, RuleMax, RuleBetween:
		return true
	default:
		return false
	}
}

// BatchStatus enumerates batch lifecycle states.
type BatchStatus string

// Batch lifecycle states. COMPLETED and CANCELLED are terminal.
const (
	BatchPending    BatchStatus = "PENDING"
	BatchInProgress BatchStatus = "IN_PROGRESS"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchCancelled  BatchStatus = "CANCELLED"
)

// Valid reports whether s is a known batch status.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchPending, BatchInProgress, BatchCompleted, BatchCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further writes are accepted in state s.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchCancelled
}

// Setup describes how a measurement point is sampled.
type Setup struct {
	Name                string    `json:"name" yaml:"name"`
	NameID              string    `json:"name_id" yaml:"name_id"`
	Nature              Nature    `json:"nature" yaml:"nature"`
	Type                SetupType `json:"type" yaml:"type"`
	Source              Source    `json:"source" yaml:"source"`
	SourceDerivedNameID string    `json:"source_derived_name_id,omitempty" yaml:"source_derived_name_id,omitempty"`
	SourceInstrumentID  string    `json:"source_instrument_id,omitempty" yaml:"source_instrument_id,omitempty"`
	SampleAmount        int       `json:"sample_amount" yaml:"sample_amount"`
}

// Variable is an ordered variable declaration. Declaration order is the
// dependency order: a FORMULA may only read variables declared before it.
type Variable struct {
	Name    string       `json:"name" yaml:"name"`
	Type    VariableType `json:"type" yaml:"type"`
	Value   *float64     `json:"value,omitempty" yaml:"value,omitempty"`
	Formula string       `json:"formula,omitempty" yaml:"formula,omitempty"`
	IsShow  bool         `json:"is_show" yaml:"is_show"`
}

// Formula is a named expression evaluated per sample.
type Formula struct {
	Name    string `json:"name" yaml:"name"`
	Formula string `json:"formula" yaml:"formula"`
	IsShow  bool   `json:"is_show" yaml:"is_show"`
}

// JointFormula is a named expression evaluated over all samples at once.
type JointFormula struct {
	Name         string `json:"name" yaml:"name"`
	Formula      string `json:"formula" yaml:"formula"`
	IsFinalValue bool   `json:"is_final_value" yaml:"is_final_value"`
}

// PerSampleSetting picks the scalar checked for each sample.
type PerSampleSetting struct {
	IsRawData                bool   `json:"is_raw_data" yaml:"is_raw_data"`
	PreProcessingFormulaName string `json:"pre_processing_formula_name,omitempty" yaml:"pre_processing_formula_name,omitempty"`
}

// JointSetting lists the aggregate formulas of a JOINT item.
type JointSetting struct {
	Formulas []JointFormula `json:"formulas" yaml:"formulas"`
}

// QualitativeSetting labels a QUALITATIVE point.
type QualitativeSetting struct {
	Label string `json:"label" yaml:"label"`
}

// EvaluationSetting holds strategy specific configuration.
type EvaluationSetting struct {
	PerSample   *PerSampleSetting   `json:"per_sample_setting,omitempty" yaml:"per_sample_setting,omitempty"`
	Joint       *JointSetting       `json:"joint_setting,omitempty" yaml:"joint_setting,omitempty"`
	Qualitative *QualitativeSetting `json:"qualitative_setting,omitempty" yaml:"qualitative_setting,omitempty"`
}

// RuleSetting is the acceptance rule of a QUANTITATIVE point.
type RuleSetting struct {
	Rule           RuleKind `json:"rule" yaml:"rule"`
	Value          float64  `json:"value" yaml:"value"`
	Unit           string   `json:"unit,omitempty" yaml:"unit,omitempty"`
	ToleranceMinus *float64 `json:"tolerance_minus,omitempty" yaml:"tolerance_minus,omitempty"`
	TolerancePlus  *float64 `json:"tolerance_plus,omitempty" yaml:"tolerance_plus,omitempty"`
}

// MeasurementPoint is the schema for one quality characteristic of a product.
// It is shared and read-only once loaded.
type MeasurementPoint struct {
	Setup                 Setup             `json:"setup" yaml:"setup"`
	Variables             []Variable        `json:"variables,omitempty" yaml:"variables,omitempty"`
	PreProcessingFormulas []Formula         `json:"pre_processing_formulas,omitempty" yaml:"pre_processing_formulas,omitempty"`
	EvaluationType        EvaluationType    `json:"evaluation_type" yaml:"evaluation_type"`
	EvaluationSetting     EvaluationSetting `json:"evaluation_setting" yaml:"evaluation_setting"`
	RuleEvaluation        *RuleSetting      `json:"rule_evaluation_setting,omitempty" yaml:"rule_evaluation_setting,omitempty"`
	GroupName             string            `json:"group_name,omitempty" yaml:"group_name,omitempty"`
	GroupOrder            int               `json:"group_order,omitempty" yaml:"group_order,omitempty"`
}

// NameID returns the item identifier of the point.
func (p MeasurementPoint) NameID() string { return p.Setup.NameID }

// MeasurementGroup orders measurement items for presentation.
type MeasurementGroup struct {
	GroupName        string   `json:"group_name" yaml:"group_name"`
	Order            int      `json:"order" yaml:"order"`
	MeasurementItems []string `json:"measurement_items" yaml:"measurement_items"`
}

// Product owns the measurement schema of one product.
type Product struct {
	ProductID         string             `json:"product_id" yaml:"product_id"`
	Name              string             `json:"name" yaml:"name"`
	MeasurementPoints []MeasurementPoint `json:"measurement_points" yaml:"measurement_points"`
	MeasurementGroups []MeasurementGroup `json:"measurement_groups,omitempty" yaml:"measurement_groups,omitempty"`
}

// Point finds a measurement point by name id.
func (p Product) Point(nameID string) (MeasurementPoint, bool) {
	for _, mp := range p.MeasurementPoints {
		if mp.NameID() == nameID {
			return mp, true
		}
	}
	return MeasurementPoint{}, false
}

// BeforeAfter is the raw pair of a BEFORE_AFTER sample.
type BeforeAfter struct {
	Before float64 `json:"before"`
	After  float64 `json:"after"`
}

// Sample is one specimen's raw input.
type Sample struct {
	SampleIndex      int          `json:"sample_index" validate:"min=1"`
	SingleValue      *float64     `json:"single_value"`
	BeforeAfterValue *BeforeAfter `json:"before_after_value"`
	QualitativeValue *bool        `json:"qualitative_value"`
}

// FormulaValue records one evaluated formula together with its source text.
type FormulaValue struct {
	Name    string   `json:"name"`
	Formula string   `json:"formula"`
	Value   *float64 `json:"value"`
	IsShow  bool     `json:"is_show"`
}

// SampleResult is a sample plus every value derived from it.
type SampleResult struct {
	Sample
	Status                     *bool          `json:"status"`
	EvaluatedValue             *float64       `json:"evaluated_value,omitempty"`
	PreProcessingFormulaValues []FormulaValue `json:"pre_processing_formula_values,omitempty"`
}

// JointResult records one evaluated joint formula.
type JointResult struct {
	Name         string   `json:"name"`
	Formula      string   `json:"formula"`
	Value        *float64 `json:"value"`
	IsFinalValue bool     `json:"is_final_value"`
}

// VariableValue is a named numeric value. Submissions use it for MANUAL
// inputs; results use it to record every resolved variable.
type VariableValue struct {
	NameID  string       `json:"name_id" validate:"required"`
	Value   float64      `json:"value"`
	Type    VariableType `json:"type,omitempty"`
	Formula string       `json:"formula,omitempty"`
}

// MeasurementResult is the persisted verdict of one measurement item. A nil
// Status means the item could not be evaluated yet.
type MeasurementResult struct {
	MeasurementItemNameID string          `json:"measurement_item_name_id"`
	Status                *bool           `json:"status"`
	EvaluationType        EvaluationType  `json:"evaluation_type,omitempty"`
	VariableValues        []VariableValue `json:"variable_values,omitempty"`
	Samples               []SampleResult  `json:"samples"`
	FinalValue            *float64        `json:"final_value,omitempty"`
	JointResults          []JointResult   `json:"joint_results,omitempty"`
	EvaluatedAt           *time.Time      `json:"evaluated_at,omitempty"`
}

// Passed reports whether the item has a positive verdict.
func (r MeasurementResult) Passed() bool { return r.Status != nil && *r.Status }

// ItemSubmission is the raw payload for one measurement item.
type ItemSubmission struct {
	MeasurementItemNameID string          `json:"measurement_item_name_id" validate:"required"`
	VariableValues        []VariableValue `json:"variable_values,omitempty" validate:"omitempty,dive"`
	Samples               []Sample        `json:"samples" validate:"omitempty,dive"`
}

// ManualInputs returns the submitted variable values keyed by name.
func (s ItemSubmission) ManualInputs() map[string]float64 {
	out := make(map[string]float64, len(s.VariableValues))
	for _, v := range s.VariableValues {
		out[v.NameID] = v.Value
	}
	return out
}

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Batch is one production lot under measurement. It exclusively owns its
// results; results reference their measurement point by name id only.
type Batch struct {
	Base
	MeasurementID      string              `json:"measurement_id"`
	ProductID          string              `json:"product_id"`
	BatchNumber        string              `json:"batch_number"`
	SampleCount        int                 `json:"sample_count"`
	Status             BatchStatus         `json:"status"`
	OverallResult      *bool               `json:"overall_result"`
	MeasurementResults []MeasurementResult `json:"measurement_results"`
	MeasuredBy         string              `json:"measured_by,omitempty"`
	MeasuredAt         *time.Time          `json:"measured_at,omitempty"`
	DueDate            *time.Time          `json:"due_date,omitempty"`
	Notes              string              `json:"notes,omitempty"`
}

// Result returns the stored result for an item.
func (b Batch) Result(nameID string) (MeasurementResult, bool) {
	for _, r := range b.MeasurementResults {
		if r.MeasurementItemNameID == nameID {
			return r, true
		}
	}
	return MeasurementResult{}, false
}

// MergeResults replaces results with the same item key and appends new ones,
// keeping first-seen order. Later entries in incoming win.
func (b *Batch) MergeResults(incoming []MeasurementResult) {
	index := make(map[string]int, len(b.MeasurementResults))
	for i, r := range b.MeasurementResults {
		index[r.MeasurementItemNameID] = i
	}
	for _, r := range incoming {
		if i, ok := index[r.MeasurementItemNameID]; ok {
			b.MeasurementResults[i] = r
			continue
		}
		index[r.MeasurementItemNameID] = len(b.MeasurementResults)
		b.MeasurementResults = append(b.MeasurementResults, r)
	}
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	SeverityWarn  Severity = "warn"
	SeverityLog   Severity = "log"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	if len(e.Result.Violations) == 0 {
		return "transaction blocked by rules"
	}
	v := e.Result.Violations[0]
	return "transaction blocked by rules: " + v.Rule + ": " + v.Message
}
