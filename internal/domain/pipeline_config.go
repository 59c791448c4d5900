package domain

// DataSourceKind enumerates the source formats the reference ingest adapter
// understands; concrete I/O (file/db/api/stream) is an external operator
// per §6 — DataPipelineConfig only carries the declarative spec.
type DataSourceKind string

const (
	SourceFile     DataSourceKind = "file"
	SourceDatabase DataSourceKind = "database"
	SourceAPI      DataSourceKind = "api"
	SourceStream   DataSourceKind = "stream"
)

// DataSourceSpec declares one ingest source. Format applies only to
// SourceFile (json, csv, or line-delimited); other kinds are opaque to the
// engine and fully delegated to the operators.DataSource implementation.
type DataSourceSpec struct {
	ID     string            `json:"id"`
	Kind   DataSourceKind    `json:"kind"`
	Format string            `json:"format,omitempty"`
	Path   string            `json:"path,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

func (s DataSourceSpec) validate() error {
	if s.ID == "" {
		return wrapConfigInvalid("data source missing id")
	}
	switch s.Kind {
	case SourceFile, SourceDatabase, SourceAPI, SourceStream:
	default:
		return wrapConfigInvalidf("data source %q has unknown kind %q", s.ID, s.Kind)
	}
	if s.Kind == SourceFile {
		switch s.Format {
		case "json", "csv", "jsonl", "":
		default:
			return wrapConfigInvalidf("data source %q has unsupported file format %q", s.ID, s.Format)
		}
	}
	return nil
}

// PreprocessStepKind enumerates the §4.5 preprocessing step types.
type PreprocessStepKind string

const (
	PreprocessNormalize PreprocessStepKind = "normalize"
	PreprocessFilter    PreprocessStepKind = "filter"
	PreprocessTransform PreprocessStepKind = "transform"
	PreprocessClean     PreprocessStepKind = "clean"
)

// FilterPredicate is one conjunctive clause of a "filter" preprocess step.
type FilterPredicate struct {
	Field    string `json:"field"`
	Operator string `json:"operator"` // eq, neq, gt, gte, lt, lte, contains
	Value    any    `json:"value"`
}

// TransformExpr copies or computes a field. Expr is evaluated by the same
// sandboxed expression evaluator used for condition expressions.
type TransformExpr struct {
	Field string `json:"field"`
	Expr  string `json:"expr"`
}

// PreprocessStep is one step of the declared preprocessing pipeline, applied
// in order. Unknown Kind values are logged and skipped rather than failing
// the pipeline, per §4.5.
type PreprocessStep struct {
	Kind          PreprocessStepKind `json:"kind"`
	Fields        []string           `json:"fields,omitempty"`        // normalize
	Predicates    []FilterPredicate  `json:"predicates,omitempty"`    // filter
	Transforms    []TransformExpr    `json:"transforms,omitempty"`    // transform
	RemoveNulls   bool               `json:"remove_nulls,omitempty"`  // clean
	TrimStrings   bool               `json:"trim_strings,omitempty"`  // clean
}

// ValidationRuleKind enumerates the §4.5 validation rule types.
type ValidationRuleKind string

const (
	ValidationRequired ValidationRuleKind = "required"
	ValidationRange    ValidationRuleKind = "range"
	ValidationPattern  ValidationRuleKind = "pattern"
)

// ValidationRule is one rule evaluated against every record, used both by
// the data pipeline's internal validate phase and by the standalone
// "validation" step type.
type ValidationRule struct {
	Kind    ValidationRuleKind `json:"kind"`
	Field   string             `json:"field"`
	Min     *float64           `json:"min,omitempty"`
	Max     *float64           `json:"max,omitempty"`
	Pattern string             `json:"pattern,omitempty"`
}

// AugmentConfig configures the optional augmentation phase.
type AugmentConfig struct {
	Duplicate *int                `json:"duplicate,omitempty"` // factor
	Noise     *NoiseConfig        `json:"noise,omitempty"`
	Synthetic *SyntheticConfig    `json:"synthetic,omitempty"`
}

type NoiseConfig struct {
	Level  float64  `json:"level"`
	Fields []string `json:"fields"`
}

type SyntheticConfig struct {
	Count int `json:"count"`
}

// BatchConfig controls the §4.5 batching phase.
type BatchConfig struct {
	BatchSize int  `json:"batch_size"`
	Shuffle   bool `json:"shuffle,omitempty"`
}

// CacheConfig controls whether and how batches are cached for reuse.
type CacheConfig struct {
	Enabled           bool  `json:"enabled,omitempty"`
	MaxCacheSize      int64 `json:"max_cache_size,omitempty"`
	DataRetentionDays int   `json:"data_retention_days,omitempty"`
}

// DataPipelineConfig is the typed config for a StepDataPipeline step,
// carrying the whole declarative ingest → preprocess → validate → augment →
// batch → cache pipeline of §4.5.
type DataPipelineConfig struct {
	Sources          []DataSourceSpec  `json:"sources"`
	Preprocess       []PreprocessStep  `json:"preprocess,omitempty"`
	Validation       []ValidationRule  `json:"validation,omitempty"`
	StrictValidation bool              `json:"strict_validation,omitempty"`
	Augment          *AugmentConfig    `json:"augment,omitempty"`
	Batch            BatchConfig       `json:"batch"`
	Cache            CacheConfig       `json:"cache,omitempty"`
}

func (c *DataPipelineConfig) validate() error {
	return c.Validate()
}

// Validate checks that the config declares at least one well-formed source
// and a positive batch size, per §4.5. Exported so the pipeline engine can
// validate a definition before registering it.
func (c *DataPipelineConfig) Validate() error {
	if len(c.Sources) == 0 {
		return wrapConfigInvalid("data pipeline config declares zero sources")
	}
	for _, src := range c.Sources {
		if err := src.validate(); err != nil {
			return err
		}
	}
	if c.Batch.BatchSize <= 0 {
		return wrapConfigInvalid("data pipeline config has non-positive batch size")
	}
	return nil
}
