// Package pipeline implements the Data Pipeline Engine (C5): executing a
// declared DataPipelineConfig as a state machine over initializing →
// ingesting → preprocessing → validating → {augmenting|batching} →
// batching → caching → completed|failed, per §4.5.
package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flowforge/orchestrator/internal/domain"
	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/expr"
	"github.com/flowforge/orchestrator/internal/operators"
	"github.com/flowforge/orchestrator/internal/platform/logger"
)

// Status mirrors the C5 FSM's state names.
type Status string

const (
	StatusInitializing  Status = "initializing"
	StatusIngesting     Status = "ingesting"
	StatusPreprocessing Status = "preprocessing"
	StatusValidating    Status = "validating"
	StatusAugmenting    Status = "augmenting"
	StatusBatching      Status = "batching"
	StatusCaching       Status = "caching"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// Batch is one slice of the final batched dataset.
type Batch struct {
	ID    string
	Index int
	Data  []map[string]any
	Size  int
	Start int
	End   int
}

// ValidationResult is the §4.5 "Validate" phase output.
type ValidationResult struct {
	RecordErrors map[int][]string
	Passed       int
	Failed       int
}

// Execution is one run of a pipeline definition.
type Execution struct {
	ID         string
	PipelineID string
	Status     Status
	Error      string
	Batches    []Batch
	Validation ValidationResult
	StartedAt  time.Time
	EndedAt    time.Time
	cachedAt   time.Time
	cached     bool

	cancel context.CancelFunc
}

type cacheEntry struct {
	batches []Batch
	cachedAt time.Time
	size     int64
}

// Engine is the C5 accessor. One Engine instance owns every registered
// pipeline definition and its executions.
type Engine struct {
	log    *logger.Logger
	bus    *eventbus.Bus
	source operators.DataSource

	mu          sync.Mutex
	definitions map[string]*domain.DataPipelineConfig
	executions  map[string]*Execution
	cache       map[string]cacheEntry
}

// New constructs a pipeline engine. source is the DataSource used to
// ingest every registered pipeline's sources.
func New(source operators.DataSource, bus *eventbus.Bus, baseLog *logger.Logger) *Engine {
	return &Engine{
		log:         baseLog.With("component", "pipeline"),
		bus:         bus,
		source:      source,
		definitions: make(map[string]*domain.DataPipelineConfig),
		executions:  make(map[string]*Execution),
		cache:       make(map[string]cacheEntry),
	}
}

// CreatePipeline registers def under id after validating it has ≥1 source
// with well-formed type-specific fields, per §4.5.
func (e *Engine) CreatePipeline(id string, def *domain.DataPipelineConfig) error {
	if def == nil {
		return fmt.Errorf("create pipeline %q: nil config", id)
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("create pipeline %q: %w", id, err)
	}
	e.mu.Lock()
	e.definitions[id] = def
	e.mu.Unlock()
	return nil
}

// ExecutePipeline runs pipeline id through its FSM synchronously on the
// calling goroutine up through a terminal state, then returns the
// execution record (the engine has no
// internal worker pool — its caller, typically the orchestrator's script
// dispatch, is expected to run this in its own goroutine if concurrency is
// wanted).
func (e *Engine) ExecutePipeline(ctx context.Context, id string) (*Execution, error) {
	e.mu.Lock()
	def, ok := e.definitions[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("execute pipeline %q: not found", id)
	}

	runCtx, cancel := context.WithCancel(ctx)
	exec := &Execution{
		ID:         id + ":" + strconv.FormatInt(time.Now().UnixNano(), 10),
		PipelineID: id,
		Status:     StatusInitializing,
		StartedAt:  time.Now(),
		cancel:     cancel,
	}
	e.mu.Lock()
	e.executions[exec.ID] = exec
	e.mu.Unlock()

	e.run(runCtx, exec, def)
	return exec, nil
}

func (e *Engine) setStatus(exec *Execution, status Status) {
	e.mu.Lock()
	exec.Status = status
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context, exec *Execution, def *domain.DataPipelineConfig) {
	datasets, err := e.ingest(ctx, exec, def)
	if err != nil {
		e.fail(exec, err)
		return
	}

	e.setStatus(exec, StatusPreprocessing)
	rows := flatten(datasets)
	rows = e.preprocess(rows, def.Preprocess)

	e.setStatus(exec, StatusValidating)
	result := validate(rows, def.Validation)
	e.mu.Lock()
	exec.Validation = result
	e.mu.Unlock()
	if def.StrictValidation && result.Failed > 0 {
		e.fail(exec, fmt.Errorf("strict validation failed: %d of %d records", result.Failed, result.Passed+result.Failed))
		return
	}

	if def.Augment != nil {
		e.setStatus(exec, StatusAugmenting)
		rows = augment(rows, def.Augment)
	}

	e.setStatus(exec, StatusBatching)
	batches := batch(rows, def.Batch)
	e.mu.Lock()
	exec.Batches = batches
	e.mu.Unlock()

	e.setStatus(exec, StatusCaching)
	if def.Cache.Enabled {
		if err := e.tryCache(exec, batches, def.Cache); err != nil {
			e.log.Warn("pipeline cache write failed, continuing", "execution", exec.ID, "error", err)
		}
	}

	e.mu.Lock()
	exec.Status = StatusCompleted
	exec.EndedAt = time.Now()
	e.mu.Unlock()
	e.publish(exec.PipelineID, "pipeline:completed", exec.ID)
}

func (e *Engine) ingest(ctx context.Context, exec *Execution, def *domain.DataPipelineConfig) ([]operators.Dataset, error) {
	e.setStatus(exec, StatusIngesting)
	datasets := make([]operators.Dataset, 0, len(def.Sources))
	for _, src := range def.Sources {
		ds, err := e.source.Ingest(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("ingest source %q: %w", src.ID, err)
		}
		datasets = append(datasets, ds)
	}
	return datasets, nil
}

func flatten(datasets []operators.Dataset) []map[string]any {
	var rows []map[string]any
	for _, ds := range datasets {
		rows = append(rows, ds.Rows...)
	}
	return rows
}

func (e *Engine) fail(exec *Execution, err error) {
	e.mu.Lock()
	exec.Status = StatusFailed
	exec.Error = err.Error()
	exec.EndedAt = time.Now()
	e.mu.Unlock()
	e.log.Warn("pipeline execution failed", "execution", exec.ID, "error", err)
	e.publish(exec.PipelineID, "pipeline:failed", exec.ID)
}

func (e *Engine) publish(topic, subtype string, executionID string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, eventbus.Event{Subtype: subtype, Payload: executionID})
}

// Cancel stops an in-flight execution's context; a terminal execution is a
// no-op.
func (e *Engine) Cancel(executionID string) error {
	e.mu.Lock()
	exec, ok := e.executions[executionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel: execution %q not found", executionID)
	}
	e.mu.Lock()
	terminal := exec.Status == StatusCompleted || exec.Status == StatusFailed || exec.Status == StatusCancelled
	if !terminal {
		exec.Status = StatusCancelled
		exec.EndedAt = time.Now()
	}
	e.mu.Unlock()
	if exec.cancel != nil {
		exec.cancel()
	}
	return nil
}

// GetExecution returns the execution record for executionID.
func (e *Engine) GetExecution(executionID string) (*Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("get execution: %q not found", executionID)
	}
	return exec, nil
}

// CachedResult returns the cached batches for executionID, if present and
// not yet evicted.
func (e *Engine) CachedResult(executionID string) ([]Batch, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[executionID]
	if !ok {
		return nil, false
	}
	return entry.batches, true
}

func (e *Engine) tryCache(exec *Execution, batches []Batch, cfg domain.CacheConfig) error {
	size := estimateSize(batches)
	if cfg.MaxCacheSize > 0 && size > cfg.MaxCacheSize {
		return fmt.Errorf("serialized size %d exceeds max cache size %d", size, cfg.MaxCacheSize)
	}
	e.mu.Lock()
	e.cache[exec.ID] = cacheEntry{batches: batches, cachedAt: time.Now(), size: size}
	exec.cached = true
	exec.cachedAt = time.Now()
	e.mu.Unlock()
	return nil
}

func estimateSize(batches []Batch) int64 {
	var total int64
	for _, b := range batches {
		for _, row := range b.Data {
			total += int64(len(row)) * 32
		}
	}
	return total
}

// SweepCache evicts cache entries older than retentionDays, per §4.5
// "Cache retention."
func (e *Engine) SweepCache(retentionDays int) int {
	if retentionDays <= 0 {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	e.mu.Lock()
	defer e.mu.Unlock()
	evicted := 0
	for id, entry := range e.cache {
		if entry.cachedAt.Before(cutoff) {
			delete(e.cache, id)
			evicted++
		}
	}
	return evicted
}

// --- preprocessing ---

func (e *Engine) preprocess(rows []map[string]any, steps []domain.PreprocessStep) []map[string]any {
	for _, step := range steps {
		switch step.Kind {
		case domain.PreprocessNormalize:
			rows = normalize(rows, step.Fields)
		case domain.PreprocessFilter:
			rows = filterRows(rows, step.Predicates)
		case domain.PreprocessTransform:
			rows = transformRows(rows, step.Transforms)
		case domain.PreprocessClean:
			rows = clean(rows, step.RemoveNulls, step.TrimStrings)
		default:
			e.log.Warn("unknown preprocess step kind, skipping", "kind", step.Kind)
		}
	}
	return rows
}

func normalize(rows []map[string]any, fields []string) []map[string]any {
	mins := make(map[string]float64)
	maxs := make(map[string]float64)
	for _, f := range fields {
		mins[f] = 0
		maxs[f] = 0
	}
	first := true
	for _, row := range rows {
		for _, f := range fields {
			v, ok := toFloat(row[f])
			if !ok {
				continue
			}
			if first || v < mins[f] {
				mins[f] = v
			}
			if first || v > maxs[f] {
				maxs[f] = v
			}
		}
		first = false
	}
	for _, row := range rows {
		for _, f := range fields {
			v, ok := toFloat(row[f])
			if !ok {
				continue
			}
			span := maxs[f] - mins[f]
			if span == 0 {
				row[f] = 0.0
				continue
			}
			row[f] = (v - mins[f]) / span
		}
	}
	return rows
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

func filterRows(rows []map[string]any, predicates []domain.FilterPredicate) []map[string]any {
	var out []map[string]any
	for _, row := range rows {
		if matchesAll(row, predicates) {
			out = append(out, row)
		}
	}
	return out
}

func matchesAll(row map[string]any, predicates []domain.FilterPredicate) bool {
	for _, p := range predicates {
		if !matches(row[p.Field], p.Operator, p.Value) {
			return false
		}
	}
	return true
}

func matches(field any, operator string, value any) bool {
	switch operator {
	case "eq":
		return field == value
	case "neq":
		return field != value
	case "gt", "gte", "lt", "lte":
		fv, fok := toFloat(field)
		vv, vok := toFloat(value)
		if !fok || !vok {
			return false
		}
		switch operator {
		case "gt":
			return fv > vv
		case "gte":
			return fv >= vv
		case "lt":
			return fv < vv
		case "lte":
			return fv <= vv
		}
	case "contains":
		fs, fok := field.(string)
		vs, vok := value.(string)
		if !fok || !vok {
			return false
		}
		return strings.Contains(fs, vs)
	}
	return false
}

func transformRows(rows []map[string]any, transforms []domain.TransformExpr) []map[string]any {
	for _, row := range rows {
		for _, t := range transforms {
			v, err := expr.Eval(t.Expr, row)
			if err != nil {
				continue
			}
			row[t.Field] = v
		}
	}
	return rows
}

func clean(rows []map[string]any, removeNulls, trimStrings bool) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		cleaned := make(map[string]any, len(row))
		for k, v := range row {
			if removeNulls && v == nil {
				continue
			}
			if s, ok := v.(string); ok && trimStrings {
				v = strings.TrimSpace(s)
			}
			cleaned[k] = v
		}
		out = append(out, cleaned)
	}
	return out
}

// --- validation ---

// ValidateRows runs the same per-record rule checks the ingest pipeline's
// internal validate phase uses, exported for the standalone "validation"
// step type so it does not have to duplicate rule evaluation.
func ValidateRows(rows []map[string]any, rules []domain.ValidationRule) ValidationResult {
	return validate(rows, rules)
}

func validate(rows []map[string]any, rules []domain.ValidationRule) ValidationResult {
	result := ValidationResult{RecordErrors: make(map[int][]string)}
	for i, row := range rows {
		var errs []string
		for _, rule := range rules {
			if err := applyRule(row, rule); err != "" {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			result.RecordErrors[i] = errs
			result.Failed++
		} else {
			result.Passed++
		}
	}
	return result
}

func applyRule(row map[string]any, rule domain.ValidationRule) string {
	v := row[rule.Field]
	switch rule.Kind {
	case domain.ValidationRequired:
		if v == nil {
			return fmt.Sprintf("field %q is required", rule.Field)
		}
	case domain.ValidationRange:
		f, ok := toFloat(v)
		if !ok {
			return fmt.Sprintf("field %q is not numeric", rule.Field)
		}
		if rule.Min != nil && f < *rule.Min {
			return fmt.Sprintf("field %q below minimum %v", rule.Field, *rule.Min)
		}
		if rule.Max != nil && f > *rule.Max {
			return fmt.Sprintf("field %q above maximum %v", rule.Field, *rule.Max)
		}
	case domain.ValidationPattern:
		s, ok := v.(string)
		if !ok {
			return fmt.Sprintf("field %q is not a string", rule.Field)
		}
		if ok2, err := matchPattern(rule.Pattern, s); err != nil || !ok2 {
			return fmt.Sprintf("field %q does not match pattern %q", rule.Field, rule.Pattern)
		}
	}
	return ""
}

func matchPattern(pattern, s string) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

// --- augmentation ---

func augment(rows []map[string]any, cfg *domain.AugmentConfig) []map[string]any {
	if cfg.Duplicate != nil {
		rows = duplicateRows(rows, *cfg.Duplicate)
	}
	if cfg.Noise != nil {
		rows = addNoise(rows, *cfg.Noise)
	}
	if cfg.Synthetic != nil {
		rows = append(rows, syntheticRows(rows, *cfg.Synthetic)...)
	}
	return rows
}

func duplicateRows(rows []map[string]any, factor int) []map[string]any {
	if factor <= 1 {
		return rows
	}
	out := make([]map[string]any, 0, len(rows)*factor)
	for i := 0; i < factor; i++ {
		out = append(out, rows...)
	}
	return out
}

func addNoise(rows []map[string]any, cfg domain.NoiseConfig) []map[string]any {
	rng := rand.New(rand.NewSource(1))
	for _, row := range rows {
		for _, f := range cfg.Fields {
			v, ok := toFloat(row[f])
			if !ok {
				continue
			}
			row[f] = v + (rng.Float64()-0.5)*2*cfg.Level
		}
	}
	return rows
}

func syntheticRows(rows []map[string]any, cfg domain.SyntheticConfig) []map[string]any {
	if len(rows) == 0 || cfg.Count <= 0 {
		return nil
	}
	rng := rand.New(rand.NewSource(2))
	out := make([]map[string]any, 0, cfg.Count)
	for i := 0; i < cfg.Count; i++ {
		template := rows[rng.Intn(len(rows))]
		copy := make(map[string]any, len(template))
		for k, v := range template {
			copy[k] = v
		}
		out = append(out, copy)
	}
	return out
}

// --- batching ---

func batch(rows []map[string]any, cfg domain.BatchConfig) []Batch {
	if cfg.Shuffle {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
	}
	if cfg.BatchSize <= 0 {
		return nil
	}
	var batches []Batch
	for start := 0; start < len(rows); start += cfg.BatchSize {
		end := start + cfg.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batches = append(batches, Batch{
			ID:    fmt.Sprintf("batch-%d", len(batches)),
			Index: len(batches),
			Data:  rows[start:end],
			Size:  end - start,
			Start: start,
			End:   end,
		})
	}
	return batches
}
