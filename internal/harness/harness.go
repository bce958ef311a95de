package harness

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wtthornton/ha-ingestor/internal/safety"
)

// Oracle is the minimal LLM capability the harness needs for strip/
// restore prompt completion.
type Oracle interface {
	Complete(ctx context.Context, system, user string, maxTokens int, temperature float64) (string, error)
}

// HubClient is the REST surface the harness drives.
type HubClient interface {
	CreateAutomation(ctx context.Context, id, yamlAsJSON string) error
	DeleteAutomation(ctx context.Context, id string) error
	FireService(ctx context.Context, domain, service string, data map[string]any) error
}

// Config configures the dwell time. Delete retry is fixed at three
// attempts 2s apart.
type Config struct {
	TestDurationS int // default 30
}

// Harness runs the strip -> create -> trigger -> delete -> restore flow.
type Harness struct {
	oracle    Oracle
	validator *safety.Validator
	hub       HubClient
	log       *zap.Logger
	cfg       Config

	janitor *Janitor
}

// New creates a Harness backed by a cleanup Janitor.
func New(oracle Oracle, validator *safety.Validator, hub HubClient, log *zap.Logger, cfg Config) *Harness {
	if cfg.TestDurationS == 0 {
		cfg.TestDurationS = 30
	}
	h := &Harness{oracle: oracle, validator: validator, hub: hub, log: log.Named("harness"), cfg: cfg}
	h.janitor = NewJanitor(hub, log)
	return h
}

// Run executes the full test flow for one suggestion. Any step failure
// aborts the remaining flow but always proceeds to Delete.
func (h *Harness) Run(ctx context.Context, description, suggestionYAML string) (Result, error) {
	components := DetectComponents(description)
	mode := ModeFor(components)

	stripped, err := h.strip(ctx, suggestionYAML, mode)
	if err != nil {
		return Result{}, fmt.Errorf("strip: %w", err)
	}

	validated := h.validator.Validate(ctx, stripped, safety.LevelStrict)
	if !validated.Passed {
		fixed := safety.AutoFix(stripped)
		revalidated := h.validator.Validate(ctx, fixed, safety.LevelStrict)
		if revalidated.Passed {
			stripped = fixed
			validated = revalidated
		} else {
			return Result{SafetyResult: revalidated}, fmt.Errorf("stripped automation failed safety validation: %s", revalidated.Summary)
		}
	}

	id, err := randomAutomationID()
	if err != nil {
		return Result{}, fmt.Errorf("generate automation id: %w", err)
	}

	runErr := h.createTriggerWait(ctx, id, stripped)

	// Delete always runs, regardless of how far the flow got.
	h.deleteWithRetry(ctx, id)

	if runErr != nil {
		return Result{SafetyResult: validated, Components: components, Mode: mode}, runErr
	}
	return Result{SafetyResult: validated, Components: components, Mode: mode, AutomationID: id}, nil
}

// RunJanitor runs the cleanup sweep loop until ctx is cancelled. Intended
// to run under a supervisor alongside the rest of the long-lived tasks.
func (h *Harness) RunJanitor(ctx context.Context) error {
	return h.janitor.Run(ctx)
}

// Result summarizes one test run.
type Result struct {
	SafetyResult safety.Result
	Components   []DetectedComponent
	Mode         Mode
	AutomationID string
}

func (h *Harness) createTriggerWait(ctx context.Context, id, yamlText string) error {
	asJSON, err := yamlToJSONBody(yamlText)
	if err != nil {
		return fmt.Errorf("render automation body: %w", err)
	}

	if err := h.hub.CreateAutomation(ctx, id, asJSON); err != nil {
		return fmt.Errorf("create automation: %w", err)
	}

	if err := h.hub.FireService(ctx, "automation", "trigger", map[string]any{
		"entity_id": "automation." + id,
	}); err != nil {
		return fmt.Errorf("trigger automation: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(h.cfg.TestDurationS) * time.Second):
	}
	return nil
}

func (h *Harness) deleteWithRetry(ctx context.Context, id string) {
	backoff := 2 * time.Second
	for attempt := 0; attempt < 3; attempt++ {
		if err := h.hub.DeleteAutomation(ctx, id); err == nil {
			return
		} else if attempt == 2 {
			h.log.Warn("delete exhausted retries, queuing for janitor sweep", zap.String("automation_id", id), zap.Error(err))
			h.janitor.Enqueue(id)
			return
		}
		select {
		case <-ctx.Done():
			h.janitor.Enqueue(id)
			return
		case <-time.After(backoff):
		}
	}
}

func (h *Harness) strip(ctx context.Context, suggestionYAML string, mode Mode) (string, error) {
	system := "You produce minimal Home Assistant test automation YAML. Remove time-constraint conditions, replace interval triggers with a single manual trigger using event_type: test_automation_trigger, and keep only the core action."
	if mode == ModeSequence {
		system += " Preserve sequence structure (delay/repeat blocks) since this automation uses one."
	}
	user := "Original automation:\n" + suggestionYAML

	text, err := h.oracle.Complete(ctx, system, user, 1500, 0.1)
	if err != nil {
		return "", fmt.Errorf("oracle strip request: %w", err)
	}
	return text, nil
}

// Restore asks the oracle to restore previously stripped components back
// into a YAML the user approved for deployment.
func (h *Harness) Restore(ctx context.Context, strippedYAML string, components []DetectedComponent) (string, error) {
	system := "You restore previously stripped Home Assistant automation components (delays, repeats, time conditions) back into a test automation YAML, producing the final deployable automation."
	user := fmt.Sprintf("Stripped automation:\n%s\n\nComponents to restore: %v", strippedYAML, components)

	restored, err := h.oracle.Complete(ctx, system, user, 1500, 0.1)
	if err != nil {
		return "", fmt.Errorf("oracle restore request: %w", err)
	}

	result := h.validator.Validate(ctx, restored, safety.LevelModerate)
	if !result.Passed {
		fixed := safety.AutoFix(restored)
		if r2 := h.validator.Validate(ctx, fixed, safety.LevelModerate); r2.Passed {
			return fixed, nil
		}
		return "", fmt.Errorf("restored automation failed safety validation: %s", result.Summary)
	}
	return restored, nil
}

func randomAutomationID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "test_automation_" + hex.EncodeToString(b), nil
}

// yamlToJSONBody renders the YAML automation as the JSON body the hub's
// config endpoint expects.
func yamlToJSONBody(yamlText string) (string, error) {
	var generic map[string]any
	if err := yaml.Unmarshal([]byte(yamlText), &generic); err != nil {
		return "", fmt.Errorf("parse automation yaml: %w", err)
	}
	body, err := json.Marshal(normalizeYAMLMap(generic))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// normalizeYAMLMap recursively converts map[any]any nodes (which
// gopkg.in/yaml.v3 can produce for nested maps) into map[string]any so
// encoding/json can marshal them.
func normalizeYAMLMap(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = normalizeYAMLMap(vv)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAMLMap(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = normalizeYAMLMap(vv)
		}
		return out
	default:
		return v
	}
}

// Janitor sweeps a cleanup queue of automation IDs whose delete failed
// even after retries, every 5 minutes.
type Janitor struct {
	hub HubClient
	log *zap.Logger

	mu    sync.Mutex
	queue []string
}

// NewJanitor creates a Janitor. Call Run in a supervised goroutine.
func NewJanitor(hub HubClient, log *zap.Logger) *Janitor {
	return &Janitor{hub: hub, log: log.Named("harness.janitor")}
}

// Enqueue adds an automation ID for the next sweep.
func (j *Janitor) Enqueue(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.queue = append(j.queue, id)
}

// Run sweeps the queue every 5 minutes until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	j.mu.Lock()
	pending := j.queue
	j.queue = nil
	j.mu.Unlock()

	var stillPending []string
	for _, id := range pending {
		if err := j.hub.DeleteAutomation(ctx, id); err != nil {
			j.log.Warn("janitor sweep delete failed, retrying next cycle", zap.String("automation_id", id), zap.Error(err))
			stillPending = append(stillPending, id)
		}
	}
	if len(stillPending) > 0 {
		j.mu.Lock()
		j.queue = append(j.queue, stillPending...)
		j.mu.Unlock()
	}
}
