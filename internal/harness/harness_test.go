package harness

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor/internal/safety"
)

const strippedYAML = `
alias: test
trigger:
  - platform: event
    event_type: test_automation_trigger
action:
  - service: light.turn_on
    target:
      entity_id: light.office
`

type fakeOracle struct {
	reply string
	err   error
}

func (f *fakeOracle) Complete(ctx context.Context, system, user string, maxTokens int, temperature float64) (string, error) {
	return f.reply, f.err
}

type fakeHub struct {
	mu         sync.Mutex
	created    []string
	deleted    []string
	fired      []string
	createErr  error
	deleteErr  error
	deleteFail int // fail this many delete calls before succeeding
}

func (f *fakeHub) CreateAutomation(ctx context.Context, id, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, id)
	return nil
}

func (f *fakeHub) DeleteAutomation(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteFail > 0 {
		f.deleteFail--
		return errors.New("hub unavailable")
	}
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeHub) FireService(ctx context.Context, domain, service string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, fmt.Sprintf("%s.%s", domain, service))
	return nil
}

func newHarness(t *testing.T, oracle Oracle, hub HubClient) *Harness {
	t.Helper()
	v, err := safety.New(context.Background(), 0)
	require.NoError(t, err)
	return New(oracle, v, hub, zap.NewNop(), Config{TestDurationS: 1})
}

func TestDetectComponents_FlashOfficeLights(t *testing.T) {
	components := DetectComponents("Flash office lights every 30 seconds after 5pm for 10 minutes.")

	types := map[ComponentType]DetectedComponent{}
	for _, c := range components {
		types[c.Type] = c
	}
	require.Contains(t, types, ComponentDelay)
	require.Contains(t, types, ComponentRepeat)
	require.Contains(t, types, ComponentTimeCondition)

	assert.True(t, types[ComponentDelay].Nested, "delay inside a repeat is nested")
	assert.False(t, types[ComponentRepeat].Nested)
	assert.Equal(t, ModeSequence, ModeFor(components))
}

func TestDetectComponents_SimpleMode(t *testing.T) {
	components := DetectComponents("Turn on the porch light after 8pm.")
	require.Len(t, components, 1)
	assert.Equal(t, ComponentTimeCondition, components[0].Type)
	assert.Equal(t, ModeSimple, ModeFor(components))
}

func TestDetectComponents_FuzzyFallback(t *testing.T) {
	components := DetectComponents("turn it off, then wait a moment, then on again")
	var hasDelay bool
	for _, c := range components {
		if c.Type == ComponentDelay {
			hasDelay = true
			assert.GreaterOrEqual(t, c.Confidence, 0.6)
		}
	}
	assert.True(t, hasDelay)
}

func TestRun_CreatesTriggersAndAlwaysDeletes(t *testing.T) {
	hub := &fakeHub{}
	h := newHarness(t, &fakeOracle{reply: strippedYAML}, hub)

	res, err := h.Run(context.Background(), "Turn on the office light after 8pm.", strippedYAML)
	require.NoError(t, err)

	require.Len(t, hub.created, 1)
	assert.Regexp(t, regexp.MustCompile(`^test_automation_[0-9a-f]{8}$`), hub.created[0])
	assert.Equal(t, []string{"automation.trigger"}, hub.fired)
	assert.Equal(t, hub.created, hub.deleted, "the created automation is deleted on exit")
	assert.Equal(t, hub.created[0], res.AutomationID)
	assert.True(t, res.SafetyResult.Passed)
}

func TestRun_DeleteStillRunsWhenTriggerPathFails(t *testing.T) {
	hub := &fakeHub{createErr: errors.New("hub rejected body")}
	h := newHarness(t, &fakeOracle{reply: strippedYAML}, hub)

	_, err := h.Run(context.Background(), "Turn on the office light.", strippedYAML)
	require.Error(t, err)
	assert.Len(t, hub.deleted, 1, "delete is attempted even when create failed")
}

func TestRun_UnsafeStripAborts(t *testing.T) {
	unsafeYAML := `
alias: bad
trigger:
  - platform: event
    event_type: test_automation_trigger
action:
  - service: homeassistant.restart
`
	hub := &fakeHub{}
	h := newHarness(t, &fakeOracle{reply: unsafeYAML}, hub)

	_, err := h.Run(context.Background(), "restart nightly", unsafeYAML)
	require.Error(t, err)
	assert.Empty(t, hub.created, "nothing reaches the hub after a safety failure")
}

func TestJanitor_SweepRetriesFailedDeletes(t *testing.T) {
	hub := &fakeHub{deleteFail: 1}
	j := NewJanitor(hub, zap.NewNop())
	j.Enqueue("test_automation_deadbeef")

	j.sweep(context.Background())
	assert.Empty(t, hub.deleted, "first sweep fails and requeues")

	j.sweep(context.Background())
	assert.Equal(t, []string{"test_automation_deadbeef"}, hub.deleted)
}

func TestYAMLToJSONBody(t *testing.T) {
	body, err := yamlToJSONBody(strippedYAML)
	require.NoError(t, err)
	assert.Contains(t, body, `"alias":"test"`)
	assert.Contains(t, body, `"event_type":"test_automation_trigger"`)
}

func TestTokenSortRatio(t *testing.T) {
	assert.Equal(t, 1.0, tokenSortRatio("lights office", "office lights"))
	assert.Greater(t, tokenSortRatio("repeat", "repeats"), 0.6)
	assert.Less(t, tokenSortRatio("sunrise", "vacuum"), 0.6)
}
