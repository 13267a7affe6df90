package completion

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/swarmd/internal/model"
)

// MockClient is a scripted completion client for tests. Responses are
// matched by substring against the concatenated system and user prompts,
// in registration order; unmatched calls fall back to DefaultText.
// Failures can be injected per match with a bounded count to exercise
// retry paths.
type MockClient struct {
	mu    sync.Mutex
	rules []mockRule
	calls []MockCall

	// DefaultText is returned when no rule matches.
	DefaultText string
}

type mockRule struct {
	match     string
	text      string
	failures  int
	permanent bool
}

// MockCall records one observed call for assertions.
type MockCall struct {
	SystemPrompt string
	UserPrompt   string
	Capsule      model.Capsule
}

// NewMockClient creates a mock with a generic default response.
func NewMockClient() *MockClient {
	return &MockClient{DefaultText: "draft content"}
}

// Respond registers a scripted response for prompts containing match.
func (m *MockClient) Respond(match, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{match: match, text: text})
}

// FailTimes makes calls matching match fail n times before succeeding with
// text.
func (m *MockClient) FailTimes(match string, n int, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{match: match, text: text, failures: n})
}

// FailAlways makes calls matching match fail permanently.
func (m *MockClient) FailAlways(match string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{match: match, permanent: true})
}

// Calls returns a copy of the observed calls.
func (m *MockClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Complete implements Client.
func (m *MockClient) Complete(ctx context.Context, systemPrompt, userPrompt string, capsule model.Capsule) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{SystemPrompt: systemPrompt, UserPrompt: userPrompt, Capsule: capsule})

	combined := systemPrompt + "\n" + userPrompt
	for i := range m.rules {
		rule := &m.rules[i]
		if !strings.Contains(combined, rule.match) {
			continue
		}
		if rule.permanent {
			return nil, fmt.Errorf("%w: injected failure", ErrTransient)
		}
		if rule.failures > 0 {
			rule.failures--
			return nil, fmt.Errorf("%w: injected failure", ErrTransient)
		}
		return &Result{Text: rule.text, Usage: Usage{PromptTokens: 10, CompletionTokens: 20}}, nil
	}

	return &Result{Text: m.DefaultText, Usage: Usage{PromptTokens: 10, CompletionTokens: 20}}, nil
}
