package evaluator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"

	"github.com/rahul/datastory/internal/agent"
	"github.com/rahul/datastory/internal/report"
)

type scriptedModel struct {
	mu       sync.Mutex
	answers  []string
	err      error
	calls    int
	messages []llms.MessageContent
}

func (m *scriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.messages = messages
	if m.err != nil {
		return nil, m.err
	}
	answer := m.answers[0]
	if len(m.answers) > 1 {
		m.answers = m.answers[1:]
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: answer}}}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

type fakeDoc struct {
	snapErr error
}

func (d fakeDoc) HTML(r *report.Report) ([]byte, error) {
	return []byte(`<html><body><article><h1>` + r.Query + `</h1><p>Revenue grew steadily through the year with a strong fourth quarter.</p></article></body></html>`), nil
}

func (d fakeDoc) Snapshot(ctx context.Context, r *report.Report) ([]byte, error) {
	return []byte("\x89PNG"), d.snapErr
}

func fastRetry() agent.RetryConfig {
	return agent.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 2}
}

func finished() *report.Report {
	r := report.New("Why did revenue grow?", "sales.csv", "month, revenue")
	r.Stage = report.StageFinalized
	return r
}

func TestWeighted(t *testing.T) {
	w := DefaultWeights()
	assert.InDelta(t, 7.4, Weighted(Scores{8, 7, 6, 9}, w), 1e-9)
	assert.InDelta(t, 7.3, Weighted(Scores{Representation: 8, Presentation: 6, Aesthetics: 7, Narrative: 9}, w), 1e-9)
	assert.InDelta(t, 10, Weighted(Scores{10, 10, 10, 10}, w), 1e-9)
	assert.InDelta(t, 1, Weighted(Scores{1, 1, 1, 1}, w), 1e-9)
}

func TestParseScores(t *testing.T) {
	s, err := ParseScores("```json\n{\"representation\": 8, \"presentation\": 7, \"aesthetics\": 12, \"narrative\": 0}\n```")
	require.NoError(t, err)
	assert.Equal(t, Scores{Representation: 8, Presentation: 7, Aesthetics: 10, Narrative: 1}, s)

	_, err = ParseScores(`{"representation": 8, "presentation": 7}`)
	assert.Error(t, err)

	_, err = ParseScores("looks great!")
	assert.ErrorIs(t, err, agent.ErrNoJSON)
}

func TestEvaluate(t *testing.T) {
	model := &scriptedModel{answers: []string{`{"representation": 8, "presentation": 7, "aesthetics": 6, "narrative": 9, "comment": "ok"}`}}
	e := New(model, agent.NewPromptManager(""), fakeDoc{}, WithRetry(fastRetry()))

	reward := e.Evaluate(context.Background(), finished())
	assert.False(t, reward.Degraded)
	assert.InDelta(t, 7.4, reward.Total, 1e-9)
	assert.Equal(t, 8.0, reward.Breakdown["representation"])

	require.Len(t, model.messages, 1)
	parts := model.messages[0].Parts
	require.Len(t, parts, 2)
	text, ok := parts[0].(llms.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "Why did revenue grow?")
	assert.Contains(t, text.Text, "strong fourth quarter")
	img, ok := parts[1].(llms.BinaryContent)
	require.True(t, ok)
	assert.Equal(t, "image/png", img.MIMEType)
}

func TestEvaluateWithoutSnapshots(t *testing.T) {
	model := &scriptedModel{answers: []string{`{"representation": 5, "presentation": 5, "aesthetics": 5, "narrative": 5}`}}
	e := New(model, agent.NewPromptManager(""), fakeDoc{snapErr: errors.New("no browser")}, WithSnapshots(false))

	reward := e.Evaluate(context.Background(), finished())
	assert.False(t, reward.Degraded)
	assert.Len(t, model.messages[0].Parts, 1)
}

func TestEvaluateFallsBackToNeutral(t *testing.T) {
	ctx := context.Background()

	t.Run("unparsable response", func(t *testing.T) {
		model := &scriptedModel{answers: []string{"I would give it a solid B."}}
		reward := New(model, agent.NewPromptManager(""), fakeDoc{}, WithRetry(fastRetry())).Evaluate(ctx, finished())
		assert.Equal(t, 5.0, reward.Total)
		assert.True(t, reward.Degraded)
		assert.Equal(t, 1, model.calls, "malformed answers are not retried")
	})

	t.Run("call failure", func(t *testing.T) {
		model := &scriptedModel{err: errors.New("503")}
		reward := New(model, agent.NewPromptManager(""), fakeDoc{}, WithRetry(fastRetry())).Evaluate(ctx, finished())
		assert.Equal(t, 5.0, reward.Total)
		assert.True(t, reward.Degraded)
		assert.Equal(t, 2, model.calls)
	})

	t.Run("snapshot failure", func(t *testing.T) {
		model := &scriptedModel{answers: []string{`{"representation": 9, "presentation": 9, "aesthetics": 9, "narrative": 9}`}}
		reward := New(model, agent.NewPromptManager(""), fakeDoc{snapErr: errors.New("tab crashed")}).Evaluate(ctx, finished())
		assert.Equal(t, 5.0, reward.Total)
		assert.Zero(t, model.calls)
	})
}

func TestEvaluateWaitsOnSharedLimiter(t *testing.T) {
	answer := `{"representation": 8, "presentation": 7, "aesthetics": 6, "narrative": 9}`
	model := &scriptedModel{answers: []string{answer}}
	limiter := rate.NewLimiter(rate.Every(200*time.Millisecond), 1)
	e := New(model, agent.NewPromptManager(""), fakeDoc{}, WithRetry(fastRetry()), WithRateLimit(limiter))

	start := time.Now()
	assert.False(t, e.Evaluate(context.Background(), finished()).Degraded)
	assert.False(t, e.Evaluate(context.Background(), finished()).Degraded)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond, "second call waits for a token")
	assert.Equal(t, 2, model.calls)

	// No token left and a deadline shorter than the refill: neutral, no call.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	reward := e.Evaluate(ctx, finished())
	assert.True(t, reward.Degraded)
	assert.Equal(t, Neutral, reward.Total)
	assert.Equal(t, 2, model.calls)
}
