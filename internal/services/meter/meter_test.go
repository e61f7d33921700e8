package meter

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEstimateText(t *testing.T) {
	// The heuristic is fixed at one token per four characters, floored.
	tests := []struct {
		chars int64
		want  int64
	}{
		{0, 0},
		{1, 0},
		{3, 0},
		{4, 1},
		{7, 1},
		{8, 2},
		{400, 100},
		{-5, 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d chars", tt.chars), func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateText(tt.chars))
		})
	}
}

func TestUsageFromResponse(t *testing.T) {
	t.Run("reads total_tokens", func(t *testing.T) {
		body := []byte(`{"usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30}}`)
		total, ok := UsageFromResponse(body)
		require.True(t, ok)
		assert.Equal(t, int64(30), total)
	})

	t.Run("sums prompt and completion when total is missing", func(t *testing.T) {
		body := []byte(`{"usage":{"prompt_tokens":10,"completion_tokens":20}}`)
		total, ok := UsageFromResponse(body)
		require.True(t, ok)
		assert.Equal(t, int64(30), total)
	})

	t.Run("absent usage", func(t *testing.T) {
		_, ok := UsageFromResponse([]byte(`{"choices":[]}`))
		assert.False(t, ok)
	})

	t.Run("null usage", func(t *testing.T) {
		_, ok := UsageFromResponse([]byte(`{"usage":null}`))
		assert.False(t, ok)
	})
}

func TestCostFromResponse(t *testing.T) {
	t.Run("provider usage wins", func(t *testing.T) {
		body := []byte(`{
			"choices":[{"message":{"role":"assistant","content":"hello world, how are you"}}],
			"usage":{"total_tokens":42}
		}`)
		assert.Equal(t, int64(42), CostFromResponse(body))
	})

	t.Run("falls back to content estimate", func(t *testing.T) {
		content := strings.Repeat("a", 400)
		body := []byte(`{"choices":[{"message":{"role":"assistant","content":"` + content + `"}}]}`)
		assert.Equal(t, int64(100), CostFromResponse(body))
	})

	t.Run("sums multiple choices", func(t *testing.T) {
		c := strings.Repeat("b", 40)
		body := []byte(`{"choices":[
			{"message":{"content":"` + c + `"}},
			{"message":{"content":"` + c + `"}}
		]}`)
		assert.Equal(t, int64(20), CostFromResponse(body))
	})

	t.Run("empty response costs nothing", func(t *testing.T) {
		assert.Equal(t, int64(0), CostFromResponse([]byte(`{}`)))
	})
}

func streamChunk(content string) []byte {
	return []byte(`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"` + content + `"}}]}`)
}

func TestStreamAccumulator(t *testing.T) {
	t.Run("accumulates delta content", func(t *testing.T) {
		acc := NewStreamAccumulator()
		for i := 0; i < 10; i++ {
			acc.Observe(streamChunk(strings.Repeat("x", 8)))
		}

		assert.Equal(t, 10, acc.Chunks())
		assert.Equal(t, int64(80), acc.ContentChars())
		assert.Equal(t, int64(20), acc.FinalCost())
	})

	t.Run("tolerates the data prefix", func(t *testing.T) {
		acc := NewStreamAccumulator()
		acc.Observe([]byte("data: " + string(streamChunk("abcd"))))

		assert.Equal(t, 1, acc.Chunks())
		assert.Equal(t, int64(4), acc.ContentChars())
	})

	t.Run("ignores the done sentinel", func(t *testing.T) {
		acc := NewStreamAccumulator()
		acc.Observe(streamChunk("abcd"))
		acc.Observe([]byte("data: [DONE]"))

		assert.Equal(t, 1, acc.Chunks())
	})

	t.Run("trailing usage chunk wins over the estimate", func(t *testing.T) {
		acc := NewStreamAccumulator()
		for i := 0; i < 5; i++ {
			acc.Observe(streamChunk(strings.Repeat("y", 100)))
		}
		acc.Observe([]byte(`{"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":88,"total_tokens":100}}`))

		assert.Equal(t, int64(100), acc.FinalCost())
	})

	t.Run("partial stream is billed for what was seen", func(t *testing.T) {
		acc := NewStreamAccumulator()
		// 30 of an intended 50 chunks arrive before the failure.
		for i := 0; i < 30; i++ {
			acc.Observe(streamChunk(strings.Repeat("z", 8)))
		}

		assert.Equal(t, 30, acc.Chunks())
		assert.Equal(t, int64(60), acc.FinalCost())
	})

	t.Run("empty stream costs nothing", func(t *testing.T) {
		acc := NewStreamAccumulator()
		assert.Equal(t, int64(0), acc.FinalCost())
	})
}

func TestEstimator(t *testing.T) {
	body := []byte(`{"model":"gpt-4","messages":[
		{"role":"system","content":"` + strings.Repeat("s", 40) + `"},
		{"role":"user","content":"` + strings.Repeat("u", 40) + `"}
	]}`)

	t.Run("none mode is fully optimistic", func(t *testing.T) {
		e := NewEstimator(EstimateNone, zap.NewNop())
		assert.Equal(t, int64(0), e.EstimateRequest(body))
	})

	t.Run("unknown mode falls back to none", func(t *testing.T) {
		e := NewEstimator("whatever", zap.NewNop())
		assert.Equal(t, EstimateNone, e.Mode())
	})

	t.Run("heuristic counts message content", func(t *testing.T) {
		e := NewEstimator(EstimateHeuristic, zap.NewNop())
		// 2 messages of 40 chars: 10 tokens + 4 overhead each, +3 base.
		assert.Equal(t, int64(31), e.EstimateRequest(body))
	})

	t.Run("heuristic on empty body", func(t *testing.T) {
		e := NewEstimator(EstimateHeuristic, zap.NewNop())
		assert.Equal(t, int64(0), e.EstimateRequest([]byte(`{}`)))
	})

	t.Run("tokenizer mode produces a positive estimate", func(t *testing.T) {
		e := NewEstimator(EstimateTokenizer, zap.NewNop())
		require.Equal(t, EstimateTokenizer, e.Mode())
		assert.Greater(t, e.EstimateRequest(body), int64(0))
	})
}
