package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		BaseURL:          srv.URL + "/v1",
		APIKey:           "test-key",
		Model:            "research-30b",
		MaxTokens:        1000,
		MaxContextLength: 32768,
		Timeout:          5 * time.Second,
		MaxRetries:       1,
		RetryDelay:       time.Millisecond,
	})
	return c, srv
}

func completionResponse(text, finishReason string, promptTokens, completionTokens int) string {
	resp := chatResponse{
		ID: "chatcmpl-test",
		Choices: []chatChoice{{
			Message:      chatMessage{Role: RoleAssistant, Content: text},
			FinishReason: finishReason,
		}},
		Usage: &chatUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestGenerate(t *testing.T) {
	var gotReq chatRequest
	var gotAuth string
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, completionResponse("The answer is 42.", "stop", 120, 8))
	})

	out, err := c.Generate(t.Context(), []Message{
		{Role: RoleSystem, Content: "be terse"},
		{Role: RoleUser, Content: "what is the answer"},
	}, 0)
	require.NoError(t, err)

	assert.Equal(t, "The answer is 42.", out.Text)
	assert.Equal(t, "stop", out.FinishReason)
	assert.Equal(t, 120, out.PromptTokens)
	assert.Equal(t, 8, out.CompletionTokens)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "research-30b", gotReq.Model)
	assert.False(t, gotReq.Stream)
	assert.Equal(t, 1000, gotReq.MaxTokens, "zero maxTokens uses the configured budget")
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, RoleSystem, gotReq.Messages[0].Role)

	usage := c.Usage()
	assert.Equal(t, 120, usage.PromptTokens)
	assert.Equal(t, 8, usage.CompletionTokens)
	assert.Equal(t, 1, usage.Calls)
}

func TestGenerateLengthRegrow(t *testing.T) {
	var calls int32
	var budgets []int
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		budgets = append(budgets, req.MaxTokens)
		if atomic.AddInt32(&calls, 1) == 1 {
			fmt.Fprint(w, completionResponse("partial...", "length", 100, 1000))
			return
		}
		fmt.Fprint(w, completionResponse("complete answer", "stop", 100, 500))
	})

	out, err := c.Generate(t.Context(), []Message{{Role: RoleUser, Content: "hi"}}, 1000)
	require.NoError(t, err)

	assert.Equal(t, "complete answer", out.Text)
	require.Len(t, budgets, 2)
	assert.Equal(t, 1000, budgets[0])
	assert.Equal(t, 1100, budgets[1], "second attempt grows the budget by 10%")
}

func TestGenerateDegenerateRetry(t *testing.T) {
	loop := strings.Repeat("the same fifty characters repeating over and over ", 20)
	var calls int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			fmt.Fprint(w, completionResponse(loop, "stop", 10, 10))
			return
		}
		fmt.Fprint(w, completionResponse("a sane answer", "stop", 10, 10))
	})

	out, err := c.Generate(t.Context(), []Message{{Role: RoleUser, Content: "hi"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, "a sane answer", out.Text)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGenerateContinuesTrailingAssistant(t *testing.T) {
	var gotReq chatRequest
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, completionResponse("continued text", "stop", 10, 5))
	})

	_, err := c.Generate(t.Context(), []Message{
		{Role: RoleUser, Content: "summarize the failure"},
		{Role: RoleAssistant, Content: "<think>"},
	}, 0)
	require.NoError(t, err)

	assert.True(t, gotReq.ContinueFinalMessage)
	require.NotNil(t, gotReq.AddGenerationPrompt)
	assert.False(t, *gotReq.AddGenerationPrompt)
}

func TestGenerateAPIError(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"model does not exist","type":"invalid_request_error"}}`)
	})

	_, err := c.Generate(t.Context(), []Message{{Role: RoleUser, Content: "hi"}}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model does not exist")
	assert.Contains(t, err.Error(), "400")
}

func TestGenerateNoChoices(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"x","choices":[]}`)
	})

	_, err := c.Generate(t.Context(), []Message{{Role: RoleUser, Content: "hi"}}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestGenerateNoMessages(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := c.Generate(t.Context(), nil, 0)
	require.Error(t, err)
}

func TestGenerateMissingUsageEstimates(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"x","choices":[{"message":{"role":"assistant","content":"estimated tokens here"},"finish_reason":"stop"}]}`)
	})

	out, err := c.Generate(t.Context(), []Message{{Role: RoleUser, Content: "count my tokens please"}}, 0)
	require.NoError(t, err)
	assert.Greater(t, out.PromptTokens, 0)
	assert.Greater(t, out.CompletionTokens, 0)
}

func TestGenerateEmptyExhaustsRetries(t *testing.T) {
	var calls int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, completionResponse("", "stop", 10, 0))
	})

	_, err := c.Generate(t.Context(), []Message{{Role: RoleUser, Content: "hi"}}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unusable completion")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestIsDegenerate(t *testing.T) {
	assert.False(t, isDegenerate("short"))
	assert.False(t, isDegenerate(strings.Repeat("varied content with no repetition at all ", 10)))

	tail := "this exact fifty-character chunk repeats endlessly"
	require.Len(t, tail, 50)
	assert.True(t, isDegenerate(strings.Repeat(tail, 10)))
}

func TestParseErrorResponse(t *testing.T) {
	assert.Equal(t, "HTTP 429: slow down",
		parseErrorResponse(429, []byte(`{"error":{"message":"slow down"}}`)))
	assert.Equal(t, "HTTP 502: upstream exploded",
		parseErrorResponse(502, []byte("upstream exploded")))
	assert.Equal(t, "HTTP 500", parseErrorResponse(500, nil))
}

func TestAccessors(t *testing.T) {
	c := NewClient(Config{Model: "m", MaxTokens: 7, MaxContextLength: 9000})
	assert.Equal(t, "m", c.Model())
	assert.Equal(t, 7, c.MaxTokens())
	assert.Equal(t, 9000, c.MaxContextLength())
	assert.Greater(t, c.EstimateTokens("some text"), 0)
}
