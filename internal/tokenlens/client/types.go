package client

// OpenAI-compatible wire types for the vLLM REST API (internal).

// ChatMessage is a single message in the Chat Completions format.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the request body for /v1/chat/completions.
type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	LogProbs    bool          `json:"logprobs"`
	TopLogProbs int           `json:"top_logprobs"`
	Seed        int64         `json:"seed"`

	// TopK is a vLLM extension; omitted entirely when disabled so the
	// sampling distribution stays unfiltered.
	TopK *int `json:"top_k,omitempty"`
}

// chatResponse is the non-streaming response.
type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Message      *ChatMessage `json:"message,omitempty"`
	FinishReason string       `json:"finish_reason"`
	Logprobs     *logprobs    `json:"logprobs,omitempty"`
}

type logprobs struct {
	Content []logprobContent `json:"content,omitempty"`
}

type logprobContent struct {
	Token       string       `json:"token"`
	Logprob     float64      `json:"logprob"`
	Bytes       []int        `json:"bytes,omitempty"`
	TopLogprobs []topLogprob `json:"top_logprobs"`
}

type topLogprob struct {
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
	Bytes   []int   `json:"bytes,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// tokenizeRequest covers the three tokenize forms: messages framing,
// prompt form, and raw prompt form with special tokens off.
type tokenizeRequest struct {
	Model               string        `json:"model,omitempty"`
	Messages            []ChatMessage `json:"messages,omitempty"`
	Prompt              *string       `json:"prompt,omitempty"`
	AddSpecialTokens    *bool         `json:"add_special_tokens,omitempty"`
	AddGenerationPrompt *bool         `json:"add_generation_prompt,omitempty"`
}

// tokenizeResponse tolerates the field-name variants different server
// builds use for the ID list.
type tokenizeResponse struct {
	Tokens      []int `json:"tokens"`
	TokenIDs    []int `json:"token_ids"`
	InputIDs    []int `json:"input_ids"`
	Count       int   `json:"count"`
	MaxModelLen int   `json:"max_model_len"`
}

// ids returns whichever ID field the server populated.
func (r *tokenizeResponse) ids() []int {
	switch {
	case r.Tokens != nil:
		return r.Tokens
	case r.TokenIDs != nil:
		return r.TokenIDs
	case r.InputIDs != nil:
		return r.InputIDs
	default:
		return nil
	}
}
