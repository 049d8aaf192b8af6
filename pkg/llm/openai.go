package llm

import (
	"context"
	"errors"
	"math"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sells-group/docpipe/internal/model"
)

type openaiAdapter struct{}

// openaiTemperature maps the requested temperature onto go-openai's
// request field. The library marshals Temperature with omitempty, so a
// literal 0 never reaches the wire and the server default (1.0) would
// apply; the smallest non-zero float stands in for an explicit zero.
func openaiTemperature(t float64) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}

func (a *openaiAdapter) Call(ctx context.Context, req CallRequest) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, req.timeout())
	defer cancel()

	client := openai.NewClient(req.APIKey)

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.maxTokens(),
		Temperature: openaiTemperature(req.temperature()),
		Stop:        req.StopSequences,
	}
	if req.TopP != nil {
		chatReq.TopP = float32(*req.TopP)
	}

	resp, err := client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, &model.ProviderError{
				Code:    classifyStatus(apiErr.HTTPStatusCode),
				Message: apiErr.Message,
				Err:     err,
			}
		}
		return nil, wrapTransport(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &model.ProviderError{
			Code:    model.ProviderErrAPI,
			Message: "empty choice list in completion response",
		}
	}

	choice := resp.Choices[0]
	return &Result{
		Text:             choice.Message.Content,
		Model:            resp.Model,
		StopReason:       string(choice.FinishReason),
		TokensPrompt:     resp.Usage.PromptTokens,
		TokensCompletion: resp.Usage.CompletionTokens,
	}, nil
}
