package llm

import (
	"context"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sells-group/docpipe/internal/model"
)

type anthropicAdapter struct{}

func (a *anthropicAdapter) Call(ctx context.Context, req CallRequest) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, req.timeout())
	defer cancel()

	client := sdk.NewClient(option.WithAPIKey(req.APIKey))

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(req.maxTokens()),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
		Temperature: sdk.Float(req.temperature()),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.TopP != nil {
		params.TopP = sdk.Float(*req.TopP)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return nil, &model.ProviderError{
				Code:    classifyStatus(apiErr.StatusCode),
				Message: apiErr.Error(),
				Err:     err,
			}
		}
		return nil, wrapTransport(err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return &Result{
		Text:             text,
		Model:            string(msg.Model),
		StopReason:       string(msg.StopReason),
		TokensPrompt:     int(msg.Usage.InputTokens),
		TokensCompletion: int(msg.Usage.OutputTokens),
	}, nil
}
