package llm

import (
	"context"
	"errors"

	"google.golang.org/genai"

	"github.com/sells-group/docpipe/internal/model"
)

type googleAdapter struct{}

func (a *googleAdapter) newClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, wrapGoogle(err)
	}
	return client, nil
}

func (a *googleAdapter) Call(ctx context.Context, req CallRequest) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, req.timeout())
	defer cancel()

	client, err := a.newClient(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	if req.FileURI != "" {
		parts = append(parts, genai.NewPartFromURI(req.FileURI, req.FileMIME))
	}
	contents := []*genai.Content{{Role: genai.RoleUser, Parts: parts}}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.temperature())),
		MaxOutputTokens: int32(req.maxTokens()),
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(req.System)},
		}
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*req.TopP))
	}
	if len(req.StopSequences) > 0 {
		cfg.StopSequences = req.StopSequences
	}

	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, wrapGoogle(err)
	}

	res := &Result{
		Text:  resp.Text(),
		Model: req.Model,
	}
	if len(resp.Candidates) > 0 {
		res.StopReason = string(resp.Candidates[0].FinishReason)
	}
	if resp.UsageMetadata != nil {
		res.TokensPrompt = int(resp.UsageMetadata.PromptTokenCount)
		res.TokensCompletion = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return res, nil
}

// Upload registers a local document with the Gemini Files API so
// repeated agent calls reference the same provider-side file.
func (a *googleAdapter) Upload(ctx context.Context, apiKey, path string) (*UploadedFile, error) {
	client, err := a.newClient(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	file, err := client.Files.UploadFromPath(ctx, path, nil)
	if err != nil {
		return nil, wrapGoogle(err)
	}
	return &UploadedFile{
		Provider:  ProviderGoogle,
		URI:       file.URI,
		MIMEType:  file.MIMEType,
		LocalPath: path,
	}, nil
}

func wrapGoogle(err error) *model.ProviderError {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &model.ProviderError{
			Code:    classifyStatus(apiErr.Code),
			Message: apiErr.Message,
			Err:     err,
		}
	}
	return wrapTransport(err)
}
