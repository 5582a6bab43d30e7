package classifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"finbot/internal/logging"
)

// GeminiFallback suggests a category using the Gemini API when keyword
// scoring finds nothing. It is best-effort: any API failure yields no
// suggestion rather than an error.
type GeminiFallback struct {
	model *genai.GenerativeModel
	log   logging.Logger
}

// NewGeminiFallback creates a Gemini-backed Fallback.
func NewGeminiFallback(ctx context.Context, apiKey, model string, log logging.Logger) (*GeminiFallback, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key not set")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiFallback{model: client.GenerativeModel(model), log: log}, nil
}

// Suggest asks the model to pick one of the given category names for the
// expense text.
func (g *GeminiFallback) Suggest(ctx context.Context, text string, categories []string) (string, bool) {
	prompt := fmt.Sprintf(
		"Classify this personal expense into exactly one of the following categories: %s.\n"+
			"Expense: %q\n"+
			"Answer with the category name only.",
		strings.Join(categories, ", "), text)

	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		g.log.WithError(err).Warn("gemini suggestion failed")
		return "", false
	}

	answer := extractText(resp)
	for _, name := range categories {
		if strings.EqualFold(strings.TrimSpace(answer), name) {
			return name, true
		}
	}
	g.log.Debug("gemini returned no usable category", logging.F("answer", answer))
	return "", false
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return sb.String()
}
