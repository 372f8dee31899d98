package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// ErrNoCategories is returned when there is nothing to choose from.
var ErrNoCategories = errors.New("no categories to choose from")

// Suggestion is the model's pick for an issue's category.
type Suggestion struct {
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

// Client wraps the Anthropic API for issue triage.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = DefaultModel
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildTriagePrompt constructs the system and user prompts for category triage.
func buildTriagePrompt(title, description string, categories []string) (system string, user string) {
	system = `You triage issues for an issue tracker. Pick the single best category for the issue from the list you are given. Return ONLY a JSON object with these fields:
- "category": exactly one of the listed category names, spelled as listed
- "reason": one short sentence explaining the choice

Rules:
- Never invent a category that is not in the list
- Prefer the most specific category that fits
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	sb.WriteString("Categories: ")
	sb.WriteString(strings.Join(categories, ", "))
	sb.WriteString("\n\nIssue title: ")
	sb.WriteString(title)
	sb.WriteString("\n")
	if description != "" {
		sb.WriteString("\nDescription:\n")
		sb.WriteString(description)
		sb.WriteString("\n")
	}
	user = sb.String()
	return
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

// parseSuggestion decodes a model reply and maps its category onto one of
// categories, ignoring case.
func parseSuggestion(text string, categories []string) (*Suggestion, error) {
	text = stripFences(text)

	var s Suggestion
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	for _, c := range categories {
		if strings.EqualFold(strings.TrimSpace(s.Category), c) {
			s.Category = c
			return &s, nil
		}
	}
	return nil, fmt.Errorf("LLM suggested unknown category %q", s.Category)
}

// SuggestCategory asks the model which of categories best fits the issue.
// The returned category is always one of categories.
func (c *Client) SuggestCategory(ctx context.Context, title, description string, categories []string) (*Suggestion, error) {
	if len(categories) == 0 {
		return nil, ErrNoCategories
	}
	systemPrompt, userPrompt := buildTriagePrompt(title, description, categories)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	// Extract text from response
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	return parseSuggestion(text, categories)
}
