package summarizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
)

const (
	baseMaxOutputTokens  int64 = 512
	limitMaxOutputTokens int64 = 2048
	maxInputRunes              = 6000

	systemPrompt = `Summarize the university bulletin board notice for a push notification.

Rules:
- At most 3 short lines, no more than 180 characters in total.
- Keep who it is for, the deadline or period, and the required action.
- Keep dates, amounts and places exactly as written.
- No greetings, no markdown, no links, no emojis.
- Write in the same language as the notice.`
)

type OpenAISummarizer struct {
	client  openai.Client
	timeout time.Duration
}

func NewOpenAISummarizer(apiKey string, timeout time.Duration) *OpenAISummarizer {
	return &OpenAISummarizer{
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		timeout: timeout,
	}
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, input Input) (string, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return "", errors.New("input is empty")
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	prompt := buildPrompt(input.Title, text, input.SourceURL)

	maxOutputTokens := baseMaxOutputTokens
	for {
		resp, err := s.client.Responses.New(ctx, responses.ResponseNewParams{
			Model:           openai.ChatModelGPT5Mini2025_08_07,
			ServiceTier:     responses.ResponseNewParamsServiceTierFlex,
			MaxOutputTokens: openai.Int(maxOutputTokens),
			Reasoning: responses.ReasoningParam{
				Effort: openai.ReasoningEffortLow,
			},
			Instructions: openai.String(systemPrompt),
			Input: responses.ResponseNewParamsInputUnion{
				OfString: openai.String(prompt),
			},
		})
		if err != nil {
			return "", fmt.Errorf("do request: %w", err)
		}

		if resp.Status == "incomplete" {
			if resp.IncompleteDetails.Reason == "max_output_tokens" && maxOutputTokens < limitMaxOutputTokens {
				maxOutputTokens = min(maxOutputTokens*2, limitMaxOutputTokens)
				continue
			}

			return "", fmt.Errorf(
				"response is incomplete (reason = %s, maxOutputTokens = %d)",
				resp.IncompleteDetails.Reason,
				maxOutputTokens,
			)
		}

		summary := strings.TrimSpace(resp.OutputText())
		if summary == "" {
			return "", fmt.Errorf("output text is missing (status = %s)", resp.Status)
		}

		return summary, nil
	}
}

func buildPrompt(title, text, sourceURL string) string {
	if runes := []rune(text); len(runes) > maxInputRunes {
		text = string(runes[:maxInputRunes])
	}

	var b strings.Builder

	if title = strings.TrimSpace(title); title != "" {
		b.WriteString("Title:\n")
		b.WriteString(title)
		b.WriteString("\n")
	}
	if sourceURL = strings.TrimSpace(sourceURL); sourceURL != "" {
		b.WriteString("Source:\n")
		b.WriteString(sourceURL)
		b.WriteString("\n")
	}

	b.WriteString("Content:\n")
	b.WriteString(text)

	return b.String()
}
