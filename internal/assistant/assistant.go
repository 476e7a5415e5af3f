// Package assistant talks to OpenAI on behalf of the reader: plain prompts
// for text highlights and whole-document questions, vision prompts for
// region snapshots.
package assistant

import (
	"context"
	"encoding/base64"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = `You are an educational assistant whose primary goal is deep understanding, not memorization.

Always explain ideas in a way that matches how a learner thinks before they fully understand the topic.

Start from the learner's perspective: assume partial or fuzzy understanding, identify the underlying question, and do not open with formal definitions. Never include meta sentences such as "Let's break down..." or "Step by step...". Keep every paragraph to at most two sentences.

Separate intuition from formalism: first say what problem the concept solves, then build the idea with examples or analogies, and only then introduce formulas or notation, connecting them back to the intuition.

Introduce one new idea at a time, explain mechanisms step by step, and prefer concrete mental models over abstract ones. Where useful, probe edge cases and clear up common misconceptions.

End with one or two sentences that compress the core idea so the student could explain it to someone else. Keep a conversational, supportive tone throughout.`

// Client answers questions against document context.
type Client struct {
	api         *openai.Client
	model       string
	temperature float32
}

func New(apiKey, model string) *Client {
	return &Client{
		api:         openai.NewClient(apiKey),
		model:       model,
		temperature: 0.3,
	}
}

// Answer sends a plain text prompt and returns the completion.
func (c *Client) Answer(ctx context.Context, prompt string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// AnswerWithImage sends the prompt together with a region snapshot encoded as
// a data URL, for questions about a drawn region of a page.
func (c *Client) AnswerWithImage(ctx context.Context, prompt string, image []byte, mimeType string) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: dataURL},
					},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("vision completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("vision completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
