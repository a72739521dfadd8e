package core

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// NewOpenAIClient builds a client for the OpenAI API or any compatible endpoint.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

type OpenAIModel struct {
	api  *openai.Client
	name string
}

func NewOpenAIModel(api *openai.Client, name string) *OpenAIModel {
	return &OpenAIModel{api: api, name: name}
}

func (m *OpenAIModel) Name() string {
	return m.name
}

func (m *OpenAIModel) Generate(ctx context.Context, prompt Prompt) (string, error) {
	resp, err := m.api.CreateChatCompletion(ctx, m.request(prompt))
	if err != nil {
		return "", fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (m *OpenAIModel) GenerateStream(ctx context.Context, prompt Prompt) (TokenStream, error) {
	req := m.request(prompt)
	req.Stream = true

	stream, err := m.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion stream failed: %w", err)
	}
	return &openAIStream{stream: stream}, nil
}

func (m *OpenAIModel) request(prompt Prompt) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(prompt.Messages)+1)
	if prompt.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: prompt.System,
		})
	}
	for _, msg := range prompt.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Text(),
			Name:    msg.Name,
		})
	}
	return openai.ChatCompletionRequest{Model: m.name, Messages: messages}
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Next() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("openai stream failed: %w", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}
