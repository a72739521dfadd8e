package core

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	roleSystem    = "system"
	roleAssistant = "assistant"
)

func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return client, nil
}

// GeminiModel is a StreamingModel backed by one Gemini model name.
type GeminiModel struct {
	client *genai.Client
	name   string
}

func NewGeminiModel(client *genai.Client, name string) *GeminiModel {
	return &GeminiModel{client: client, name: name}
}

func (m *GeminiModel) Name() string {
	return m.name
}

func (m *GeminiModel) Generate(ctx context.Context, prompt Prompt) (string, error) {
	session, last, err := m.startChat(prompt)
	if err != nil {
		return "", err
	}

	resp, err := session.SendMessage(ctx, last.Parts...)
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	return responseText(resp), nil
}

// GenerateStream starts a streamed chat turn. Gemini only reports most failures on the
// first read, so the first chunk is fetched here and replayed by the returned stream.
func (m *GeminiModel) GenerateStream(ctx context.Context, prompt Prompt) (TokenStream, error) {
	session, last, err := m.startChat(prompt)
	if err != nil {
		return nil, err
	}

	iter := session.SendMessageStream(ctx, last.Parts...)
	first, err := iter.Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		return nil, fmt.Errorf("gemini chat SendMessageStream failed: %w", err)
	}

	return &geminiStream{iter: iter, first: first, primed: true, done: errors.Is(err, iterator.Done)}, nil
}

func (m *GeminiModel) startChat(prompt Prompt) (*genai.ChatSession, *genai.Content, error) {
	system, contents := toGeminiContents(prompt)
	if len(contents) == 0 {
		return nil, nil, fmt.Errorf("prompt history is empty for chat completion")
	}

	model := m.client.GenerativeModel(m.name)
	if system != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
		}
	}

	session := model.StartChat()
	session.History = contents[:len(contents)-1]
	return session, contents[len(contents)-1], nil
}

type geminiStream struct {
	iter   *genai.GenerateContentResponseIterator
	first  *genai.GenerateContentResponse
	primed bool
	done   bool
}

func (s *geminiStream) Next() (string, error) {
	for {
		if s.primed {
			s.primed = false
			if s.done {
				return "", io.EOF
			}
			if text := responseText(s.first); text != "" {
				return text, nil
			}
			continue
		}

		resp, err := s.iter.Next()
		if errors.Is(err, iterator.Done) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("gemini stream failed: %w", err)
		}
		// Chunks without text (safety ratings, usage) are skipped.
		if text := responseText(resp); text != "" {
			return text, nil
		}
	}
}

func (s *geminiStream) Close() error {
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		}
	}
	return responseText.String()
}

// toGeminiContents folds system messages into the system instruction and maps the rest
// onto Gemini's user/model turns.
func toGeminiContents(prompt Prompt) (string, []*genai.Content) {
	system := []string{}
	if prompt.System != "" {
		system = append(system, prompt.System)
	}

	var contents []*genai.Content
	for _, msg := range prompt.Messages {
		if msg.Role == roleSystem {
			if text := msg.Text(); text != "" {
				system = append(system, text)
			}
			continue
		}

		parts := geminiParts(msg)
		if len(parts) == 0 {
			continue
		}

		role := "user"
		if msg.Role == roleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return strings.Join(system, "\n\n"), contents
}

func geminiParts(msg Message) []genai.Part {
	var parts []genai.Part
	for _, part := range msg.Content {
		if part.Type == partTypeText {
			if part.Text != "" {
				parts = append(parts, genai.Text(part.Text))
			}
			continue
		}
		if blob, ok := inlineImage(part); ok {
			parts = append(parts, blob)
			continue
		}
		if part.Text != "" {
			parts = append(parts, genai.Text(part.Text))
		}
	}
	return parts
}

// inlineImage decodes an image part carrying a base64 data URL.
func inlineImage(part ContentPart) (genai.Blob, bool) {
	if part.Type != "image" || len(part.raw) == 0 {
		return genai.Blob{}, false
	}

	var fields struct {
		Image    string `json:"image"`
		MimeType string `json:"mimeType"`
	}
	if err := json.Unmarshal(part.raw, &fields); err != nil {
		return genai.Blob{}, false
	}

	header, encoded, ok := strings.Cut(fields.Image, ",")
	if !ok || !strings.HasPrefix(header, "data:") || !strings.HasSuffix(header, ";base64") {
		return genai.Blob{}, false
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return genai.Blob{}, false
	}

	mimeType := fields.MimeType
	if mimeType == "" {
		mimeType = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
	}
	return genai.Blob{MIMEType: mimeType, Data: data}, true
}
