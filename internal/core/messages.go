package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const partTypeText = "text"

// ContentPart is one segment of a message. Parts that arrived pre-structured keep their
// original JSON so they can be handed on unchanged.
type ContentPart struct {
	Type string
	Text string
	raw  json.RawMessage
}

func TextPart(text string) ContentPart {
	return ContentPart{Type: partTypeText, Text: text}
}

func (p ContentPart) MarshalJSON() ([]byte, error) {
	if len(p.raw) > 0 {
		return p.raw, nil
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{p.Type, p.Text})
}

// Message is the canonical role/content(+name) form handed to model backends.
type Message struct {
	Role    string
	Content []ContentPart
	Name    string
	plain   bool
}

// Text joins the message's text parts.
func (m Message) Text() string {
	var texts []string
	for _, part := range m.Content {
		if part.Type == partTypeText && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// PlainText returns the content when the client sent it as a plain string.
func (m Message) PlainText() (string, bool) {
	if !m.plain || len(m.Content) != 1 {
		return "", false
	}
	return m.Content[0].Text, true
}

// NormalizeMessages validates the raw "messages" value of a chat request and converts
// the usable entries into canonical messages, preserving their order.
func NormalizeMessages(raw json.RawMessage) ([]Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: messages must be a non-empty array", ErrInvalidRequest)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: messages must be a non-empty array", ErrInvalidRequest)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: messages must be a non-empty array", ErrInvalidRequest)
	}

	messages := make([]Message, 0, len(entries))
	for _, entry := range entries {
		if msg, ok := normalizeEntry(entry); ok {
			messages = append(messages, msg)
		}
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: no valid messages", ErrInvalidRequest)
	}
	return messages, nil
}

func normalizeEntry(entry json.RawMessage) (Message, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(entry, &fields); err != nil || fields == nil {
		return Message{}, false
	}

	var role string
	if err := json.Unmarshal(fields["role"], &role); err != nil || role == "" {
		return Message{}, false
	}

	msg := Message{Role: role}
	content := bytes.TrimSpace(fields["content"])
	if len(content) == 0 {
		return Message{}, false
	}

	switch content[0] {
	case '"':
		var text string
		if err := json.Unmarshal(content, &text); err != nil || text == "" {
			return Message{}, false
		}
		msg.Content = []ContentPart{TextPart(text)}
		msg.plain = true
	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(content, &parts); err != nil || len(parts) == 0 {
			return Message{}, false
		}
		for _, part := range parts {
			msg.Content = append(msg.Content, structuredPart(part))
		}
	case '{':
		msg.Content = []ContentPart{structuredPart(content)}
	default:
		return Message{}, false
	}

	if rawName, ok := fields["name"]; ok {
		var name string
		if err := json.Unmarshal(rawName, &name); err == nil {
			msg.Name = name
		}
	}
	return msg, true
}

func structuredPart(raw json.RawMessage) ContentPart {
	part := ContentPart{raw: append(json.RawMessage(nil), raw...)}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		part.Type = partTypeText
		part.Text = text
		return part
	}

	var fields struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &fields); err == nil {
		part.Type = fields.Type
		part.Text = fields.Text
	}
	return part
}
