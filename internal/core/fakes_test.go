package core

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"terrawatch.io/assistant/internal/store"
)

type sliceStream struct {
	chunks []string
	err    error // returned after the chunks instead of io.EOF
	next   int
	closed bool
}

func (s *sliceStream) Next() (string, error) {
	if s.next < len(s.chunks) {
		chunk := s.chunks[s.next]
		s.next++
		return chunk, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

// fakeModel streams its chunks, or fails to start with startErr.
type fakeModel struct {
	name     string
	chunks   []string
	startErr error
	midErr   error

	generateCalls atomic.Int32
	streamCalls   atomic.Int32
	lastPrompt    Prompt
}

func (m *fakeModel) Name() string { return m.name }

func (m *fakeModel) Generate(ctx context.Context, prompt Prompt) (string, error) {
	m.generateCalls.Add(1)
	m.lastPrompt = prompt
	if m.startErr != nil {
		return "", m.startErr
	}
	return strings.Join(m.chunks, ""), nil
}

func (m *fakeModel) GenerateStream(ctx context.Context, prompt Prompt) (TokenStream, error) {
	m.streamCalls.Add(1)
	m.lastPrompt = prompt
	if m.startErr != nil {
		return nil, m.startErr
	}
	return &sliceStream{chunks: m.chunks, err: m.midErr}, nil
}

// textModel cannot stream.
type textModel struct {
	name  string
	text  string
	err   error
	calls atomic.Int32
}

func (m *textModel) Name() string { return m.name }

func (m *textModel) Generate(ctx context.Context, prompt Prompt) (string, error) {
	m.calls.Add(1)
	return m.text, m.err
}

func drain(t *testing.T, stream TokenStream) (string, error) {
	t.Helper()
	var sb strings.Builder
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk)
	}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestUser(t *testing.T, s *store.SQLiteStore, email string) *store.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), email, "hash")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}
