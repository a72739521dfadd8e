package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"terrawatch.io/assistant/internal/core"
)

const sessionIDHeader = "X-Session-Id"

func writeTurn(w http.ResponseWriter, turn *core.ChatTurn, logger *zap.Logger) {
	w.Header().Set(sessionIDHeader, turn.SessionID)

	gen := turn.Generation
	if gen.Kind == core.KindCompleteText {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(map[string]string{"text": gen.Text()}); err != nil {
			logger.Warn("failed to write chat response", zap.Error(err))
		}
		return
	}

	streamText(w, gen.Stream(), logger)
}

// streamText writes each chunk as soon as it arrives. A client that goes away does not
// stop the stream: it is read to the end so the finished answer is still recorded.
func streamText(w http.ResponseWriter, stream core.TokenStream, logger *zap.Logger) {
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	clientGone := flush(rc) != nil
	chunks := 0
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			logger.Debug("stream finished", zap.Int("chunks", chunks), zap.Bool("client_gone", clientGone))
			return
		}
		if err != nil {
			logger.Error("stream failed mid-response", zap.Int("chunks", chunks), zap.Error(err))
			return
		}
		chunks++

		if clientGone {
			continue
		}
		if _, err := io.WriteString(w, chunk); err != nil {
			logger.Info("client disconnected, draining stream", zap.Error(err))
			clientGone = true
			continue
		}
		if err := flush(rc); err != nil {
			logger.Info("client disconnected, draining stream", zap.Error(err))
			clientGone = true
		}
	}
}

func flush(rc *http.ResponseController) error {
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
