package web

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/lucasnoah/debugfactory/internal/voice"
)

// Client message types on /voice/ws.
const (
	msgVoiceInput = "voice_input"
	msgTextInput  = "text_input"
)

// maxVoiceMessage bounds one client message, base64 audio included.
const maxVoiceMessage = 8 << 20

type voiceClientMessage struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	AudioBase64 string `json:"audio_base64,omitempty"`
}

type voiceSessionStarted struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleVoicePing(w http.ResponseWriter, r *http.Request) {
	if s.deps.Voice == nil {
		notEnabled(w, "voice")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": len(s.deps.Voice.List())})
}

func (s *Server) handleVoiceSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Voice == nil {
		notEnabled(w, "voice")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Voice.List())
}

func (s *Server) handleVoiceSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Voice == nil {
		notEnabled(w, "voice")
		return
	}
	sess, err := s.deps.Voice.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleVoiceWS runs one voice session over a WebSocket. Each client
// message is one turn; the server answers with that turn's messages in
// order. The session closes with the connection.
func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Voice == nil {
		notEnabled(w, "voice")
		return
	}
	id, err := s.deps.Voice.Open(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() { _ = s.deps.Voice.Close(id) }()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("voice: accept failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	conn.SetReadLimit(maxVoiceMessage)

	log := s.log.With(zap.String("session_id", id))
	log.Info("voice: client connected")
	ctx := r.Context()
	if err := wsjson.Write(ctx, conn, voiceSessionStarted{Type: "session_started", SessionID: id}); err != nil {
		return
	}

	for {
		var msg voiceClientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				log.Info("voice: read ended", zap.Error(err))
			}
			return
		}

		in, perr := turnInput(msg)
		if perr != nil {
			if err := wsjson.Write(ctx, conn, voice.Message{Type: voice.MsgError, Text: perr.Error()}); err != nil {
				return
			}
			continue
		}

		replies, err := s.deps.Voice.HandleTurn(ctx, id, in)
		if err != nil {
			_ = wsjson.Write(ctx, conn, voice.Message{Type: voice.MsgError, Text: err.Error()})
			if errors.Is(err, voice.ErrSessionClosed) || ctx.Err() != nil {
				return
			}
			continue
		}
		for _, m := range replies {
			if err := wsjson.Write(ctx, conn, m); err != nil {
				log.Info("voice: write failed", zap.Error(err))
				return
			}
		}
	}
}

func turnInput(msg voiceClientMessage) (voice.Input, error) {
	switch msg.Type {
	case msgTextInput:
		return voice.Input{Text: msg.Text}, nil
	case msgVoiceInput:
		audio, err := base64.StdEncoding.DecodeString(msg.AudioBase64)
		if err != nil {
			return voice.Input{}, badRequestf("invalid audio_base64: %v", err)
		}
		if len(audio) == 0 {
			return voice.Input{}, badRequestf("audio_base64 is empty")
		}
		return voice.Input{Audio: audio}, nil
	}
	return voice.Input{}, badRequestf("unknown message type %q", msg.Type)
}
