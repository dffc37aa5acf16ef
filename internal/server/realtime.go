package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/skygazer42/TingWu/internal/audio"
	"github.com/skygazer42/TingWu/internal/engine"
)

const (
	// maxFrameBytes bounds one WebSocket message. A 1 MiB frame holds over
	// 30 s of 16 kHz PCM16, far above the chunk sizes clients send.
	maxFrameBytes = 1 << 20

	// openTimeout is how long the client has to send the opening config
	// message after the upgrade.
	openTimeout = 10 * time.Second

	// wsWriteTimeout bounds one outgoing frame.
	wsWriteTimeout = 10 * time.Second
)

// sessionOpen is the first client message of a realtime session. Unknown
// fields are rejected like the HTTP allow-list.
type sessionOpen struct {
	ApplyHotword bool     `json:"apply_hotword"`
	ApplySpeaker bool     `json:"apply_speaker"`
	Debug        bool     `json:"debug"`
	Role         string   `json:"role"`
	Codec        string   `json:"codec"`
	Hotwords     []string `json:"hotwords"`
}

// sessionControl is any later text message. Only is_final carries
// meaning: true flushes the utterance through the full pipeline.
type sessionControl struct {
	IsFinal bool `json:"is_final"`
}

// finalMessage is the closing frame of one utterance: the full pipeline
// result plus the is_final marker.
type finalMessage struct {
	*engine.Transcription
	IsFinal bool `json:"is_final"`
}

// handleRealtime upgrades the request and speaks the streaming protocol:
// one JSON config message, then binary audio frames answered with partial
// text, until {"is_final":true} flushes the utterance through the full
// pipeline. The session then resets and more audio may follow.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", slog.Any("error", err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session aborted")
	conn.SetReadLimit(maxFrameBytes)

	ctx := r.Context()

	open, err := readOpen(ctx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, closeReason(err))
		return
	}
	if open.Role != "" && !s.roleAllowed(open.Role) {
		_ = conn.Close(websocket.StatusPolicyViolation, closeReason(fmt.Errorf("role %q not allowed", open.Role)))
		return
	}

	var decoder *audio.OpusDecoder
	switch open.Codec {
	case "", "pcm16":
	case "opus":
		decoder, err = audio.NewOpusDecoder()
		if err != nil {
			s.log.Error("opus decoder init failed", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "opus unavailable")
			return
		}
	default:
		_ = conn.Close(websocket.StatusPolicyViolation, closeReason(fmt.Errorf("unsupported codec %q", open.Codec)))
		return
	}

	sess, err := s.cfg.Engine.NewSession(engine.SessionConfig{
		ApplyHotword: open.ApplyHotword,
		ApplySpeaker: open.ApplySpeaker,
		Debug:        open.Debug,
		Role:         open.Role,
		Hotwords:     open.Hotwords,
	})
	if err != nil {
		if errors.Is(err, engine.ErrStreamingUnsupported) {
			_ = conn.Close(websocket.StatusUnsupportedData, "backend does not support streaming")
			return
		}
		s.log.Error("session open failed", slog.Any("error", err))
		_ = conn.Close(websocket.StatusInternalError, "session open failed")
		return
	}
	defer sess.Close()

	if !s.trackConn(conn) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.untrackConn(conn)

	s.log.Info("realtime session opened",
		slog.String("codec", open.Codec),
		slog.Bool("apply_hotword", open.ApplyHotword),
		slog.Bool("apply_speaker", open.ApplySpeaker),
		slog.String("role", open.Role),
	)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			// Client closed the socket or the server is draining.
			return
		}

		switch typ {
		case websocket.MessageBinary:
			frame, err := decodeFrame(decoder, data)
			if err != nil {
				s.log.Warn("dropping undecodable frame", slog.Any("error", err))
				continue
			}
			res, err := sess.Feed(ctx, frame)
			if err != nil {
				if !s.sendSessionError(ctx, conn, err) {
					return
				}
				continue
			}
			if err := writeWS(ctx, conn, res); err != nil {
				return
			}

		case websocket.MessageText:
			var ctl sessionControl
			if err := json.Unmarshal(data, &ctl); err != nil {
				s.log.Warn("invalid control message", slog.Any("error", err))
				continue
			}
			if !ctl.IsFinal {
				continue
			}
			tr, err := sess.Finalize(ctx, nil)
			if err != nil {
				if !s.sendSessionError(ctx, conn, err) {
					return
				}
				continue
			}
			if err := writeWS(ctx, conn, finalMessage{Transcription: tr, IsFinal: true}); err != nil {
				return
			}
		}
	}
}

// sendSessionError reports a recoverable pipeline failure to the client.
// It reports false when the session cannot continue.
func (s *Server) sendSessionError(ctx context.Context, conn *websocket.Conn, err error) bool {
	if errors.Is(err, engine.ErrSessionClosed) || ctx.Err() != nil {
		return false
	}
	s.log.Warn("streaming inference failed", slog.Any("error", err))
	return writeWS(ctx, conn, errorBody{Error: err.Error()}) == nil
}

// readOpen reads and strictly decodes the opening configuration message.
func readOpen(ctx context.Context, conn *websocket.Conn) (sessionOpen, error) {
	octx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	typ, data, err := conn.Read(octx)
	if err != nil {
		return sessionOpen{}, fmt.Errorf("read config message: %w", err)
	}
	if typ != websocket.MessageText {
		return sessionOpen{}, errors.New("first message must be the JSON session config")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var open sessionOpen
	if err := dec.Decode(&open); err != nil {
		return sessionOpen{}, fmt.Errorf("parse config message: %v", err)
	}
	return open, nil
}

// decodeFrame converts one binary frame to samples, through the Opus
// decoder when the session negotiated that codec.
func decodeFrame(dec *audio.OpusDecoder, data []byte) ([]int16, error) {
	if dec != nil {
		return dec.Decode(data)
	}
	return audio.BytesToSamples(data), nil
}

// writeWS marshals v and sends it as one text frame.
func writeWS(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// closeReason truncates msg to the 123-byte close-reason limit.
func closeReason(err error) string {
	msg := err.Error()
	if len(msg) > 123 {
		msg = msg[:120] + "..."
	}
	return msg
}
