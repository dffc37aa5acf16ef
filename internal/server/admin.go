package server

import (
	"log/slog"
	"net/http"

	"github.com/skygazer42/TingWu/internal/speaker"
)

// reloadResponse reports the vocabulary size after a reload.
type reloadResponse struct {
	Entries int `json:"entries"`
}

// handleHotwordReload re-reads every configured hotword source and swaps
// the new vocabulary in. A failed source keeps the previous vocabulary.
func (s *Server) handleHotwordReload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusNotFound, "no hotword sources configured")
		return
	}
	n, err := s.cfg.Store.Reload(r.Context())
	if err != nil {
		s.log.Error("hotword reload failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reloadResponse{Entries: n})
}

// capabilityView is the wire form of the backend capability descriptor.
type capabilityView struct {
	SupportsSpeaker   bool    `json:"supports_speaker"`
	SupportsStreaming bool    `json:"supports_streaming"`
	MaxInputDurationS float64 `json:"max_input_duration_s,omitempty"`
}

// backendResponse describes the running backend for capability discovery,
// so frontends can probe multi-container deployments.
type backendResponse struct {
	Backend         string         `json:"backend"`
	Model           string         `json:"model,omitempty"`
	Capabilities    capabilityView `json:"capabilities"`
	SpeakerStrategy string         `json:"speaker_strategy"`
	Version         string         `json:"version,omitempty"`
}

// handleBackendInfo reports the backend identity, its capabilities, and
// the speaker strategy the orchestrator would resolve to.
func (s *Server) handleBackendInfo(w http.ResponseWriter, _ *http.Request) {
	info := s.cfg.Engine.Info()
	caps := s.cfg.Engine.Capabilities()

	writeJSON(w, http.StatusOK, backendResponse{
		Backend: info.Name,
		Model:   info.Model,
		Capabilities: capabilityView{
			SupportsSpeaker:   caps.Speaker,
			SupportsStreaming: caps.Streaming,
			MaxInputDurationS: caps.MaxInputDuration.Seconds(),
		},
		SpeakerStrategy: s.speakerStrategy(),
		Version:         s.cfg.Version,
	})
}

// speakerStrategy resolves the first viable attribution path: external
// needs a diarizer address, native needs backend speaker support, and
// nothing viable degrades to ignore.
func (s *Server) speakerStrategy() string {
	caps := s.cfg.Engine.Capabilities()
	for _, p := range s.cfg.SpeakerOrder {
		switch p {
		case speaker.PathExternal:
			if s.cfg.DiarizerURL != "" {
				return string(speaker.PathExternal)
			}
		case speaker.PathNative:
			if caps.Speaker {
				return string(speaker.PathNative)
			}
		}
	}
	return string(speaker.PathIgnore)
}
