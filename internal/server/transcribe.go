package server

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/skygazer42/TingWu/internal/audio"
	"github.com/skygazer42/TingWu/internal/engine"
)

// multipartMemory is how much of a multipart body stays in memory before
// spilling to disk.
const multipartMemory = 10 << 20

// fileField is the multipart part carrying the audio.
const fileField = "file"

// requestFields is the allow-list for option overrides on the transcribe
// endpoints. A request carrying any other field is rejected with the
// offending name, never silently dropped.
var requestFields = map[string]struct{}{
	"with_speaker":  {},
	"apply_hotword": {},
	"apply_rules":   {},
	"apply_llm":     {},
	"llm_role":      {},
	"hotwords":      {},
	"debug":         {},
	"max_chunk_s":   {},
	"overlap_ms":    {},
}

// handleTranscribe runs the full pipeline over one upload and answers
// with the assembled transcription.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	samples, opts, err := s.parseRequest(w, r)
	if err != nil {
		respondError(w, err)
		return
	}

	tr, err := s.cfg.Engine.Transcribe(r.Context(), samples, opts)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// respondEngineError maps pipeline failures onto the wire. A cancelled
// request writes nothing; the client is gone.
func (s *Server) respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrEmptyAudio):
		writeError(w, http.StatusBadRequest, "empty audio")
	case r.Context().Err() != nil:
	default:
		s.log.Error("transcription failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "transcription failed: "+err.Error())
	}
}

// ─── Request parsing ──────────────────────────────────────────────────────────

// parseRequest extracts PCM samples and per-request options from an
// upload. Options come from query parameters and, for multipart uploads,
// form fields; audio comes from the "file" part or the raw body.
func (s *Server) parseRequest(w http.ResponseWriter, r *http.Request) ([]int16, engine.Options, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	values := r.URL.Query()
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var body []byte
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return nil, engine.Options{}, badRequest("parse multipart form: %v", err)
		}
		for key, vals := range r.MultipartForm.Value {
			if _, ok := requestFields[key]; !ok {
				return nil, engine.Options{}, badRequest("unknown field %q", key)
			}
			values[key] = append(values[key], vals...)
		}
		for key := range r.MultipartForm.File {
			if key != fileField {
				return nil, engine.Options{}, badRequest("unknown file field %q", key)
			}
		}

		f, _, err := r.FormFile(fileField)
		if err != nil {
			return nil, engine.Options{}, badRequest("missing %q part: %v", fileField, err)
		}
		defer f.Close()
		body, err = io.ReadAll(f)
		if err != nil {
			return nil, engine.Options{}, badRequest("read %q part: %v", fileField, err)
		}
	} else {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, engine.Options{}, &requestError{
					status: http.StatusRequestEntityTooLarge,
					msg:    "request body exceeds the upload limit",
				}
			}
			return nil, engine.Options{}, badRequest("read request body: %v", err)
		}
	}

	opts, err := s.parseOptions(values)
	if err != nil {
		return nil, engine.Options{}, err
	}
	samples, err := decodeAudio(body)
	if err != nil {
		return nil, engine.Options{}, err
	}
	return samples, opts, nil
}

// decodeAudio turns an upload into 16 kHz mono samples. WAV containers
// may carry any sample rate and are resampled; everything else is treated
// as raw 16 kHz PCM16.
func decodeAudio(data []byte) ([]int16, error) {
	if audio.IsWAV(data) {
		samples, rate, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, badRequest("decode wav: %v", err)
		}
		return audio.Resample(samples, rate), nil
	}
	if len(data) == 0 {
		return nil, badRequest("empty request body")
	}
	return audio.BytesToSamples(data), nil
}

// parseOptions validates values against the allow-list and builds the
// request options on top of [engine.DefaultOptions].
func (s *Server) parseOptions(values url.Values) (engine.Options, error) {
	opts := engine.DefaultOptions()
	for key, vals := range values {
		if _, ok := requestFields[key]; !ok {
			return engine.Options{}, badRequest("unknown field %q", key)
		}
		if len(vals) == 0 {
			continue
		}
		v := vals[0]

		var err error
		switch key {
		case "with_speaker":
			opts.WithSpeaker, err = strconv.ParseBool(v)
		case "apply_hotword":
			opts.ApplyHotword, err = strconv.ParseBool(v)
		case "apply_rules":
			opts.ApplyRules, err = strconv.ParseBool(v)
		case "apply_llm":
			opts.ApplyLLM, err = strconv.ParseBool(v)
		case "llm_role":
			if v != "" && !s.roleAllowed(v) {
				err = errors.New("role not allowed")
				break
			}
			opts.LLMRole = v
		case "hotwords":
			opts.Hotwords = splitHotwords(v)
		case "debug":
			opts.Debug, err = strconv.ParseBool(v)
		case "max_chunk_s":
			var sec float64
			sec, err = strconv.ParseFloat(v, 64)
			if err == nil && sec <= 0 {
				err = errors.New("must be positive")
			}
			opts.MaxChunk = time.Duration(sec * float64(time.Second))
		case "overlap_ms":
			var ms int64
			ms, err = strconv.ParseInt(v, 10, 64)
			if err == nil && ms < 0 {
				err = errors.New("must not be negative")
			}
			opts.Overlap = time.Duration(ms) * time.Millisecond
		}
		if err != nil {
			return engine.Options{}, badRequest("field %q: invalid value %q", key, v)
		}
	}
	return opts, nil
}

// roleAllowed reports whether requests may select the polish role. An empty
// allow-list admits every role.
func (s *Server) roleAllowed(role string) bool {
	if len(s.cfg.AllowedRoles) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedRoles, role)
}

// splitHotwords parses a comma or whitespace separated hotword list.
func splitHotwords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}
