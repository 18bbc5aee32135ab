package runtime

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/narration"
	"github.com/loqalabs/loqa-narrator/internal/session"
	"github.com/loqalabs/loqa-narrator/internal/stt"
)

const multipartMemory = 8 << 20

type sendMessageRequest struct {
	Message string `json:"message"`
}

type sendMessageResponse struct {
	SessionID string `json:"sessionId"`
}

// fetchResponse is the poll frame the client consumes. Audio is hex-encoded WAV or null.
type fetchResponse struct {
	HasMore bool    `json:"has_more"`
	Audio   *string `json:"audio"`
	EnSub   string  `json:"en_sub"`
}

type timelineEvent struct {
	Sequence  int       `json:"sequence"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type eventsResponse struct {
	SessionID string          `json:"sessionId"`
	Events    []timelineEvent `json:"events"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type api struct {
	svc      *narration.Service
	cfg      config.HTTPConfig
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func newAPI(svc *narration.Service, cfg config.HTTPConfig, logger *slog.Logger) *api {
	a := &api{
		svc: svc,
		cfg: cfg,
		log: logger.With(slog.String("component", "http-api")),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     a.allowOrigin,
	}
	return a
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("/send-message", a.handleSendMessage)
	mux.HandleFunc("/chat/fetch", a.handleFetch)
	mux.HandleFunc("/chat/stream", a.handleStream)
	mux.HandleFunc("/chat/events", a.handleEvents)
}

func (a *api) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}
	if a.cfg.MaxUploadMB > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, int64(a.cfg.MaxUploadMB)<<20)
	}

	var (
		id  string
		err error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		id, err = a.startAudio(r)
	} else {
		var req sendMessageRequest
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
		id, err = a.svc.StartText(r.Context(), req.Message)
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, sendMessageResponse{SessionID: id})
	case errors.Is(err, errBadUpload), errors.Is(err, narration.ErrEmptyMessage), errors.Is(err, narration.ErrAudioDisabled):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, stt.ErrTranscriptionFailed):
		a.log.Warn("transcription failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "transcription failed"})
	default:
		a.log.Error("failed to start session", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

var errBadUpload = errors.New("multipart request needs an audio file")

func (a *api) startAudio(r *http.Request) (string, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return "", errBadUpload
	}
	defer r.MultipartForm.RemoveAll()
	file, _, err := r.FormFile("audio")
	if err != nil {
		return "", errBadUpload
	}
	defer file.Close()
	return a.svc.StartAudio(r.Context(), file)
}

func (a *api) handleFetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}
	id := r.URL.Query().Get("sessionId")
	sess, err := a.svc.Store().Get(id)
	if err != nil {
		a.writePollError(w, err)
		return
	}
	if sess.Streaming() {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "session is being streamed"})
		return
	}
	res, err := a.svc.Poll(id)
	if err != nil {
		a.writePollError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFetchResponse(res))
}

// handleEvents returns the recorded timeline of a live session. It is empty when no event
// store is configured.
func (a *api) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}
	id := r.URL.Query().Get("sessionId")
	recorded, err := a.svc.Events(r.Context(), id)
	if err != nil {
		a.writePollError(w, err)
		return
	}
	resp := eventsResponse{SessionID: id, Events: make([]timelineEvent, 0, len(recorded))}
	for _, e := range recorded {
		resp.Events = append(resp.Events, timelineEvent{
			Sequence:  e.Sequence,
			Type:      e.Type,
			Payload:   string(e.Payload),
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) writePollError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrUnknownSession) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid session"})
		return
	}
	a.log.Error("poll failed", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func toFetchResponse(res narration.PollResult) fetchResponse {
	out := fetchResponse{HasMore: res.HasMore, EnSub: res.Captions}
	if res.Audio != nil {
		encoded := hex.EncodeToString(res.Audio)
		out.Audio = &encoded
	}
	return out
}

func (a *api) allowOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || a.cfg.CORSOrigin == "*" || strings.EqualFold(origin, a.cfg.CORSOrigin)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withCORS answers preflight requests and stamps every response with the allowed origin.
func withCORS(origin string, next http.Handler) http.Handler {
	if origin == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
