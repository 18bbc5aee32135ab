package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-narrator/internal/session"
)

const writeWait = 5 * time.Second

// handleStream pushes poll frames over a websocket until the session is finished.
// Only one stream may be attached to a session.
func (a *api) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	sess, err := a.svc.Store().Get(id)
	if err != nil {
		a.writePollError(w, err)
		return
	}
	if !sess.ClaimStream() {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "session already has a stream"})
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sess.ReleaseStream()
		a.log.Warn("websocket upgrade failed", slog.String("session_id", id), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	log := a.log.With(slog.String("session_id", id))
	if err := a.pushFrames(ctx, conn, sess); err != nil {
		log.Info("stream ended early", slog.String("error", err.Error()))
		return
	}
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"), deadline)
	log.Debug("stream completed")
}

func (a *api) pushFrames(ctx context.Context, conn *websocket.Conn, sess *session.Session) error {
	interval := time.Duration(a.cfg.PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := a.svc.Poll(sess.ID)
		if err != nil {
			return err
		}
		if res.Audio != nil || !res.HasMore {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(toFetchResponse(res)); err != nil {
				return err
			}
			if !res.HasMore {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return errors.New("client disconnected")
		case <-sess.Channel.Ready():
		case <-ticker.C:
		}
	}
}
