package narration

import (
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

// handleIntake starts a session for a bus request and replies with its identifier.
func (s *Service) handleIntake(msg *nats.Msg) {
	var req protocol.IntakeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode narration request", slogError(err))
		s.reply(msg, protocol.IntakeReply{Error: "invalid request"})
		return
	}

	id, err := s.start(req.Message, "bus")
	if err != nil {
		s.logger.Warn("narration request rejected", slogError(err))
		s.reply(msg, protocol.IntakeReply{Error: err.Error()})
		return
	}
	s.logger.Info("narration requested over bus", slog.String("session_id", id))
	s.reply(msg, protocol.IntakeReply{SessionID: id})
}

func (s *Service) reply(msg *nats.Msg, reply protocol.IntakeReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal intake reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send intake reply", slogError(err))
	}
}
