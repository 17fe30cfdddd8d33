package chatbot

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"campusbot/knowledge"
	"campusbot/logging"
)

// QueryRecorder accepts analytics records without blocking.
type QueryRecorder interface {
	RecordQuery(record QueryRecord) bool
}

// Reply is the full outcome of answering one message.
type Reply struct {
	RequestID string           `json:"request_id"`
	Response  string           `json:"response"`
	MatchedID *int             `json:"matched_knowledge_id"`
	Entry     *knowledge.Entry `json:"matched_knowledge,omitempty"`
	Stage     string           `json:"match_stage,omitempty"`
	Score     int              `json:"score"`
	Elapsed   time.Duration    `json:"-"`
	Degraded  bool             `json:"degraded,omitempty"`
}

// Service answers chat messages from the knowledge base, falling back to a
// canned reply when nothing matches or the store is down.
type Service struct {
	matcher  *knowledge.Matcher
	fallback *Fallback
	recorder QueryRecorder
	logger   zerolog.Logger
}

func NewService(matcher *knowledge.Matcher, fallback *Fallback, recorder QueryRecorder, logger zerolog.Logger) *Service {
	if fallback == nil {
		fallback = NewFallback(nil, "")
	}
	return &Service{
		matcher:  matcher,
		fallback: fallback,
		recorder: recorder,
		logger:   logger.With().Str("component", "chatbot").Logger(),
	}
}

// Answer returns the reply text, the matched entry (nil on fallback) and the
// time spent. It never fails and never returns an empty response.
func (s *Service) Answer(ctx context.Context, rawMessage string) (string, *knowledge.Entry, time.Duration) {
	reply := s.Reply(ctx, rawMessage, nil)
	return reply.Response, reply.Entry, reply.Elapsed
}

// Reply answers rawMessage and records the exchange. roomContext is stored
// with the analytics record as JSON.
func (s *Service) Reply(ctx context.Context, rawMessage string, roomContext any) Reply {
	start := time.Now()

	requestID := logging.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	reply := Reply{RequestID: requestID}

	normalized := knowledge.Normalize(rawMessage)
	result, err := s.matcher.Find(ctx, rawMessage)

	switch {
	case result.Matched() && strings.TrimSpace(result.Entry.Answer) != "":
		id := result.Entry.ID
		reply.Response = result.Entry.Answer
		reply.MatchedID = &id
		reply.Entry = result.Entry
		reply.Stage = result.Stage.String()
		reply.Score = result.Score
	case err != nil:
		reply.Response = s.fallback.Apology()
		reply.Degraded = true
	default:
		reply.Response = s.fallback.Respond(normalized)
	}
	reply.Elapsed = time.Since(start)

	s.logger.Debug().
		Str("request_id", requestID).
		Str("match_stage", reply.Stage).
		Int("score", reply.Score).
		Bool("degraded", reply.Degraded).
		Dur("elapsed", reply.Elapsed).
		Msg("chat message answered")

	s.record(rawMessage, reply, roomContext)
	return reply
}

func (s *Service) record(rawMessage string, reply Reply, roomContext any) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordQuery(QueryRecord{
		RequestID:      reply.RequestID,
		UserMessage:    rawMessage,
		BotResponse:    reply.Response,
		MatchedEntryID: reply.MatchedID,
		MatchStage:     reply.Stage,
		MatchScore:     reply.Score,
		ResponseTimeMs: reply.Elapsed.Milliseconds(),
		Context:        s.encodeContext(roomContext),
	})
}

func (s *Service) encodeContext(roomContext any) datatypes.JSON {
	if roomContext == nil {
		return nil
	}
	raw, err := json.Marshal(roomContext)
	if err != nil {
		s.logger.Warn().Err(err).Msg("chat room context is not JSON encodable")
		return nil
	}
	return datatypes.JSON(raw)
}
