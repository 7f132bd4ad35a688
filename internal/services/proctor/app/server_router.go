package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/louisbranch/proctorvision/internal/platform/errors"
	"github.com/louisbranch/proctorvision/internal/services/proctor/imageframe"
	"github.com/louisbranch/proctorvision/internal/services/proctor/quiz"
	"github.com/louisbranch/proctorvision/internal/services/proctor/registry"
	"go.uber.org/zap"
)

// Quiz control actions accepted from supervisors.
const (
	actionStart  = "START_QUIZ"
	actionPause  = "PAUSE_QUIZ"
	actionResume = "RESUME_QUIZ"
	actionEnd    = "END_QUIZ"
)

// inbound is the closed set of client messages.
type inbound interface {
	inboundType() string
}

type joinRoom struct{ RoomID int64 }
type leaveRoom struct{ RoomID int64 }
type quizControl struct {
	Action   string
	QuizID   int64
	Duration int64
}
type studentSubmit struct {
	QuizID int64
	Score  float64
}
type checkQuizStatus struct{ QuizID int64 }
type requestImage struct{ SessionID string }
type ping struct{}

func (joinRoom) inboundType() string        { return "join_room" }
func (leaveRoom) inboundType() string       { return "leave_room" }
func (quizControl) inboundType() string     { return "quiz_control" }
func (studentSubmit) inboundType() string   { return "student_submit" }
func (checkQuizStatus) inboundType() string { return "check_quiz_status" }
func (requestImage) inboundType() string    { return "request_image" }
func (ping) inboundType() string            { return "ping" }

// flexInt accepts a JSON number or a numeric string.
type flexInt struct {
	value int64
	set   bool
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	raw := string(data)
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unquoted)
	}
	if raw == "" {
		return nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		number, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || number != float64(int64(number)) {
			return fmt.Errorf("not an integer: %s", raw)
		}
		value = int64(number)
	}
	f.value = value
	f.set = true
	return nil
}

type wireMessage struct {
	Type      string   `json:"type"`
	RoomID    flexInt  `json:"room_id"`
	QuizID    flexInt  `json:"quiz_id"`
	Action    string   `json:"action"`
	Duration  flexInt  `json:"duration"`
	Score     *float64 `json:"score"`
	SessionID string   `json:"session_id"`
}

func malformed(message string) error {
	return apperrors.New(apperrors.CodeMalformedMessage, message)
}

// decodeInbound validates a text frame into one inbound message.
func decodeInbound(data []byte) (inbound, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeMalformedMessage, "decode frame", err)
	}

	switch strings.TrimSpace(wire.Type) {
	case "join_room":
		if !wire.RoomID.set {
			return nil, malformed("room_id is required")
		}
		return joinRoom{RoomID: wire.RoomID.value}, nil
	case "leave_room":
		if !wire.RoomID.set {
			return nil, malformed("room_id is required")
		}
		return leaveRoom{RoomID: wire.RoomID.value}, nil
	case "quiz_control":
		action := strings.ToUpper(strings.TrimSpace(wire.Action))
		switch action {
		case actionStart, actionPause, actionResume, actionEnd:
		default:
			return nil, malformed("unsupported quiz action")
		}
		if !wire.QuizID.set {
			return nil, malformed("quiz_id is required")
		}
		duration := wire.Duration.value
		if !wire.Duration.set || duration <= 0 {
			duration = quiz.DefaultMinutes
		}
		return quizControl{Action: action, QuizID: wire.QuizID.value, Duration: duration}, nil
	case "student_submit":
		if !wire.QuizID.set {
			return nil, malformed("quiz_id is required")
		}
		var score float64
		if wire.Score != nil {
			score = *wire.Score
		}
		return studentSubmit{QuizID: wire.QuizID.value, Score: score}, nil
	case "check_quiz_status":
		if !wire.QuizID.set {
			return nil, malformed("quiz_id is required")
		}
		return checkQuizStatus{QuizID: wire.QuizID.value}, nil
	case "request_image":
		sessionID := strings.TrimSpace(wire.SessionID)
		if sessionID == "" {
			return nil, malformed("session_id is required")
		}
		return requestImage{SessionID: sessionID}, nil
	case "ping":
		return ping{}, nil
	case "":
		return nil, malformed("type is required")
	default:
		return nil, malformed("unsupported message type")
	}
}

type pongFrame struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

// dispatch routes one frame. Malformed frames are logged and dropped; the
// connection stays open.
func (h *handler) dispatch(conn *registry.Connection, data []byte) {
	participant := conn.Participant()
	msg, err := decodeInbound(data)
	if err != nil {
		h.logger.Info("malformed message ignored", zap.String("participant", participant), zap.Error(err))
		return
	}

	svc := h.services
	switch m := msg.(type) {
	case joinRoom:
		svc.Rooms.Join(participant, m.RoomID)
	case leaveRoom:
		svc.Rooms.Leave(participant, m.RoomID)
	case quizControl:
		h.handleQuizControl(participant, m)
	case studentSubmit:
		svc.Quiz.Submit(participant, m.QuizID, m.Score)
	case checkQuizStatus:
		snap := svc.Quiz.Status(m.QuizID)
		h.reply(participant, quiz.NewStatusResponse(m.QuizID, snap, h.now()))
	case requestImage:
		h.handleRequestImage(participant, m)
	case ping:
		h.reply(participant, pongFrame{Type: "pong", Timestamp: unixSeconds(h.now())})
	default:
		h.logger.Warn("unhandled message", zap.String("type", msg.inboundType()))
	}
}

func (h *handler) handleQuizControl(participant string, m quizControl) {
	var applied bool
	switch m.Action {
	case actionStart:
		h.services.Quiz.Start(m.QuizID, m.Duration, participant)
		applied = true
	case actionPause:
		applied = h.services.Quiz.Pause(m.QuizID)
	case actionResume:
		applied = h.services.Quiz.Resume(m.QuizID)
	case actionEnd:
		applied = h.services.Quiz.End(m.QuizID)
	}
	if !applied {
		h.logger.Info("quiz control ignored",
			zap.String("participant", participant),
			zap.String("action", m.Action),
			zap.Int64("quiz", m.QuizID),
		)
	}
}

func (h *handler) handleRequestImage(participant string, m requestImage) {
	image, ok := h.services.Escalation.Image(m.SessionID)
	if !ok {
		h.logger.Info("requested image unavailable", zap.String("participant", participant), zap.String("session_id", m.SessionID))
		return
	}
	frame, err := imageframe.Encode(m.SessionID, image)
	if err != nil {
		h.logger.Warn("encode image frame", zap.String("session_id", m.SessionID), zap.Error(err))
		return
	}
	if err := h.services.Registry.SendBinary(participant, frame); err != nil {
		h.logger.Info("send image frame", zap.String("participant", participant), zap.Error(err))
	}
}

func (h *handler) reply(participant string, v any) {
	if err := h.services.Registry.Send(participant, v); err != nil {
		h.logger.Info("reply failed", zap.String("participant", participant), zap.Error(err))
	}
}
