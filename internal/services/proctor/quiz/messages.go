package quiz

import "time"

// Control signals carried by quiz_control frames.
const (
	SignalStart   = "START"
	SignalPause   = "PAUSE"
	SignalResume  = "RESUME"
	SignalEnd     = "END"
	SignalAutoEnd = "AUTO_END"
)

// Auto-end reasons.
const (
	ReasonTimeExpired          = "time_expired"
	ReasonAllStudentsSubmitted = "all_students_submitted"
)

// Status values reported by Status and quiz_state_sync.
const (
	StatusActive   = "active"
	StatusPaused   = "paused"
	StatusNotFound = "not_found"
	StatusExpired  = "expired"
)

// ControlFrame is the quiz_control frame broadcast to a room.
type ControlFrame struct {
	Type          string  `json:"type"`
	Signal        string  `json:"signal"`
	QuizID        int64   `json:"quiz_id"`
	Duration      int64   `json:"duration,omitempty"`
	RemainingTime *int64  `json:"remaining_time,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	Message       string  `json:"message,omitempty"`
	Timestamp     float64 `json:"timestamp"`
}

// SyncFrame brings a late joiner up to date.
type SyncFrame struct {
	Type          string  `json:"type"`
	QuizID        int64   `json:"quiz_id"`
	Status        string  `json:"status"`
	RemainingTime int64   `json:"remaining_time"`
	Timestamp     float64 `json:"timestamp"`
}

// SubmissionFrame reports submission progress to a room.
type SubmissionFrame struct {
	Type              string  `json:"type"`
	QuizID            int64   `json:"quiz_id"`
	Participant       string  `json:"participant"`
	Score             float64 `json:"score"`
	SubmittedCount    int     `json:"submitted_count"`
	TotalParticipants int     `json:"total_participants"`
	StartTime         float64 `json:"start_time"`
	EndTime           float64 `json:"end_time"`
	Timestamp         float64 `json:"timestamp"`
}

// Snapshot is the answer to a status query. RemainingTime is set for
// active and paused quizzes only.
type Snapshot struct {
	Active        bool   `json:"active"`
	Status        string `json:"status"`
	RemainingTime *int64 `json:"remaining_time,omitempty"`
	Supervisor    string `json:"supervisor,omitempty"`
	Duration      int64  `json:"duration,omitempty"`
}

// StatusResponse is sent to the participant that asked for a quiz status.
type StatusResponse struct {
	Type      string   `json:"type"`
	QuizID    int64    `json:"quiz_id"`
	Data      Snapshot `json:"data"`
	Timestamp float64  `json:"timestamp"`
}

// NewStatusResponse wraps a snapshot for delivery.
func NewStatusResponse(quizID int64, snap Snapshot, at time.Time) StatusResponse {
	return StatusResponse{
		Type:      "quiz_status_response",
		QuizID:    quizID,
		Data:      snap,
		Timestamp: unixSeconds(at),
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
