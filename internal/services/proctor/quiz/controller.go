// Package quiz runs the per-room quiz state machine:
// absent -> active <-> paused -> ended.
package quiz

import (
	"sync"
	"time"

	"github.com/louisbranch/proctorvision/internal/platform/i18n/catalog"
	"go.uber.org/zap"
	"golang.org/x/text/message"
)

// DefaultMinutes is the quiz length used when START carries no duration.
const DefaultMinutes = 60

// Roster is the room view the controller needs.
type Roster interface {
	Count(room int64) int
	Broadcast(room int64, v any) int
}

// Sender delivers a frame to one participant.
type Sender interface {
	Send(participant string, v any) error
}

// AfterFunc schedules f after d and returns a stop function.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

// Options configures a Controller.
type Options struct {
	Logger *zap.Logger
	// Locale selects the language of AUTO_END messages.
	Locale    string
	Now       func() time.Time
	AfterFunc AfterFunc
}

type session struct {
	status     string
	openedAt   time.Time
	startedAt  time.Time
	duration   time.Duration // run length measured from startedAt
	remaining  time.Duration // frozen while paused
	pausedAt   time.Time
	minutes    int64
	supervisor string
}

func (s *session) remainingAt(now time.Time) time.Duration {
	if s.status == StatusPaused {
		return s.remaining
	}
	return s.duration - now.Sub(s.startedAt)
}

type entry struct {
	mu         sync.Mutex
	removed    bool // dropped from the table; callers must look up again
	session    *session
	submitted  map[string]struct{}
	generation uint64
	stop       func() bool
}

// Controller owns every quiz session. Quiz ids equal room ids.
type Controller struct {
	roster    Roster
	sender    Sender
	logger    *zap.Logger
	now       func() time.Time
	afterFunc AfterFunc
	printer   *message.Printer

	mu      sync.Mutex
	entries map[int64]*entry
}

// NewController creates a controller broadcasting through roster.
func NewController(roster Roster, sender Sender, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	return &Controller{
		roster:    roster,
		sender:    sender,
		logger:    opts.Logger,
		now:       opts.Now,
		afterFunc: opts.AfterFunc,
		printer:   catalog.Default().Printer(opts.Locale),
		entries:   make(map[int64]*entry),
	}
}

func (c *Controller) entry(quizID int64, create bool) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[quizID]
	if !ok && create {
		e = &entry{}
		c.entries[quizID] = e
	}
	return e
}

// Start opens or replaces the quiz for a room and arms its expiry timer.
func (c *Controller) Start(quizID int64, minutes int64, supervisor string) {
	if minutes <= 0 {
		minutes = DefaultMinutes
	}
	now := c.now()
	duration := time.Duration(minutes) * time.Minute

	var e *entry
	for {
		e = c.entry(quizID, true)
		e.mu.Lock()
		if !e.removed {
			break
		}
		e.mu.Unlock()
	}
	if e.session != nil {
		c.logger.Warn("quiz already exists, replacing", zap.Int64("quiz", quizID))
	}
	e.session = &session{
		status:     StatusActive,
		openedAt:   now,
		startedAt:  now,
		duration:   duration,
		remaining:  duration,
		minutes:    minutes,
		supervisor: supervisor,
	}
	if e.submitted == nil {
		e.submitted = make(map[string]struct{})
	}
	c.armLocked(quizID, e, duration)
	e.mu.Unlock()

	remaining := seconds(duration)
	c.roster.Broadcast(quizID, ControlFrame{
		Type:          "quiz_control",
		Signal:        SignalStart,
		QuizID:        quizID,
		Duration:      remaining,
		RemainingTime: &remaining,
		Timestamp:     unixSeconds(now),
	})
	c.logger.Info("quiz started",
		zap.Int64("quiz", quizID),
		zap.String("supervisor", supervisor),
		zap.Int64("minutes", minutes),
	)
}

// Pause freezes an active quiz's remaining time, truncated to whole seconds.
func (c *Controller) Pause(quizID int64) bool {
	e := c.entry(quizID, false)
	if e == nil {
		c.logger.Warn("pause for unknown quiz", zap.Int64("quiz", quizID))
		return false
	}
	now := c.now()

	e.mu.Lock()
	s := e.session
	if s == nil || s.status != StatusActive {
		e.mu.Unlock()
		return false
	}
	remaining := s.remainingAt(now).Truncate(time.Second)
	if remaining < time.Second {
		frame := c.endLocked(quizID, e, SignalAutoEnd, ReasonTimeExpired, now)
		e.mu.Unlock()
		c.roster.Broadcast(quizID, frame)
		return false
	}
	s.status = StatusPaused
	s.remaining = remaining
	s.pausedAt = now
	c.disarmLocked(e)
	e.mu.Unlock()

	secs := seconds(remaining)
	c.roster.Broadcast(quizID, ControlFrame{
		Type:          "quiz_control",
		Signal:        SignalPause,
		QuizID:        quizID,
		RemainingTime: &secs,
		Timestamp:     unixSeconds(now),
	})
	c.logger.Info("quiz paused", zap.Int64("quiz", quizID), zap.Int64("remaining", secs))
	return true
}

// Resume restarts a paused quiz from its frozen remaining time.
func (c *Controller) Resume(quizID int64) bool {
	e := c.entry(quizID, false)
	if e == nil {
		c.logger.Warn("resume for unknown quiz", zap.Int64("quiz", quizID))
		return false
	}
	now := c.now()

	e.mu.Lock()
	s := e.session
	if s == nil || s.status != StatusPaused {
		e.mu.Unlock()
		return false
	}
	s.status = StatusActive
	s.startedAt = now
	s.duration = s.remaining
	c.armLocked(quizID, e, s.duration)
	secs := seconds(s.remaining)
	e.mu.Unlock()

	c.roster.Broadcast(quizID, ControlFrame{
		Type:          "quiz_control",
		Signal:        SignalResume,
		QuizID:        quizID,
		RemainingTime: &secs,
		Timestamp:     unixSeconds(now),
	})
	c.logger.Info("quiz resumed", zap.Int64("quiz", quizID), zap.Int64("remaining", secs))
	return true
}

// End closes a quiz. Only the call that removes the session broadcasts.
func (c *Controller) End(quizID int64) bool {
	return c.finish(quizID, SignalEnd, "")
}

// AutoEnd closes a quiz with a reason and a localized message.
func (c *Controller) AutoEnd(quizID int64, reason string) bool {
	return c.finish(quizID, SignalAutoEnd, reason)
}

func (c *Controller) finish(quizID int64, signal, reason string) bool {
	e := c.entry(quizID, false)
	if e == nil {
		c.logger.Warn("end for unknown quiz", zap.Int64("quiz", quizID))
		return false
	}
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return false
	}
	frame := c.endLocked(quizID, e, signal, reason, c.now())
	e.mu.Unlock()

	c.roster.Broadcast(quizID, frame)
	return true
}

// endLocked removes the session, its submissions and the table entry, and
// returns the frame to broadcast once e.mu is released.
func (c *Controller) endLocked(quizID int64, e *entry, signal, reason string, now time.Time) ControlFrame {
	e.session = nil
	e.submitted = nil
	c.disarmLocked(e)
	e.removed = true
	c.mu.Lock()
	if c.entries[quizID] == e {
		delete(c.entries, quizID)
	}
	c.mu.Unlock()

	frame := ControlFrame{
		Type:      "quiz_control",
		Signal:    signal,
		QuizID:    quizID,
		Timestamp: unixSeconds(now),
	}
	if signal == SignalAutoEnd {
		frame.Reason = reason
		frame.Message = c.autoEndMessage(reason)
	}
	c.logger.Info("quiz ended", zap.Int64("quiz", quizID), zap.String("signal", signal), zap.String("reason", reason))
	return frame
}

func (c *Controller) autoEndMessage(reason string) string {
	return c.printer.Sprintf(message.Key("quiz.auto_end."+reason, "The quiz has ended automatically."))
}

func (c *Controller) armLocked(quizID int64, e *entry, d time.Duration) {
	c.disarmLocked(e)
	gen := e.generation
	e.stop = c.afterFunc(d, func() { c.expire(quizID, e, gen) })
}

// disarmLocked stops the pending timer and invalidates any firing in flight.
func (c *Controller) disarmLocked(e *entry) {
	if e.stop != nil {
		e.stop()
		e.stop = nil
	}
	e.generation++
}

func (c *Controller) expire(quizID int64, e *entry, gen uint64) {
	e.mu.Lock()
	if e.removed || e.generation != gen || e.session == nil || e.session.status != StatusActive {
		e.mu.Unlock()
		return
	}
	frame := c.endLocked(quizID, e, SignalAutoEnd, ReasonTimeExpired, c.now())
	e.mu.Unlock()

	c.roster.Broadcast(quizID, frame)
}

// Status reports a quiz's state. An active quiz with less than a whole
// second left is auto-ended before the snapshot is produced.
func (c *Controller) Status(quizID int64) Snapshot {
	e := c.entry(quizID, false)
	if e == nil {
		return Snapshot{Status: StatusNotFound}
	}
	now := c.now()

	e.mu.Lock()
	s := e.session
	if s == nil {
		e.mu.Unlock()
		return Snapshot{Status: StatusNotFound}
	}
	remaining := seconds(s.remainingAt(now))
	if s.status == StatusActive && remaining <= 0 {
		frame := c.endLocked(quizID, e, SignalAutoEnd, ReasonTimeExpired, now)
		e.mu.Unlock()
		c.roster.Broadcast(quizID, frame)
		return Snapshot{Status: StatusExpired}
	}
	snap := Snapshot{
		Active:        true,
		Status:        s.status,
		RemainingTime: &remaining,
		Supervisor:    s.supervisor,
		Duration:      s.minutes,
	}
	e.mu.Unlock()
	return snap
}

// SyncJoiner sends the room's quiz state to a participant that just joined.
func (c *Controller) SyncJoiner(participant string, room int64) {
	e := c.entry(room, false)
	if e == nil {
		return
	}
	now := c.now()

	e.mu.Lock()
	s := e.session
	if s == nil {
		e.mu.Unlock()
		return
	}
	remaining := seconds(s.remainingAt(now))
	if s.status == StatusActive && remaining <= 0 {
		frame := c.endLocked(room, e, SignalAutoEnd, ReasonTimeExpired, now)
		e.mu.Unlock()
		c.roster.Broadcast(room, frame)
		return
	}
	frame := SyncFrame{
		Type:          "quiz_state_sync",
		QuizID:        room,
		Status:        s.status,
		RemainingTime: remaining,
		Timestamp:     unixSeconds(now),
	}
	e.mu.Unlock()

	if err := c.sender.Send(participant, frame); err != nil {
		c.logger.Warn("send quiz state to joiner", zap.String("participant", participant), zap.Error(err))
	}
}

// Submit records a participant's submission. Duplicates and unknown quizzes
// are ignored. The quiz auto-ends once submitted >= total-1 with total > 0.
func (c *Controller) Submit(participant string, quizID int64, score float64) {
	e := c.entry(quizID, false)
	if e == nil {
		c.logger.Warn("submission for unknown quiz", zap.Int64("quiz", quizID), zap.String("participant", participant))
		return
	}
	total := c.roster.Count(quizID)
	now := c.now()

	e.mu.Lock()
	s := e.session
	if s == nil {
		e.mu.Unlock()
		c.logger.Warn("submission for inactive quiz", zap.Int64("quiz", quizID), zap.String("participant", participant))
		return
	}
	if _, dup := e.submitted[participant]; dup {
		e.mu.Unlock()
		c.logger.Info("duplicate submission ignored", zap.Int64("quiz", quizID), zap.String("participant", participant))
		return
	}
	e.submitted[participant] = struct{}{}
	submitted := len(e.submitted)
	progress := SubmissionFrame{
		Type:              "student_submission",
		QuizID:            quizID,
		Participant:       participant,
		Score:             score,
		SubmittedCount:    submitted,
		TotalParticipants: total,
		StartTime:         unixSeconds(s.openedAt),
		EndTime:           unixSeconds(now),
		Timestamp:         unixSeconds(now),
	}
	var end *ControlFrame
	if total > 0 && submitted >= total-1 {
		frame := c.endLocked(quizID, e, SignalAutoEnd, ReasonAllStudentsSubmitted, now)
		end = &frame
	}
	e.mu.Unlock()

	c.roster.Broadcast(quizID, progress)
	if end != nil {
		c.roster.Broadcast(quizID, *end)
	}
}

// Supervisor returns the participant that started the room's quiz.
func (c *Controller) Supervisor(room int64) (string, bool) {
	e := c.entry(room, false)
	if e == nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return "", false
	}
	return e.session.supervisor, true
}
