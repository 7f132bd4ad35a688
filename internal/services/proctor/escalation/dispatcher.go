// Package escalation samples penalizing verification failures and pushes a
// periodic evidence request to the supervisor of the failing participant's
// room.
package escalation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/louisbranch/proctorvision/internal/services/proctor/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// DefaultPeriod is the number of recorded failures between escalations.
const DefaultPeriod = 3

// MessageTypeVerifyRequest is the frame type pushed to supervisors.
const MessageTypeVerifyRequest = "tracking_verify_request"

// Reasons a tracked failure did not produce a delivered escalation.
const (
	ReasonDelivered             = "delivered"
	ReasonBelowPeriod           = "below_period"
	ReasonDuplicate             = "duplicate"
	ReasonUnresolvedParticipant = "unresolved_participant"
	ReasonUnresolvedRoom        = "unresolved_room"
	ReasonUnresolvedSupervisor  = "unresolved_supervisor"
	ReasonSendFailed            = "send_failed"
	ReasonSessionEnded          = "session_ended"
)

// ParticipantResolver maps an account onto its live participant id.
type ParticipantResolver interface {
	Resolve(account int64) (string, bool)
}

// RoomLocator finds the room a participant currently sits in.
type RoomLocator interface {
	RoomOf(participant string) (int64, bool)
}

// SupervisorLocator finds the supervisor of the quiz running in a room.
type SupervisorLocator interface {
	Supervisor(room int64) (string, bool)
}

// Sender pushes a JSON frame to a participant.
type Sender interface {
	Send(participant string, v any) error
}

// Journal records delivered escalations.
type Journal interface {
	RecordEscalation(ctx context.Context, escalation storage.Escalation) error
}

// Record is one tracked verification failure.
type Record struct {
	SessionID  string
	FraudScore float64
	HasImage   bool
	RecordedAt time.Time
}

// Decision describes what Track did with one failure.
type Decision struct {
	Escalated   bool
	Reason      string
	Total       int
	Record      Record
	Participant string
	Supervisor  string
	RoomID      int64
}

// SessionPayload is the evidence descriptor carried in a verify request.
type SessionPayload struct {
	FraudScore  float64 `json:"fraud_score"`
	SessionID   string  `json:"session_id"`
	Participant string  `json:"participant"`
	HasImage    bool    `json:"has_image"`
}

// VerifyRequest asks a supervisor to review one failure.
type VerifyRequest struct {
	Type    string         `json:"type"`
	Session SessionPayload `json:"session"`
}

// Options configures a Dispatcher.
type Options struct {
	Period  int
	Journal Journal
	Logger  *zap.Logger
	Now     func() time.Time
}

type account struct {
	mu        sync.Mutex
	records   []Record
	delivered map[float64]struct{}
	pending   map[float64]struct{}
	purged    bool
}

// Dispatcher owns failure history, cached evidence images and de-dup memory.
type Dispatcher struct {
	participants ParticipantResolver
	rooms        RoomLocator
	supervisors  SupervisorLocator
	sender       Sender
	journal      Journal
	period       int
	logger       *zap.Logger
	now          func() time.Time

	mu       sync.Mutex
	accounts map[int64]*account
	// ended holds purged accounts; Track drops their failures until Reopen.
	ended map[int64]struct{}

	imagesMu sync.RWMutex
	images   map[string][]byte

	escalations metric.Int64Counter
}

// NewDispatcher builds a dispatcher over the given lookups.
func NewDispatcher(participants ParticipantResolver, rooms RoomLocator, supervisors SupervisorLocator, sender Sender, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	period := opts.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	counter, err := otel.Meter("github.com/louisbranch/proctorvision/escalation").Int64Counter(
		"proctor.escalations",
		metric.WithDescription("Escalation decisions by outcome."),
	)
	if err != nil {
		logger.Warn("create escalation counter", zap.Error(err))
	}
	return &Dispatcher{
		participants: participants,
		rooms:        rooms,
		supervisors:  supervisors,
		sender:       sender,
		journal:      opts.Journal,
		period:       period,
		logger:       logger,
		now:          now,
		accounts:     make(map[int64]*account),
		ended:        make(map[int64]struct{}),
		images:       make(map[string][]byte),
		escalations:  counter,
	}
}

func (d *Dispatcher) account(id int64) (*account, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ended := d.ended[id]; ended {
		return nil, false
	}
	a, ok := d.accounts[id]
	if !ok {
		a = &account{
			delivered: make(map[float64]struct{}),
			pending:   make(map[float64]struct{}),
		}
		d.accounts[id] = a
	}
	return a, true
}

// Track records one penalizing failure for accountID and escalates every
// period-th failure. Delivery is at most once and never retried. Failures
// for a purged account are dropped until Reopen.
func (d *Dispatcher) Track(ctx context.Context, accountID int64, fraudScore float64, image []byte) Decision {
	if ctx == nil {
		ctx = context.Background()
	}
	record := Record{
		SessionID:  uuid.NewString(),
		FraudScore: fraudScore,
		HasImage:   len(image) > 0,
		RecordedAt: d.now().UTC(),
	}

	var (
		a        *account
		total    int
		selected Record
	)
	for {
		var open bool
		a, open = d.account(accountID)
		if !open {
			d.count(ctx, ReasonSessionEnded)
			return Decision{Reason: ReasonSessionEnded, Record: record}
		}
		a.mu.Lock()
		if !a.purged {
			break
		}
		// Lost a race with Purge; the next lookup creates fresh state.
		a.mu.Unlock()
	}
	if record.HasImage {
		d.storeImage(record.SessionID, image)
	}
	a.records = append(a.records, record)
	total = len(a.records)
	decision := Decision{Total: total, Record: record}
	if total%d.period != 0 {
		a.mu.Unlock()
		decision.Reason = ReasonBelowPeriod
		return decision
	}
	selected = a.records[total-d.period]
	decision.Record = selected
	_, done := a.delivered[fraudScore]
	_, inFlight := a.pending[fraudScore]
	if done || inFlight {
		a.mu.Unlock()
		decision.Reason = ReasonDuplicate
		d.count(ctx, decision.Reason)
		return decision
	}
	a.pending[fraudScore] = struct{}{}
	a.mu.Unlock()

	decision = d.deliver(ctx, accountID, decision)

	a.mu.Lock()
	delete(a.pending, fraudScore)
	if decision.Escalated && !a.purged {
		a.delivered[fraudScore] = struct{}{}
	}
	a.mu.Unlock()

	d.count(ctx, decision.Reason)
	return decision
}

func (d *Dispatcher) deliver(ctx context.Context, accountID int64, decision Decision) Decision {
	logger := d.logger.With(zap.Int64("account", accountID), zap.String("session_id", decision.Record.SessionID))

	participant, ok := d.participants.Resolve(accountID)
	if !ok {
		decision.Reason = ReasonUnresolvedParticipant
		logger.Info("escalation dropped: account has no live participant")
		return decision
	}
	decision.Participant = participant
	room, ok := d.rooms.RoomOf(participant)
	if !ok {
		decision.Reason = ReasonUnresolvedRoom
		logger.Info("escalation dropped: participant is in no room", zap.String("participant", participant))
		return decision
	}
	decision.RoomID = room
	supervisor, ok := d.supervisors.Supervisor(room)
	if !ok {
		decision.Reason = ReasonUnresolvedSupervisor
		logger.Info("escalation dropped: room has no supervisor", zap.Int64("room", room))
		return decision
	}
	decision.Supervisor = supervisor

	hasImage := d.hasImage(decision.Record.SessionID)
	frame := VerifyRequest{
		Type: MessageTypeVerifyRequest,
		Session: SessionPayload{
			FraudScore:  decision.Record.FraudScore,
			SessionID:   decision.Record.SessionID,
			Participant: participant,
			HasImage:    hasImage,
		},
	}
	if err := d.sender.Send(supervisor, frame); err != nil {
		decision.Reason = ReasonSendFailed
		logger.Warn("escalation send failed", zap.String("supervisor", supervisor), zap.Error(err))
		return decision
	}
	decision.Escalated = true
	decision.Reason = ReasonDelivered
	logger.Info("escalation delivered",
		zap.String("participant", participant),
		zap.String("supervisor", supervisor),
		zap.Int64("room", room),
		zap.Float64("fraud_score", decision.Record.FraudScore),
	)

	if d.journal != nil {
		err := d.journal.RecordEscalation(ctx, storage.Escalation{
			SessionID:   decision.Record.SessionID,
			AccountID:   accountID,
			Participant: participant,
			Supervisor:  supervisor,
			RoomID:      room,
			FraudScore:  decision.Record.FraudScore,
			HasImage:    hasImage,
			DeliveredAt: d.now().UTC(),
		})
		if err != nil {
			logger.Warn("journal escalation", zap.Error(err))
		}
	}
	return decision
}

// Image returns the evidence image cached under sessionID.
func (d *Dispatcher) Image(sessionID string) ([]byte, bool) {
	d.imagesMu.RLock()
	defer d.imagesMu.RUnlock()
	image, ok := d.images[sessionID]
	return image, ok
}

// Records returns a copy of the failures tracked for accountID.
func (d *Dispatcher) Records(accountID int64) []Record {
	d.mu.Lock()
	a, ok := d.accounts[accountID]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Record, len(a.records))
	copy(out, a.records)
	return out
}

// Reopen accepts failures for accountID again after a Purge.
func (d *Dispatcher) Reopen(accountID int64) {
	d.mu.Lock()
	delete(d.ended, accountID)
	d.mu.Unlock()
}

// Purge forgets everything tracked for accountID: failure history, cached
// images and de-dup memory. Later failures are dropped until Reopen.
func (d *Dispatcher) Purge(accountID int64) {
	d.mu.Lock()
	a, ok := d.accounts[accountID]
	delete(d.accounts, accountID)
	d.ended[accountID] = struct{}{}
	d.mu.Unlock()
	if !ok {
		return
	}

	a.mu.Lock()
	a.purged = true
	records := a.records
	a.records = nil
	a.delivered = make(map[float64]struct{})
	a.mu.Unlock()

	d.imagesMu.Lock()
	for _, r := range records {
		delete(d.images, r.SessionID)
	}
	d.imagesMu.Unlock()
	d.logger.Debug("escalation state purged", zap.Int64("account", accountID), zap.Int("records", len(records)))
}

func (d *Dispatcher) storeImage(sessionID string, image []byte) {
	stored := make([]byte, len(image))
	copy(stored, image)
	d.imagesMu.Lock()
	d.images[sessionID] = stored
	d.imagesMu.Unlock()
}

func (d *Dispatcher) hasImage(sessionID string) bool {
	d.imagesMu.RLock()
	defer d.imagesMu.RUnlock()
	_, ok := d.images[sessionID]
	return ok
}

func (d *Dispatcher) count(ctx context.Context, reason string) {
	if d.escalations != nil {
		d.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}
