// Package continuousauth keeps a per-account fraud-risk estimate from
// periodic face re-verification and derives the next check interval from it.
package continuousauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/louisbranch/proctorvision/internal/platform/errors"
	"github.com/louisbranch/proctorvision/internal/platform/id"
	"github.com/louisbranch/proctorvision/internal/services/proctor/identity"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	// ErrNoSession is returned when the account has no active session.
	ErrNoSession = apperrors.New(apperrors.CodeNoSession, "no active session")
	// ErrNoBaseline is returned when the session has no reference image.
	ErrNoBaseline = apperrors.New(apperrors.CodeNotFound, "no baseline found for comparison")
	// ErrAuthenticationFailed is returned when the baseline does not match.
	ErrAuthenticationFailed = apperrors.New(apperrors.CodeAuthenticationFailed, "baseline authentication failed")
	// ErrMalformedImage is returned when the baseline cannot be decoded.
	ErrMalformedImage = apperrors.New(apperrors.CodeMalformedImage, "malformed baseline image")
)

// Session statuses.
const (
	SessionActive             = "active"
	SessionVerified           = "verified"
	SessionVerificationFailed = "verification_failed"
	SessionFraudSuspected     = "fraud_suspected"
	SessionNone               = "no_session"
)

// Verification outcomes.
const (
	OutcomeVerified            = "verified"
	OutcomeSuspicious          = "suspicious"
	OutcomeFraudDetected       = "fraud_detected"
	OutcomeVerificationFailure = "verification_failure"
	OutcomeTechnicalFailure    = "technical_failure"
)

// Failure reasons.
const (
	ReasonModerateSimilarity = "moderate_similarity"
	ReasonLowSimilarity      = "low_similarity"
	ReasonHighSimilarity     = "high_similarity"
	ReasonNoFaceDetected     = "no_face_detected"
	ReasonNoFaceInProbe      = "similarity_calculation_failed"
	ReasonDetectorFailed     = "face_detection_failed"
)

const tracerName = "github.com/louisbranch/proctorvision/continuousauth"

// Identity is the collaborator subset the engine calls.
type Identity interface {
	DetectFaces(ctx context.Context, image []byte) ([]identity.Face, error)
	Authenticate(ctx context.Context, image []byte) (identity.AuthResult, error)
	Distance(ctx context.Context, reference, candidate []byte) (float64, error)
}

// Schedule is the verification cadence derived from the latest fraud score.
type Schedule struct {
	Interval   time.Duration
	RiskLevel  string
	FraudScore float64
	UpdatedAt  time.Time
}

// InitResult is returned by a successful Initialize.
type InitResult struct {
	SessionToken       string
	BaselineConfidence float64
	InitialInterval    time.Duration
}

// StatusReport answers a client poll.
type StatusReport struct {
	ShouldVerify   bool
	SessionToken   string
	Interval       time.Duration
	FraudScore     float64
	Status         string
	Message        string
	NextCheckAfter time.Duration
}

// Result is the outcome of one verification.
type Result struct {
	Success bool
	Outcome string
	Reason  string
	// Distance and Threshold are set when a distance was classified.
	Distance          float64
	Threshold         float64
	FraudScore        float64
	SessionStatus     string
	TechnicalFailures int
	Message           string
	Schedule          Schedule
}

// Penalized reports whether the outcome raised the fraud score as a
// verification failure. Technical failures never count.
func (r Result) Penalized() bool {
	switch r.Outcome {
	case OutcomeSuspicious, OutcomeFraudDetected, OutcomeVerificationFailure:
		return true
	default:
		return false
	}
}

// Report summarizes an ended session.
type Report struct {
	AccountID           int64
	Duration            time.Duration
	TotalVerifications  int
	FinalFraudScore     float64
	FinalStatus         string
	TechnicalFailures   int
	ConsecutiveFailures int
}

type session struct {
	mu sync.Mutex

	account             int64
	room                int64
	baseline            []byte
	fraud               float64
	verifications       int
	consecutiveFailures int
	technicalFailures   int
	status              string
	token               string
	startedAt           time.Time
	lastVerification    time.Time
	baselineConfidence  float64
	schedule            Schedule
	ended               bool
}

// Engine owns every account's authentication session.
type Engine struct {
	identity Identity
	policy   Policy
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[int64]*session
}

// Options configures an Engine.
type Options struct {
	Policy *Policy
	Logger *zap.Logger
	Now    func() time.Time
}

// NewEngine creates an engine backed by the identity collaborator.
func NewEngine(verifier Identity, opts Options) *Engine {
	policy := DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		identity: verifier,
		policy:   policy,
		logger:   opts.Logger,
		now:      opts.Now,
		sessions: make(map[int64]*session),
	}
}

// Policy returns the engine's tuning.
func (e *Engine) Policy() Policy {
	return e.policy
}

func (e *Engine) lookup(account int64) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[account]
}

// Initialize authenticates the baseline and opens a session for account,
// replacing any previous one.
func (e *Engine) Initialize(ctx context.Context, account, room int64, baseline []byte) (InitResult, error) {
	if len(baseline) == 0 {
		return InitResult{}, ErrMalformedImage
	}
	auth, err := e.identity.Authenticate(ctx, baseline)
	if err != nil {
		if errors.Is(err, identity.ErrMalformedImage) {
			return InitResult{}, fmt.Errorf("%w: %v", ErrMalformedImage, err)
		}
		return InitResult{}, apperrors.Wrap(apperrors.CodeTechnicalFailure, "authenticate baseline", err)
	}
	if !auth.Success {
		return InitResult{}, ErrAuthenticationFailed
	}

	tokenID, err := id.NewID()
	if err != nil {
		return InitResult{}, apperrors.Wrap(apperrors.CodeUnknown, "generate session token", err)
	}
	now := e.now()
	s := &session{
		account:            account,
		room:               room,
		baseline:           append([]byte(nil), baseline...),
		verifications:      1,
		status:             SessionActive,
		token:              fmt.Sprintf("session_%d_%s", account, tokenID),
		startedAt:          now,
		lastVerification:   now,
		baselineConfidence: auth.Confidence,
		schedule: Schedule{
			Interval:   e.policy.InitialInterval,
			RiskLevel:  RiskClean,
			FraudScore: 0,
			UpdatedAt:  now,
		},
	}

	e.mu.Lock()
	previous := e.sessions[account]
	e.sessions[account] = s
	e.mu.Unlock()
	if previous != nil {
		previous.mu.Lock()
		previous.ended = true
		previous.mu.Unlock()
		e.logger.Info("replaced auth session", zap.Int64("account", account))
	}

	e.logger.Info("auth session initialized", zap.Int64("account", account), zap.Int64("room", room))
	return InitResult{
		SessionToken:       s.token,
		BaselineConfidence: auth.Confidence,
		InitialInterval:    e.policy.InitialInterval,
	}, nil
}

// Status reports whether the client should verify now. It never mutates.
func (e *Engine) Status(account int64) StatusReport {
	s := e.lookup(account)
	if s == nil {
		return StatusReport{
			SessionToken:   SessionNone,
			Status:         SessionNone,
			Message:        "No active session found",
			NextCheckAfter: e.policy.NoSessionNextCheck,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := e.now().Sub(s.lastVerification)
	interval := s.schedule.Interval
	should := elapsed >= interval

	var next time.Duration
	message := "Verification required"
	if !should {
		next = (interval - elapsed).Truncate(time.Second)
		message = fmt.Sprintf("Next verification in %ds", int64(next/time.Second))
	}
	return StatusReport{
		ShouldVerify:   should,
		SessionToken:   s.token,
		Interval:       interval,
		FraudScore:     s.fraud,
		Status:         s.status,
		Message:        message,
		NextCheckAfter: max(e.policy.MinNextCheck, next),
	}
}

// ProcessVerification compares a candidate image against the baseline and
// updates the account's fraud score and schedule. Identity calls run without
// holding the session lock.
func (e *Engine) ProcessVerification(ctx context.Context, account int64, candidate []byte) (Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "continuousauth.ProcessVerification",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int64("proctor.account_id", account)),
	)
	defer span.End()

	s := e.lookup(account)
	if s == nil {
		return Result{}, ErrNoSession
	}
	s.mu.Lock()
	baseline := s.baseline
	s.mu.Unlock()
	if len(baseline) == 0 {
		return Result{}, ErrNoBaseline
	}

	result, err := e.verify(ctx, s, baseline, candidate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(
		attribute.String("proctor.outcome", result.Outcome),
		attribute.Float64("proctor.fraud_score", result.FraudScore),
	)
	return result, nil
}

func (e *Engine) verify(ctx context.Context, s *session, baseline, candidate []byte) (Result, error) {
	if len(candidate) == 0 {
		return e.applyTechnical(s, ReasonNoFaceDetected)
	}
	faces, err := e.identity.DetectFaces(ctx, candidate)
	if err != nil {
		e.logger.Warn("face detection failed", zap.Int64("account", s.account), zap.Error(err))
		return e.applyTechnical(s, ReasonDetectorFailed)
	}
	switch {
	case len(faces) == 0:
		return e.applyTechnical(s, ReasonNoFaceInProbe)
	case len(faces) > 1:
		return e.applyMultiFace(s)
	}

	distance, err := e.identity.Distance(ctx, baseline, candidate)
	if err != nil {
		e.logger.Warn("distance failed, treating as no match", zap.Int64("account", s.account), zap.Error(err))
		distance = 1.0
	}
	return e.applyDistance(s, distance)
}

func (e *Engine) applyDistance(s *session, distance float64) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return Result{}, ErrNoSession
	}

	p := e.policy
	threshold := p.threshold(s.fraud)
	result := Result{Distance: distance, Threshold: threshold}

	switch {
	case distance <= threshold:
		s.consecutiveFailures = 0
		s.technicalFailures = max(0, s.technicalFailures-1)
		s.fraud = clamp01(s.fraud - p.SuccessDecay)
		s.status = SessionVerified
		result.Success = true
		result.Outcome = OutcomeVerified
		result.Message = fmt.Sprintf("Verification successful (distance: %.3f)", distance)
	case distance <= p.SuspiciousBound:
		e.penalizeLocked(s, p.ModeratePenalty)
		result.Outcome = OutcomeSuspicious
		result.Reason = ReasonModerateSimilarity
		result.Message = fmt.Sprintf("Suspicious verification (distance: %.3f)", distance)
	default:
		e.penalizeLocked(s, p.LowPenalty)
		result.Outcome = OutcomeFraudDetected
		result.Reason = ReasonLowSimilarity
		result.Message = fmt.Sprintf("Potential fraud detected (distance: %.3f)", distance)
	}
	s.lastVerification = e.now()
	s.verifications++
	e.rescheduleLocked(s)
	return e.finishLocked(s, result), nil
}

func (e *Engine) applyMultiFace(s *session) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return Result{}, ErrNoSession
	}

	e.penalizeLocked(s, e.policy.MultiFacePenalty)
	s.lastVerification = e.now()
	s.verifications++
	e.rescheduleLocked(s)
	return e.finishLocked(s, Result{
		Outcome: OutcomeVerificationFailure,
		Reason:  ReasonHighSimilarity,
		Message: "Multiple faces detected",
	}), nil
}

func (e *Engine) applyTechnical(s *session, reason string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return Result{}, ErrNoSession
	}

	s.technicalFailures++
	message := fmt.Sprintf("Technical issue: %s. Please try again with better conditions.", reason)
	if s.technicalFailures > e.policy.TechnicalTolerance {
		s.fraud = clamp01(s.fraud + e.policy.TechnicalPenalty)
		message = fmt.Sprintf("Too many technical failures (%s). Please check your setup.", reason)
	}
	e.rescheduleLocked(s)
	return e.finishLocked(s, Result{
		Outcome: OutcomeTechnicalFailure,
		Reason:  reason,
		Message: message,
	}), nil
}

func (e *Engine) penalizeLocked(s *session, penalty float64) {
	s.consecutiveFailures++
	s.fraud = clamp01(s.fraud + penalty)
	if s.fraud > e.policy.FraudWatermark {
		s.status = SessionFraudSuspected
	} else {
		s.status = SessionVerificationFailed
	}
}

func (e *Engine) rescheduleLocked(s *session) {
	band := e.policy.band(s.fraud)
	s.schedule = Schedule{
		Interval:   band.Interval,
		RiskLevel:  band.Risk,
		FraudScore: s.fraud,
		UpdatedAt:  e.now(),
	}
}

func (e *Engine) finishLocked(s *session, result Result) Result {
	result.FraudScore = s.fraud
	result.SessionStatus = s.status
	result.TechnicalFailures = s.technicalFailures
	result.Schedule = s.schedule
	e.logger.Info("verification processed",
		zap.Int64("account", s.account),
		zap.String("outcome", result.Outcome),
		zap.String("reason", result.Reason),
		zap.Float64("fraud_score", s.fraud),
	)
	return result
}

// Schedule returns the account's current verification schedule.
func (e *Engine) Schedule(account int64) (Schedule, bool) {
	s := e.lookup(account)
	if s == nil {
		return Schedule{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule, true
}

// End removes the account's session and returns its summary. The second
// return is false when there was no session.
func (e *Engine) End(account int64) (Report, bool) {
	e.mu.Lock()
	s, ok := e.sessions[account]
	delete(e.sessions, account)
	e.mu.Unlock()
	if !ok {
		return Report{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	s.baseline = nil
	report := Report{
		AccountID:           account,
		Duration:            e.now().Sub(s.startedAt),
		TotalVerifications:  s.verifications,
		FinalFraudScore:     s.fraud,
		FinalStatus:         s.status,
		TechnicalFailures:   s.technicalFailures,
		ConsecutiveFailures: s.consecutiveFailures,
	}
	e.logger.Info("auth session ended", zap.Int64("account", account), zap.Float64("fraud_score", s.fraud))
	return report, true
}
