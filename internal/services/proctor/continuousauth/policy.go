package continuousauth

import "time"

// Risk levels derived from the fraud score.
const (
	RiskCritical = "critical"
	RiskHigh     = "high"
	RiskMedium   = "medium"
	RiskLow      = "low"
	RiskClean    = "clean"
)

// Band maps a minimum fraud score to a verification interval.
type Band struct {
	MinScore float64
	Interval time.Duration
	Risk     string
}

// Policy holds every tunable of the engine.
type Policy struct {
	InitialInterval    time.Duration
	NoSessionNextCheck time.Duration
	MinNextCheck       time.Duration

	// Distance classification: adjusted = max(ThresholdFloor,
	// BaseThreshold - fraud*ThresholdScale).
	BaseThreshold   float64
	ThresholdFloor  float64
	ThresholdScale  float64
	SuspiciousBound float64

	ModeratePenalty  float64
	LowPenalty       float64
	MultiFacePenalty float64
	SuccessDecay     float64

	FraudWatermark     float64
	TechnicalTolerance int
	TechnicalPenalty   float64

	// Bands are checked in order; the first with MinScore <= fraud wins.
	Bands       []Band
	DefaultBand Band
}

// DefaultPolicy returns the production tuning.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval:    30 * time.Second,
		NoSessionNextCheck: 60 * time.Second,
		MinNextCheck:       5 * time.Second,

		BaseThreshold:   0.4,
		ThresholdFloor:  0.3,
		ThresholdScale:  0.1,
		SuspiciousBound: 0.6,

		ModeratePenalty:  0.2,
		LowPenalty:       0.5,
		MultiFacePenalty: 0.3,
		SuccessDecay:     0.1,

		FraudWatermark:     0.7,
		TechnicalTolerance: 5,
		TechnicalPenalty:   0.1,

		Bands: []Band{
			{MinScore: 0.8, Interval: 10 * time.Second, Risk: RiskCritical},
			{MinScore: 0.6, Interval: 15 * time.Second, Risk: RiskHigh},
			{MinScore: 0.4, Interval: 25 * time.Second, Risk: RiskMedium},
			{MinScore: 0.2, Interval: 40 * time.Second, Risk: RiskLow},
		},
		DefaultBand: Band{Interval: 60 * time.Second, Risk: RiskClean},
	}
}

func (p Policy) band(fraud float64) Band {
	for _, b := range p.Bands {
		if fraud >= b.MinScore {
			return b
		}
	}
	return p.DefaultBand
}

func (p Policy) threshold(fraud float64) float64 {
	return max(p.ThresholdFloor, p.BaseThreshold-fraud*p.ThresholdScale)
}

func clamp01(v float64) float64 {
	return min(1, max(0, v))
}
