package risk

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"wallet/internal/store"
)

// Recommended actions in increasing severity.
type Action string

const (
	ActionAllow Action = "allow"
	ActionFlag  Action = "flag"
	ActionHold  Action = "hold"
	ActionBlock Action = "block"
)

// Score thresholds for the recommended action, and the account-level freeze.
const (
	flagThreshold   = 30
	holdThreshold   = 60
	blockThreshold  = 80
	freezeThreshold = 80

	freezeDuration = 24 * time.Hour
)

// Signal weights. Each independent signal contributes a fixed amount; the
// total is clamped to [0, 100].
const (
	weightVelocityHour     = 25
	weightVelocityHourHigh = 50
	weightAmountAnomaly    = 20
	weightNewDevice        = 30
	weightNewDeviceLarge   = 15
	weightIPChange         = 25
	weightUnusualHours     = 10
	weightBurst            = 15
	weightTier1            = 15
	weightTier2            = 10
	weightUnverifiedID     = 10
	weightNewBeneficiary   = 20
	weightHighValue        = 20
)

// Amount thresholds in minor units.
const (
	largeAmountThreshold = 100_000_000 // NGN 1,000,000
	highValueThreshold   = 100_000_000

	velocityHourLimit     = 5
	velocityHourHighLimit = 10
	burstLimit            = 3
	burstWindow           = 5 * time.Minute
	rollingAverageWindow  = 10
)

type Input struct {
	Account       store.Account
	Amount        int64
	Currency      string
	DeviceID      string
	IP            string
	BeneficiaryID string
	At            time.Time
}

type Assessment struct {
	Score  int      `json:"score"`
	Flags  []string `json:"flags"`
	Action Action   `json:"action"`
}

type ActivityStore interface {
	RecordActivity(ctx context.Context, accountID string, at time.Time) error
	CountSince(ctx context.Context, accountID string, since time.Time) (int, error)
	KnownDevice(ctx context.Context, accountID, deviceID string) (bool, error)
	RememberDevice(ctx context.Context, accountID, deviceID string) error
	LastIP(ctx context.Context, accountID string) (string, error)
	SetLastIP(ctx context.Context, accountID, ip string) error
}

type LedgerStore interface {
	RecentOutboundAmounts(ctx context.Context, accountID string, n int) ([]int64, error)
	CountToBeneficiary(ctx context.Context, senderID, receiverID string) (int, error)
}

type AccountStore interface {
	Freeze(ctx context.Context, tx store.Execer, accountID string, until time.Time) error
	SetRiskScore(ctx context.Context, tx store.Execer, accountID string, score int) error
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, action, actorType string, actorID *string, accountID, metadata string) error
}

// Scorer is the early warning system. Assess never blocks an operation by
// itself; it returns a recommendation the orchestrators act on.
type Scorer struct {
	activity ActivityStore
	ledger   LedgerStore
	accounts AccountStore
	audit    AuditStore
	logger   *zap.Logger
	now      func() time.Time
}

func NewScorer(activity ActivityStore, ledger LedgerStore, accounts AccountStore, audit AuditStore, logger *zap.Logger) *Scorer {
	return &Scorer{
		activity: activity,
		ledger:   ledger,
		accounts: accounts,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
	}
}

// Assess scores the activity and records it in the rolling windows. Every
// assessment is logged with its score, flags and recommendation regardless of
// what the caller does with it.
func (s *Scorer) Assess(ctx context.Context, in Input) (Assessment, error) {
	at := in.At
	if at.IsZero() {
		at = s.now()
	}
	score := 0
	var flags []string

	hourCount, err := s.activity.CountSince(ctx, in.Account.ID, at.Add(-time.Hour))
	if err != nil {
		return Assessment{}, err
	}
	switch {
	case hourCount > velocityHourHighLimit:
		score += weightVelocityHourHigh
		flags = append(flags, "velocity_breach_severe")
	case hourCount > velocityHourLimit:
		score += weightVelocityHour
		flags = append(flags, "velocity_breach")
	}

	burstCount, err := s.activity.CountSince(ctx, in.Account.ID, at.Add(-burstWindow))
	if err != nil {
		return Assessment{}, err
	}
	if burstCount > burstLimit {
		score += weightBurst
		flags = append(flags, "burst_activity")
	}

	recent, err := s.ledger.RecentOutboundAmounts(ctx, in.Account.ID, rollingAverageWindow)
	if err != nil {
		return Assessment{}, err
	}
	if avg := average(recent); avg > 0 && in.Amount > 3*avg {
		score += weightAmountAnomaly
		flags = append(flags, "amount_anomaly")
	}

	if in.DeviceID != "" {
		known, err := s.activity.KnownDevice(ctx, in.Account.ID, in.DeviceID)
		if err != nil {
			return Assessment{}, err
		}
		if !known {
			score += weightNewDevice
			flags = append(flags, "new_device")
			if in.Amount > largeAmountThreshold {
				score += weightNewDeviceLarge
				flags = append(flags, "new_device_large_amount")
			}
		}
	}

	if in.IP != "" {
		lastIP, err := s.activity.LastIP(ctx, in.Account.ID)
		if err != nil {
			return Assessment{}, err
		}
		if lastIP != "" && lastIP != in.IP {
			score += weightIPChange
			flags = append(flags, "location_change")
		}
	}

	if hour := at.Hour(); hour >= 22 || hour < 6 {
		score += weightUnusualHours
		flags = append(flags, "unusual_hours")
	}

	switch in.Account.Tier {
	case 1:
		score += weightTier1
		flags = append(flags, "low_kyc_tier")
	case 2:
		score += weightTier2
		flags = append(flags, "low_kyc_tier")
	}

	if !in.Account.SecondaryIDVerified {
		score += weightUnverifiedID
		flags = append(flags, "unverified_secondary_id")
	}

	if in.BeneficiaryID != "" {
		prior, err := s.ledger.CountToBeneficiary(ctx, in.Account.ID, in.BeneficiaryID)
		if err != nil {
			return Assessment{}, err
		}
		if prior == 0 {
			score += weightNewBeneficiary
			flags = append(flags, "first_time_beneficiary")
		}
	}

	if in.Amount > highValueThreshold {
		score += weightHighValue
		flags = append(flags, "high_value")
	}

	if score > 100 {
		score = 100
	}
	assessment := Assessment{Score: score, Flags: flags, Action: actionFor(score)}

	s.logger.Info("risk assessment",
		zap.String("account_id", in.Account.ID),
		zap.Int64("amount", in.Amount),
		zap.Int("score", assessment.Score),
		zap.Strings("flags", assessment.Flags),
		zap.String("action", string(assessment.Action)),
	)

	if err := s.recordActivity(ctx, in, at); err != nil {
		s.logger.Warn("risk activity record failed", zap.Error(err))
	}
	return assessment, nil
}

// ApplyAccountAction persists the score and, past the freeze threshold,
// freezes the account for 24 hours with an audit entry. Runs inside the
// caller's transaction.
func (s *Scorer) ApplyAccountAction(ctx context.Context, tx store.Execer, accountID string, a Assessment) error {
	if err := s.accounts.SetRiskScore(ctx, tx, accountID, a.Score); err != nil {
		return err
	}
	if a.Score < freezeThreshold {
		return nil
	}
	until := s.now().Add(freezeDuration)
	if err := s.accounts.Freeze(ctx, tx, accountID, until); err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]any{
		"score":        a.Score,
		"flags":        a.Flags,
		"frozen_until": until.UTC(),
	})
	return s.audit.Log(ctx, tx, "account_frozen", store.ActorSystem, nil, accountID, string(meta))
}

func (s *Scorer) recordActivity(ctx context.Context, in Input, at time.Time) error {
	if err := s.activity.RecordActivity(ctx, in.Account.ID, at); err != nil {
		return err
	}
	if in.DeviceID != "" {
		if err := s.activity.RememberDevice(ctx, in.Account.ID, in.DeviceID); err != nil {
			return err
		}
	}
	if in.IP != "" {
		if err := s.activity.SetLastIP(ctx, in.Account.ID, in.IP); err != nil {
			return err
		}
	}
	return nil
}

func actionFor(score int) Action {
	switch {
	case score >= blockThreshold:
		return ActionBlock
	case score >= holdThreshold:
		return ActionHold
	case score >= flagThreshold:
		return ActionFlag
	default:
		return ActionAllow
	}
}

func average(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	var sum int64
	for _, v := range values {
		sum += v
	}
	return sum / int64(len(values))
}
