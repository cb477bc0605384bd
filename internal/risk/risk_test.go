package risk

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wallet/internal/store"
)

type stubActivity struct {
	hourCount  int
	burstCount int
	knownDev   bool
	lastIP     string
	recorded   int
	countCalls int
	devices    []string
	ips        []string
}

func (s *stubActivity) RecordActivity(context.Context, string, time.Time) error {
	s.recorded++
	return nil
}

// Assess asks for the hour window first, then the burst window.
func (s *stubActivity) CountSince(context.Context, string, time.Time) (int, error) {
	s.countCalls++
	if s.countCalls%2 == 1 {
		return s.hourCount, nil
	}
	return s.burstCount, nil
}

func (s *stubActivity) KnownDevice(context.Context, string, string) (bool, error) {
	return s.knownDev, nil
}

func (s *stubActivity) RememberDevice(_ context.Context, _ string, deviceID string) error {
	s.devices = append(s.devices, deviceID)
	return nil
}

func (s *stubActivity) LastIP(context.Context, string) (string, error) {
	return s.lastIP, nil
}

func (s *stubActivity) SetLastIP(_ context.Context, _ string, ip string) error {
	s.ips = append(s.ips, ip)
	return nil
}

type stubLedger struct {
	recent        []int64
	toBeneficiary int
}

func (s stubLedger) RecentOutboundAmounts(context.Context, string, int) ([]int64, error) {
	return s.recent, nil
}

func (s stubLedger) CountToBeneficiary(context.Context, string, string) (int, error) {
	return s.toBeneficiary, nil
}

type stubAccounts struct {
	frozenUntil *time.Time
	score       *int
}

func (s *stubAccounts) Freeze(_ context.Context, _ store.Execer, _ string, until time.Time) error {
	s.frozenUntil = &until
	return nil
}

func (s *stubAccounts) SetRiskScore(_ context.Context, _ store.Execer, _ string, score int) error {
	s.score = &score
	return nil
}

type stubAudit struct {
	actions []string
}

func (s *stubAudit) Log(_ context.Context, _ store.Execer, action, _ string, _ *string, _ string, _ string) error {
	s.actions = append(s.actions, action)
	return nil
}

type stubExecer struct{}

func (stubExecer) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, nil
}

// Midday timestamp so the unusual-hours signal stays quiet.
var midday = time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)

func newTestScorer(activity *stubActivity, ledger stubLedger, accounts *stubAccounts, audit *stubAudit) *Scorer {
	s := NewScorer(activity, ledger, accounts, audit, zap.NewNop())
	s.now = func() time.Time { return midday }
	return s
}

func verifiedAccount() store.Account {
	return store.Account{ID: "acc-1", Tier: 3, SecondaryIDVerified: true}
}

func TestAssessCleanActivityAllows(t *testing.T) {
	scorer := newTestScorer(&stubActivity{knownDev: true, lastIP: "1.2.3.4"}, stubLedger{toBeneficiary: 4}, &stubAccounts{}, &stubAudit{})
	a, err := scorer.Assess(context.Background(), Input{
		Account:       verifiedAccount(),
		Amount:        50_000,
		DeviceID:      "dev-1",
		IP:            "1.2.3.4",
		BeneficiaryID: "acc-2",
		At:            midday,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, a.Score)
	assert.Equal(t, ActionAllow, a.Action)
	assert.Empty(t, a.Flags)
}

func TestAssessNewDeviceLargeAmountBlocks(t *testing.T) {
	activity := &stubActivity{knownDev: false}
	scorer := newTestScorer(activity, stubLedger{toBeneficiary: 0}, &stubAccounts{}, &stubAudit{})
	// new device (30) + new device large (15) + first-time beneficiary (20)
	// + high value (20) = 85.
	a, err := scorer.Assess(context.Background(), Input{
		Account:       verifiedAccount(),
		Amount:        150_000_000,
		DeviceID:      "dev-unseen",
		BeneficiaryID: "acc-2",
		At:            midday,
	})
	require.NoError(t, err)
	assert.Equal(t, 85, a.Score)
	assert.Equal(t, ActionBlock, a.Action)
	assert.Contains(t, a.Flags, "new_device")
	assert.Contains(t, a.Flags, "new_device_large_amount")
	assert.Contains(t, a.Flags, "high_value")
	assert.Contains(t, a.Flags, "first_time_beneficiary")
}

func TestAssessVelocityBreach(t *testing.T) {
	activity := &stubActivity{hourCount: 11, burstCount: 0, knownDev: true}
	scorer := newTestScorer(activity, stubLedger{toBeneficiary: 1}, &stubAccounts{}, &stubAudit{})
	a, err := scorer.Assess(context.Background(), Input{
		Account:  verifiedAccount(),
		Amount:   1000,
		DeviceID: "dev-1",
		At:       midday,
	})
	require.NoError(t, err)
	assert.Equal(t, 50, a.Score)
	assert.Contains(t, a.Flags, "velocity_breach_severe")
	assert.Equal(t, ActionFlag, a.Action)
}

func TestAssessAmountAnomaly(t *testing.T) {
	scorer := newTestScorer(&stubActivity{knownDev: true}, stubLedger{recent: []int64{1000, 1000, 1000}, toBeneficiary: 1}, &stubAccounts{}, &stubAudit{})
	a, err := scorer.Assess(context.Background(), Input{
		Account:  verifiedAccount(),
		Amount:   3001,
		DeviceID: "dev-1",
		At:       midday,
	})
	require.NoError(t, err)
	assert.Contains(t, a.Flags, "amount_anomaly")
	assert.Equal(t, 20, a.Score)
}

func TestAssessIPChangeAndUnusualHours(t *testing.T) {
	activity := &stubActivity{knownDev: true, lastIP: "10.0.0.1"}
	scorer := newTestScorer(activity, stubLedger{toBeneficiary: 1}, &stubAccounts{}, &stubAudit{})
	night := time.Date(2024, 5, 1, 2, 30, 0, 0, time.UTC)
	a, err := scorer.Assess(context.Background(), Input{
		Account:  verifiedAccount(),
		Amount:   1000,
		DeviceID: "dev-1",
		IP:       "10.0.0.2",
		At:       night,
	})
	require.NoError(t, err)
	assert.Contains(t, a.Flags, "location_change")
	assert.Contains(t, a.Flags, "unusual_hours")
	assert.Equal(t, 35, a.Score)
	assert.Equal(t, ActionFlag, a.Action)
}

func TestAssessLowTierSignals(t *testing.T) {
	scorer := newTestScorer(&stubActivity{knownDev: true}, stubLedger{toBeneficiary: 1}, &stubAccounts{}, &stubAudit{})
	a, err := scorer.Assess(context.Background(), Input{
		Account:  store.Account{ID: "acc-1", Tier: 1},
		Amount:   1000,
		DeviceID: "dev-1",
		At:       midday,
	})
	require.NoError(t, err)
	// tier 1 (15) + unverified secondary id (10) = 25.
	assert.Equal(t, 25, a.Score)
	assert.Equal(t, ActionAllow, a.Action)
}

func TestAssessRecordsActivity(t *testing.T) {
	activity := &stubActivity{knownDev: true}
	scorer := newTestScorer(activity, stubLedger{toBeneficiary: 1}, &stubAccounts{}, &stubAudit{})
	_, err := scorer.Assess(context.Background(), Input{
		Account:  verifiedAccount(),
		Amount:   1000,
		DeviceID: "dev-1",
		IP:       "1.2.3.4",
		At:       midday,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, activity.recorded)
	assert.Equal(t, []string{"dev-1"}, activity.devices)
	assert.Equal(t, []string{"1.2.3.4"}, activity.ips)
}

func TestActionThresholds(t *testing.T) {
	cases := []struct {
		score int
		want  Action
	}{
		{0, ActionAllow},
		{29, ActionAllow},
		{30, ActionFlag},
		{59, ActionFlag},
		{60, ActionHold},
		{79, ActionHold},
		{80, ActionBlock},
		{100, ActionBlock},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, actionFor(c.score), "score %d", c.score)
	}
}

func TestApplyAccountActionFreezesPastThreshold(t *testing.T) {
	accounts := &stubAccounts{}
	audit := &stubAudit{}
	scorer := newTestScorer(&stubActivity{}, stubLedger{}, accounts, audit)

	require.NoError(t, scorer.ApplyAccountAction(context.Background(), stubExecer{}, "acc-1", Assessment{Score: 85, Action: ActionBlock}))
	require.NotNil(t, accounts.score)
	assert.Equal(t, 85, *accounts.score)
	require.NotNil(t, accounts.frozenUntil)
	assert.Equal(t, midday.Add(24*time.Hour), *accounts.frozenUntil)
	assert.Equal(t, []string{"account_frozen"}, audit.actions)
}

func TestApplyAccountActionBelowThresholdOnlyScores(t *testing.T) {
	accounts := &stubAccounts{}
	audit := &stubAudit{}
	scorer := newTestScorer(&stubActivity{}, stubLedger{}, accounts, audit)

	require.NoError(t, scorer.ApplyAccountAction(context.Background(), stubExecer{}, "acc-1", Assessment{Score: 45, Action: ActionFlag}))
	require.NotNil(t, accounts.score)
	assert.Equal(t, 45, *accounts.score)
	assert.Nil(t, accounts.frozenUntil)
	assert.Empty(t, audit.actions)
}
