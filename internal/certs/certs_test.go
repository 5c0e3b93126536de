package certs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"testing"

	"github.com/LiuMou68/starchain-backend/internal/ledger"
	"github.com/LiuMou68/starchain-backend/internal/models"
	"github.com/LiuMou68/starchain-backend/internal/store"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Use a per-test in-memory database to avoid cross-test interference
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := store.Open("sqlite", dsn)
	require.NoError(t, err)
	return db
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePins struct {
	fail    bool
	pinned  int
	lastDoc any
}

func (f *fakePins) PinFile(ctx context.Context, data []byte, filename string) (string, error) {
	if f.fail {
		return "", errors.New("pin service unavailable")
	}
	f.pinned++
	return "QmTestFile" + strconv.Itoa(f.pinned), nil
}

func (f *fakePins) PinJSON(ctx context.Context, v any, filename string) (string, error) {
	if f.fail {
		return "", errors.New("pin service unavailable")
	}
	f.pinned++
	f.lastDoc = v
	return "QmTestJSON" + strconv.Itoa(f.pinned), nil
}

func (f *fakePins) GatewayURL(hash string) string { return "https://ipfs.io/ipfs/" + hash }

type fakeChain struct {
	configured bool
	mintErr    error
	mints      []string
	nextToken  int
}

func (f *fakeChain) Configured() bool { return f.configured }

func (f *fakeChain) Mint(ctx context.Context, to, certificateNumber, metadataURI string) (*ledger.MintResult, error) {
	if f.mintErr != nil {
		return nil, f.mintErr
	}
	f.nextToken++
	f.mints = append(f.mints, certificateNumber)
	return &ledger.MintResult{
		TxHash:      fmt.Sprintf("0x%064x", f.nextToken),
		BlockNumber: uint64(f.nextToken),
		TokenID:     strconv.Itoa(f.nextToken),
	}, nil
}

func (f *fakeChain) Verify(ctx context.Context, certificateNumber string) (*ledger.VerifyResult, error) {
	for i, number := range f.mints {
		if number == certificateNumber {
			return &ledger.VerifyResult{Exists: true, TokenID: strconv.Itoa(i + 1)}, nil
		}
	}
	return &ledger.VerifyResult{}, nil
}

func newIssuer(db *gorm.DB, pins *fakePins, chain *fakeChain) *Issuer {
	return NewIssuer(db, pins, chain, quietLogger(), nil)
}

func createUser(t *testing.T, db *gorm.DB, username string, points int) models.User {
	t.Helper()
	user := models.User{Username: username, PasswordHash: "x", Role: models.RoleStudent, StudentID: "S-" + username, Points: points}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func createPointsRule(t *testing.T, db *gorm.DB, threshold int) models.Rule {
	t.Helper()
	rule := models.Rule{
		Name:             fmt.Sprintf("Points Star %d", threshold),
		Description:      "awarded automatically on reaching the points threshold",
		AutoIssue:        true,
		ConditionType:    models.ConditionPoints,
		ConditionValue:   threshold,
		AutoIssueEnabled: true,
	}
	require.NoError(t, db.Create(&rule).Error)
	return rule
}

func TestAutoIssueIdempotent(t *testing.T) {
	db := setupDB(t)
	pins := &fakePins{}
	chain := &fakeChain{}
	issuer := newIssuer(db, pins, chain)
	evaluator := NewEvaluator(db)

	user := createUser(t, db, "alice", 120)
	rule := createPointsRule(t, db, 100)

	rules, err := evaluator.Evaluate(context.Background(), user.ID, Trigger{Kind: TriggerPoints})
	require.NoError(t, err)
	require.Len(t, rules, 1)

	inst, err := issuer.Issue(context.Background(), user.ID, rule)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(inst.Number, "CERT-"))
	require.True(t, inst.IsValid)

	// The grant is the idempotency gate: re-evaluation finds nothing.
	rules, err = evaluator.Evaluate(context.Background(), user.ID, Trigger{Kind: TriggerPoints})
	require.NoError(t, err)
	require.Empty(t, rules)

	_, err = issuer.Issue(context.Background(), user.ID, rule)
	require.ErrorIs(t, err, ErrAlreadyGranted)

	var grants int64
	require.NoError(t, db.Model(&models.Grant{}).Where("user_id = ? AND rule_id = ?", user.ID, rule.ID).Count(&grants).Error)
	require.Equal(t, int64(1), grants)
}

func TestEvaluatorDisabledRuleSkipped(t *testing.T) {
	db := setupDB(t)
	evaluator := NewEvaluator(db)

	user := createUser(t, db, "bob", 500)
	rule := createPointsRule(t, db, 100)
	require.NoError(t, db.Model(&rule).Update("auto_issue_enabled", false).Error)

	rules, err := evaluator.Evaluate(context.Background(), user.ID, Trigger{Kind: TriggerPoints})
	require.NoError(t, err)
	require.Empty(t, rules)
}

func TestEvaluatorActivityParticipation(t *testing.T) {
	db := setupDB(t)
	evaluator := NewEvaluator(db)

	user := createUser(t, db, "carol", 0)
	activity := models.Activity{Title: "Hackathon", Status: models.ActivityEnded, PointsReward: 30}
	require.NoError(t, db.Create(&activity).Error)
	rule := models.Rule{
		Name:             "Hackathon Finisher",
		Description:      "completed the hackathon",
		AutoIssue:        true,
		ConditionType:    models.ConditionActivity,
		ConditionValue:   int(activity.ID),
		AutoIssueEnabled: true,
	}
	require.NoError(t, db.Create(&rule).Error)

	trig := Trigger{Kind: TriggerActivity, ActivityID: activity.ID}

	// Merely joining does not qualify.
	part := models.Participation{ActivityID: activity.ID, UserID: user.ID, Status: models.ParticipationJoined}
	require.NoError(t, db.Create(&part).Error)
	rules, err := evaluator.Evaluate(context.Background(), user.ID, trig)
	require.NoError(t, err)
	require.Empty(t, rules)

	require.NoError(t, db.Model(&part).Update("status", models.ParticipationAwarded).Error)
	rules, err = evaluator.Evaluate(context.Background(), user.ID, trig)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, rule.ID, rules[0].ID)
}

func TestSweepIssuesMissingAndIsIdempotent(t *testing.T) {
	db := setupDB(t)
	issuer := newIssuer(db, &fakePins{}, &fakeChain{})
	sweeper := NewSweeper(db, issuer, quietLogger())

	rule := createPointsRule(t, db, 100)
	eligible1 := createUser(t, db, "dora", 150)
	eligible2 := createUser(t, db, "erik", 100)
	createUser(t, db, "fay", 50)

	// One eligible user already holds the grant.
	_, err := issuer.Issue(context.Background(), eligible1.ID, rule)
	require.NoError(t, err)

	result, err := sweeper.SweepAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, result.Checked)
	require.Equal(t, 1, result.Issued)

	var grants int64
	require.NoError(t, db.Model(&models.Grant{}).Count(&grants).Error)
	require.Equal(t, int64(2), grants)

	// Sweeping again finds nothing left to do.
	result, err = sweeper.SweepAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, result.Issued)

	require.NoError(t, db.Model(&models.Grant{}).Count(&grants).Error)
	require.Equal(t, int64(2), grants)

	for _, id := range []uint{eligible1.ID, eligible2.ID} {
		var count int64
		require.NoError(t, db.Model(&models.Grant{}).Where("user_id = ?", id).Count(&count).Error)
		require.Equal(t, int64(1), count)
	}
}

func TestRedeemDebitsPointsAtomically(t *testing.T) {
	db := setupDB(t)
	issuer := newIssuer(db, &fakePins{}, &fakeChain{})

	user := createUser(t, db, "gina", 50)
	rule := models.Rule{Name: "Club Tee", Description: "exchange reward", NeedPoints: 30}
	require.NoError(t, db.Create(&rule).Error)

	inst, err := issuer.Redeem(context.Background(), user.ID, rule.ID)
	require.NoError(t, err)
	require.NotEmpty(t, inst.Number)

	var got models.User
	require.NoError(t, db.First(&got, user.ID).Error)
	require.Equal(t, 20, got.Points)

	var event models.PointsEvent
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&event).Error)
	require.Equal(t, -30, event.Points)

	// Second redemption neither grants nor debits.
	_, err = issuer.Redeem(context.Background(), user.ID, rule.ID)
	require.ErrorIs(t, err, ErrAlreadyGranted)
	require.NoError(t, db.First(&got, user.ID).Error)
	require.Equal(t, 20, got.Points)
}

func TestRedeemInsufficientPointsLeavesBalance(t *testing.T) {
	db := setupDB(t)
	issuer := newIssuer(db, &fakePins{}, &fakeChain{})

	user := createUser(t, db, "hank", 10)
	rule := models.Rule{Name: "Club Tee", Description: "exchange reward", NeedPoints: 30}
	require.NoError(t, db.Create(&rule).Error)

	_, err := issuer.Redeem(context.Background(), user.ID, rule.ID)
	require.ErrorIs(t, err, ErrInsufficientPoints)

	var got models.User
	require.NoError(t, db.First(&got, user.ID).Error)
	require.Equal(t, 10, got.Points)

	var grants int64
	require.NoError(t, db.Model(&models.Grant{}).Count(&grants).Error)
	require.Zero(t, grants)
}

func TestRedeemAutoRuleRevalidatesCondition(t *testing.T) {
	db := setupDB(t)
	issuer := newIssuer(db, &fakePins{}, &fakeChain{})

	user := createUser(t, db, "iris", 40)
	rule := createPointsRule(t, db, 100)

	_, err := issuer.Redeem(context.Background(), user.ID, rule.ID)
	require.ErrorIs(t, err, ErrNotEligible)

	// Once the condition truly holds, the fallback path issues for free.
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", user.ID).Update("points", 150).Error)
	inst, err := issuer.Redeem(context.Background(), user.ID, rule.ID)
	require.NoError(t, err)
	require.NotEmpty(t, inst.Number)

	var got models.User
	require.NoError(t, db.First(&got, user.ID).Error)
	require.Equal(t, 150, got.Points)
}

func TestIssueSurvivesPinFailure(t *testing.T) {
	db := setupDB(t)
	pins := &fakePins{fail: true}
	issuer := newIssuer(db, pins, &fakeChain{})

	user := createUser(t, db, "judy", 200)
	rule := createPointsRule(t, db, 100)

	inst, err := issuer.Issue(context.Background(), user.ID, rule)
	require.NoError(t, err)
	require.True(t, inst.IsValid)
	require.Empty(t, inst.IPFSHash)

	var grants int64
	require.NoError(t, db.Model(&models.Grant{}).Count(&grants).Error)
	require.Equal(t, int64(1), grants)
}

func TestIssueMintsToHolderWallet(t *testing.T) {
	db := setupDB(t)
	chain := &fakeChain{configured: true}
	issuer := newIssuer(db, &fakePins{}, chain)

	user := createUser(t, db, "kate", 200)
	require.NoError(t, db.Create(&models.UserWallet{
		UserID: user.ID, WalletAddress: "0x1111111111111111111111111111111111111111",
	}).Error)
	rule := createPointsRule(t, db, 100)

	inst, err := issuer.Issue(context.Background(), user.ID, rule)
	require.NoError(t, err)
	require.NotEmpty(t, inst.IPFSHash)

	var record models.LedgerRecord
	require.NoError(t, db.Where("certificate_id = ?", inst.ID).First(&record).Error)
	require.Equal(t, inst.Number, record.CertificateNumber)
	require.NotEmpty(t, record.TxHash)

	var grant models.Grant
	require.NoError(t, db.Where("instance_id = ?", inst.ID).First(&grant).Error)
	require.Equal(t, models.ChainStatusMinted, grant.ChainStatus)
}

func TestIssueWithoutWalletSkipsMint(t *testing.T) {
	db := setupDB(t)
	chain := &fakeChain{configured: true}
	issuer := newIssuer(db, &fakePins{}, chain)

	user := createUser(t, db, "liam", 200)
	rule := createPointsRule(t, db, 100)

	inst, err := issuer.Issue(context.Background(), user.ID, rule)
	require.NoError(t, err)
	require.True(t, inst.IsValid)
	require.Empty(t, chain.mints)

	var records int64
	require.NoError(t, db.Model(&models.LedgerRecord{}).Count(&records).Error)
	require.Zero(t, records)
}

func TestRedeemPinsButDoesNotMint(t *testing.T) {
	db := setupDB(t)
	chain := &fakeChain{configured: true}
	issuer := newIssuer(db, &fakePins{}, chain)

	user := createUser(t, db, "mia", 100)
	require.NoError(t, db.Create(&models.UserWallet{
		UserID: user.ID, WalletAddress: "0x2222222222222222222222222222222222222222",
	}).Error)
	rule := models.Rule{Name: "Club Tee", Description: "exchange reward", NeedPoints: 30}
	require.NoError(t, db.Create(&rule).Error)

	inst, err := issuer.Redeem(context.Background(), user.ID, rule.ID)
	require.NoError(t, err)
	require.NotEmpty(t, inst.IPFSHash)
	require.Empty(t, chain.mints)
}

func TestChainSyncApplyTransitions(t *testing.T) {
	db := setupDB(t)
	issuer := newIssuer(db, &fakePins{}, &fakeChain{})
	sync := NewChainSync(db, &fakePins{}, &fakeChain{}, "", quietLogger(), nil)

	user := createUser(t, db, "nina", 200)
	rule := createPointsRule(t, db, 100)
	_, err := issuer.Issue(context.Background(), user.ID, rule)
	require.NoError(t, err)

	require.NoError(t, sync.Apply(context.Background(), user.ID, rule.ID))

	var grant models.Grant
	require.NoError(t, db.Where("user_id = ? AND rule_id = ?", user.ID, rule.ID).First(&grant).Error)
	require.Equal(t, models.ChainStatusPending, grant.ChainStatus)

	// A second request, or one for an ungranted rule, is rejected.
	require.ErrorIs(t, sync.Apply(context.Background(), user.ID, rule.ID), ErrChainApplyRejected)
	require.ErrorIs(t, sync.Apply(context.Background(), user.ID, rule.ID+99), ErrChainApplyRejected)
}

func TestBackfillIdempotent(t *testing.T) {
	db := setupDB(t)
	chain := &fakeChain{configured: true}
	issuer := newIssuer(db, &fakePins{}, &fakeChain{})
	sync := NewChainSync(db, &fakePins{}, chain, "", quietLogger(), nil)

	user := createUser(t, db, "olga", 200)
	require.NoError(t, db.Create(&models.UserWallet{
		UserID: user.ID, WalletAddress: "0x3333333333333333333333333333333333333333",
	}).Error)
	rule := createPointsRule(t, db, 100)
	inst, err := issuer.Issue(context.Background(), user.ID, rule)
	require.NoError(t, err)

	first, err := sync.Backfill(context.Background(), inst.ID, 0)
	require.NoError(t, err)
	require.False(t, first.AlreadyMinted)
	require.NotEmpty(t, first.TxHash)

	var grant models.Grant
	require.NoError(t, db.Where("instance_id = ?", inst.ID).First(&grant).Error)
	require.Equal(t, models.ChainStatusMinted, grant.ChainStatus)

	// Replay converges on the original transaction, no second mint.
	second, err := sync.Backfill(context.Background(), inst.ID, 0)
	require.NoError(t, err)
	require.True(t, second.AlreadyMinted)
	require.Equal(t, first.TxHash, second.TxHash)
	require.Len(t, chain.mints, 1)
}

func TestBackfillRequiresWallet(t *testing.T) {
	db := setupDB(t)
	issuer := newIssuer(db, &fakePins{}, &fakeChain{})
	sync := NewChainSync(db, &fakePins{}, &fakeChain{configured: true}, "", quietLogger(), nil)

	user := createUser(t, db, "pete", 200)
	rule := createPointsRule(t, db, 100)
	inst, err := issuer.Issue(context.Background(), user.ID, rule)
	require.NoError(t, err)

	_, err = sync.Backfill(context.Background(), inst.ID, 0)
	require.ErrorIs(t, err, ErrNoWallet)

	_, err = sync.Backfill(context.Background(), inst.ID+99, 0)
	require.ErrorIs(t, err, ErrCertificateNotFound)
}

func TestBackfillPlaceholderHashWhenPinFails(t *testing.T) {
	db := setupDB(t)
	chain := &fakeChain{configured: true}
	issuer := newIssuer(db, &fakePins{fail: true}, &fakeChain{})
	sync := NewChainSync(db, &fakePins{fail: true}, chain, "", quietLogger(), nil)

	user := createUser(t, db, "quin", 200)
	require.NoError(t, db.Create(&models.UserWallet{
		UserID: user.ID, WalletAddress: "0x4444444444444444444444444444444444444444",
	}).Error)
	rule := createPointsRule(t, db, 100)
	inst, err := issuer.Issue(context.Background(), user.ID, rule)
	require.NoError(t, err)
	require.Empty(t, inst.IPFSHash)

	result, err := sync.Backfill(context.Background(), inst.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, result.TxHash)

	var got models.CertificateInstance
	require.NoError(t, db.First(&got, inst.ID).Error)
	require.True(t, strings.HasPrefix(got.IPFSHash, "QmMock"))
}

func TestRepinMissingDrainsBacklog(t *testing.T) {
	db := setupDB(t)
	issuer := newIssuer(db, &fakePins{fail: true}, &fakeChain{})
	pins := &fakePins{}
	sync := NewChainSync(db, pins, &fakeChain{}, "", quietLogger(), nil)

	user := createUser(t, db, "wade", 200)
	rule := createPointsRule(t, db, 100)
	inst, err := issuer.Issue(context.Background(), user.ID, rule)
	require.NoError(t, err)
	require.Empty(t, inst.IPFSHash)

	pinned, err := sync.RepinMissing(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, pinned)

	var got models.CertificateInstance
	require.NoError(t, db.First(&got, inst.ID).Error)
	require.NotEmpty(t, got.IPFSHash)

	// Nothing left on the second pass.
	pinned, err = sync.RepinMissing(context.Background())
	require.NoError(t, err)
	require.Zero(t, pinned)
}

func TestBackfillBatchPartialSuccess(t *testing.T) {
	db := setupDB(t)
	chain := &fakeChain{configured: true}
	issuer := newIssuer(db, &fakePins{}, &fakeChain{})
	sync := NewChainSync(db, &fakePins{}, chain,
		"0x5555555555555555555555555555555555555555", quietLogger(), nil)

	user := createUser(t, db, "ruth", 200)
	rule := createPointsRule(t, db, 100)
	inst, err := issuer.Issue(context.Background(), user.ID, rule)
	require.NoError(t, err)

	batch := sync.BackfillBatch(context.Background(), []uint{inst.ID, inst.ID + 99})
	require.Len(t, batch.Results, 1)
	require.Len(t, batch.Errors, 1)
	require.Equal(t, "success", batch.Results[0].Status)
	require.Equal(t, inst.ID, batch.Results[0].ID)
	require.Equal(t, "certificate not found", batch.Errors[0].Error)

	// Re-running the same batch reports already_minted, not a new mint.
	batch = sync.BackfillBatch(context.Background(), []uint{inst.ID})
	require.Len(t, batch.Results, 1)
	require.Equal(t, "already_minted", batch.Results[0].Status)
	require.Len(t, chain.mints, 1)
}

func TestBackfillBatchRequiresSystemWallet(t *testing.T) {
	db := setupDB(t)
	issuer := newIssuer(db, &fakePins{}, &fakeChain{})
	sync := NewChainSync(db, &fakePins{}, &fakeChain{configured: true}, "", quietLogger(), nil)

	user := createUser(t, db, "seth", 200)
	rule := createPointsRule(t, db, 100)
	inst, err := issuer.Issue(context.Background(), user.ID, rule)
	require.NoError(t, err)

	batch := sync.BackfillBatch(context.Background(), []uint{inst.ID})
	require.Empty(t, batch.Results)
	require.Len(t, batch.Errors, 1)
	require.Equal(t, "system wallet address not configured", batch.Errors[0].Error)
}

func TestMintFailureLeavesGrantValid(t *testing.T) {
	db := setupDB(t)
	chain := &fakeChain{configured: true, mintErr: ledger.ErrReverted}
	issuer := newIssuer(db, &fakePins{}, chain)

	user := createUser(t, db, "tara", 200)
	require.NoError(t, db.Create(&models.UserWallet{
		UserID: user.ID, WalletAddress: "0x6666666666666666666666666666666666666666",
	}).Error)
	rule := createPointsRule(t, db, 100)

	inst, err := issuer.Issue(context.Background(), user.ID, rule)
	require.NoError(t, err)
	require.True(t, inst.IsValid)

	var records int64
	require.NoError(t, db.Model(&models.LedgerRecord{}).Count(&records).Error)
	require.Zero(t, records)

	var grant models.Grant
	require.NoError(t, db.Where("instance_id = ?", inst.ID).First(&grant).Error)
	require.Equal(t, models.ChainStatusNone, grant.ChainStatus)
}

func TestCertificateNumberFormat(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		number := newCertificateNumber()
		require.Regexp(t, `^CERT-\d{4}-[0-9A-F]{8}$`, number)
		require.False(t, seen[number])
		seen[number] = true
	}
}
