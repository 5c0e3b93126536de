package certs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LiuMou68/starchain-backend/internal/ipfs"
	"github.com/LiuMou68/starchain-backend/internal/ledger"
	"github.com/LiuMou68/starchain-backend/internal/models"

	"gorm.io/gorm"
)

// Issuer performs the atomic grant transaction and the best-effort
// post-commit side effects (content pin, on-chain mint). A certificate
// exists and is valid the moment the transaction commits; the chain and
// content layers are enhancements, never preconditions.
type Issuer struct {
	db      *gorm.DB
	pins    ipfs.Client
	chain   ledger.Client
	logger  *slog.Logger
	metrics *Metrics
}

func NewIssuer(db *gorm.DB, pins ipfs.Client, chain ledger.Client, logger *slog.Logger, metrics *Metrics) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{db: db, pins: pins, chain: chain, logger: logger, metrics: metrics}
}

// Issue grants rule to userID. The certificate instance and the grant
// row commit in one transaction; the composite unique index on the
// grant turns a lost race into ErrAlreadyGranted instead of a second
// grant. Side effects run after commit and never unwind it.
func (s *Issuer) Issue(ctx context.Context, userID uint, rule models.Rule) (*models.CertificateInstance, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	inst := s.newInstance(&user, &rule)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&inst).Error; err != nil {
			return err
		}
		grant := models.Grant{
			UserID:      userID,
			RuleID:      rule.ID,
			InstanceID:  inst.ID,
			ChainStatus: models.ChainStatusNone,
		}
		if err := tx.Create(&grant).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyGranted
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.certIssued("auto")
	s.logger.Info("certificate issued",
		"user_id", userID, "rule_id", rule.ID,
		"certificate", inst.Number)
	s.finalize(ctx, &user, &inst, true)
	return &inst, nil
}

// Redeem is the manual/fallback path. Exchange rules debit the points
// price atomically with the grant. Auto rules re-validate the issuance
// condition server-side instead of trusting the caller; they exist as a
// safety valve for missed event triggers. The mint is left to the admin
// batch, so redeemed certificates only get pinned here.
func (s *Issuer) Redeem(ctx context.Context, userID, ruleID uint) (*models.CertificateInstance, error) {
	var (
		user models.User
		rule models.Rule
		inst models.CertificateInstance
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&rule, ruleID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRuleNotFound
			}
			return err
		}
		if err := tx.First(&user, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		if rule.AutoIssue {
			ok, err := s.conditionMet(tx, &user, &rule)
			if err != nil {
				return err
			}
			if !ok {
				return ErrNotEligible
			}
		}

		var count int64
		if err := tx.Model(&models.Grant{}).
			Where("user_id = ? AND rule_id = ?", userID, ruleID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyGranted
		}

		if user.Points < rule.NeedPoints {
			return ErrInsufficientPoints
		}
		if rule.NeedPoints > 0 {
			if err := tx.Model(&models.User{}).Where("id = ?", userID).
				Update("points", gorm.Expr("points - ?", rule.NeedPoints)).Error; err != nil {
				return err
			}
			event := models.PointsEvent{
				UserID: userID,
				Title:  fmt.Sprintf("Certificate exchange: %s", rule.Name),
				Points: -rule.NeedPoints,
			}
			if err := tx.Create(&event).Error; err != nil {
				return err
			}
		}

		inst = s.newInstance(&user, &rule)
		if err := tx.Create(&inst).Error; err != nil {
			return err
		}
		grant := models.Grant{
			UserID:      userID,
			RuleID:      ruleID,
			InstanceID:  inst.ID,
			ChainStatus: models.ChainStatusNone,
		}
		if err := tx.Create(&grant).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyGranted
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.certIssued("manual")
	s.logger.Info("certificate redeemed",
		"user_id", userID, "rule_id", ruleID,
		"certificate", inst.Number, "points_spent", rule.NeedPoints)
	s.finalize(ctx, &user, &inst, false)
	return &inst, nil
}

func (s *Issuer) conditionMet(tx *gorm.DB, user *models.User, rule *models.Rule) (bool, error) {
	switch rule.ConditionType {
	case models.ConditionPoints:
		return user.Points >= rule.ConditionValue, nil
	case models.ConditionActivity:
		var count int64
		err := tx.Model(&models.Participation{}).
			Where("activity_id = ? AND user_id = ? AND status IN ?",
				rule.ConditionValue, user.ID,
				[]string{models.ParticipationAwarded, models.ParticipationCompleted}).
			Count(&count).Error
		if err != nil {
			return false, err
		}
		return count > 0, nil
	default:
		return false, nil
	}
}

func (s *Issuer) newInstance(user *models.User, rule *models.Rule) models.CertificateInstance {
	return models.CertificateInstance{
		Number:       newCertificateNumber(),
		HolderName:   user.Username,
		HolderID:     user.StudentID,
		Type:         rule.Name,
		Organization: Organization,
		Description:  rule.Description,
		Image:        rule.Image,
		IsValid:      true,
		IssueDate:    time.Now().Format("2006-01-02"),
	}
}

// finalize runs the post-commit side effects. Every step is best-effort:
// failures are logged and counted, and the sweep or a chain-sync
// backfill picks up whatever is left undone.
func (s *Issuer) finalize(ctx context.Context, user *models.User, inst *models.CertificateInstance, allowMint bool) {
	hash, err := s.pins.PinJSON(ctx, documentFor(inst), fmt.Sprintf("certificate_%s.json", inst.Number))
	s.metrics.pinOutcome(err == nil)
	if err != nil {
		s.logger.Warn("content pin failed, certificate stays valid without it",
			"certificate", inst.Number, "error", err)
	} else {
		inst.IPFSHash = hash
		if err := s.db.WithContext(ctx).Model(inst).Update("ipfs_hash", hash).Error; err != nil {
			s.logger.Warn("failed to record content hash", "certificate", inst.Number, "error", err)
		}
	}

	if !allowMint || inst.IPFSHash == "" || s.chain == nil || !s.chain.Configured() {
		return
	}
	var wallet models.UserWallet
	if err := s.db.WithContext(ctx).Where("user_id = ?", user.ID).First(&wallet).Error; err != nil {
		return
	}

	res, err := s.chain.Mint(ctx, wallet.WalletAddress, inst.Number, ipfsURI(inst.IPFSHash))
	s.metrics.mintOutcome(err == nil)
	if err != nil {
		s.logger.Warn("mint failed, left for chain-sync backfill",
			"certificate", inst.Number, "error", err)
		return
	}
	record := models.LedgerRecord{
		CertificateID:     inst.ID,
		CertificateNumber: inst.Number,
		TokenID:           res.TokenID,
		TxHash:            res.TxHash,
		BlockNumber:       res.BlockNumber,
		IPFSHash:          inst.IPFSHash,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logger.Error("mint succeeded but ledger record insert failed",
			"certificate", inst.Number, "tx", res.TxHash, "error", err)
		return
	}
	if err := s.db.WithContext(ctx).Model(&models.Grant{}).
		Where("instance_id = ?", inst.ID).
		Update("chain_status", models.ChainStatusMinted).Error; err != nil {
		s.logger.Warn("failed to flip chain status", "certificate", inst.Number, "error", err)
	}
	s.logger.Info("certificate minted", "certificate", inst.Number, "tx", res.TxHash, "token_id", res.TokenID)
}
