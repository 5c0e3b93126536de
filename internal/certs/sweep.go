package certs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/LiuMou68/starchain-backend/internal/models"

	"gorm.io/gorm"
)

// Sweeper is the reconciliation backstop: it re-derives every grant the
// event-driven path should have produced and issues whatever is missing.
// Safe to run repeatedly and concurrently with the event path; the
// grant uniqueness constraint makes double-issuance impossible.
type Sweeper struct {
	db     *gorm.DB
	issuer *Issuer
	logger *slog.Logger
}

func NewSweeper(db *gorm.DB, issuer *Issuer, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{db: db, issuer: issuer, logger: logger}
}

type SweepResult struct {
	Checked int `json:"checked"`
	Issued  int `json:"issued"`
}

// SweepAll scans every enabled auto-issuance rule against all eligible
// users in bulk and issues the missing grants.
func (s *Sweeper) SweepAll(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	var rules []models.Rule
	err := s.db.WithContext(ctx).
		Where("auto_issue = ? AND auto_issue_enabled = ?", true, true).
		Find(&rules).Error
	if err != nil {
		return result, err
	}

	for _, rule := range rules {
		users, err := s.eligibleUsers(ctx, rule)
		if err != nil {
			s.logger.Error("sweep: eligible-user query failed", "rule_id", rule.ID, "error", err)
			continue
		}
		result.Checked += len(users)
		for _, user := range users {
			var count int64
			if err := s.db.WithContext(ctx).Model(&models.Grant{}).
				Where("user_id = ? AND rule_id = ?", user.ID, rule.ID).
				Count(&count).Error; err != nil {
				s.logger.Error("sweep: grant lookup failed", "user_id", user.ID, "rule_id", rule.ID, "error", err)
				continue
			}
			if count > 0 {
				continue
			}
			if _, err := s.issuer.Issue(ctx, user.ID, rule); err != nil {
				// A concurrent issue winning the race is fine.
				if errors.Is(err, ErrAlreadyGranted) {
					continue
				}
				s.logger.Error("sweep: issuance failed", "user_id", user.ID, "rule_id", rule.ID, "error", err)
				continue
			}
			result.Issued++
		}
	}
	return result, nil
}

func (s *Sweeper) eligibleUsers(ctx context.Context, rule models.Rule) ([]models.User, error) {
	var users []models.User
	switch rule.ConditionType {
	case models.ConditionPoints:
		err := s.db.WithContext(ctx).
			Where("points >= ? AND role = ?", rule.ConditionValue, models.RoleStudent).
			Find(&users).Error
		return users, err
	case models.ConditionActivity:
		err := s.db.WithContext(ctx).Model(&models.User{}).
			Distinct("users.*").
			Joins("JOIN participations ON participations.user_id = users.id").
			Where("participations.activity_id = ? AND participations.status IN ?",
				rule.ConditionValue,
				[]string{models.ParticipationAwarded, models.ParticipationCompleted}).
			Where("users.role = ?", models.RoleStudent).
			Find(&users).Error
		return users, err
	default:
		return nil, nil
	}
}
