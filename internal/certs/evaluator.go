package certs

import (
	"context"
	"errors"
	"fmt"

	"github.com/LiuMou68/starchain-backend/internal/models"

	"gorm.io/gorm"
)

// Evaluator decides which enabled auto-issuance rules a user newly
// satisfies. It is a pure read path and never mutates anything.
type Evaluator struct {
	db *gorm.DB
}

func NewEvaluator(db *gorm.DB) *Evaluator {
	return &Evaluator{db: db}
}

// Evaluate returns the rules matching trig that userID satisfies and has
// not yet been granted. Re-running it after issuance returns nothing for
// the granted rules; that grant-existence check is the idempotency gate.
func (e *Evaluator) Evaluate(ctx context.Context, userID uint, trig Trigger) ([]models.Rule, error) {
	var user models.User
	if err := e.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	q := e.db.WithContext(ctx).
		Where("auto_issue = ? AND auto_issue_enabled = ?", true, true)
	switch trig.Kind {
	case TriggerPoints:
		q = q.Where("condition_type = ?", models.ConditionPoints)
	case TriggerActivity:
		if trig.ActivityID == 0 {
			return nil, fmt.Errorf("certs: activity trigger requires an activity id")
		}
		q = q.Where("condition_type = ? AND condition_value = ?", models.ConditionActivity, trig.ActivityID)
	default:
		return nil, fmt.Errorf("certs: unknown trigger kind %q", trig.Kind)
	}

	var rules []models.Rule
	if err := q.Find(&rules).Error; err != nil {
		return nil, err
	}

	var satisfied []models.Rule
	for _, rule := range rules {
		ok, err := e.satisfies(ctx, &user, rule)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		granted, err := e.granted(ctx, userID, rule.ID)
		if err != nil {
			return nil, err
		}
		if granted {
			continue
		}
		satisfied = append(satisfied, rule)
	}
	return satisfied, nil
}

func (e *Evaluator) satisfies(ctx context.Context, user *models.User, rule models.Rule) (bool, error) {
	switch rule.ConditionType {
	case models.ConditionPoints:
		return user.Points >= rule.ConditionValue, nil
	case models.ConditionActivity:
		// Only finished participation counts; joined does not.
		var count int64
		err := e.db.WithContext(ctx).Model(&models.Participation{}).
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

func (e *Evaluator) granted(ctx context.Context, userID, ruleID uint) (bool, error) {
	var count int64
	err := e.db.WithContext(ctx).Model(&models.Grant{}).
		Where("user_id = ? AND rule_id = ?", userID, ruleID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
