package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/LiuMou68/starchain-backend/internal/events"
	"github.com/LiuMou68/starchain-backend/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type createActivityReq struct {
	Title           string `json:"title" binding:"required"`
	Description     string `json:"description"`
	Category        string `json:"category"`
	StartDate       string `json:"start_date" binding:"required"`
	EndDate         string `json:"end_date"`
	Location        string `json:"location"`
	MaxParticipants int    `json:"max_participants"`
	PointsReward    int    `json:"points_reward" binding:"required,gt=0"`
}

func (a *API) createActivity(c *gin.Context) {
	admin, ok := a.requireRole(c, models.RoleActivityAdmin, models.RoleAdmin)
	if !ok {
		return
	}
	var req createActivityReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	activity := models.Activity{
		Title:           req.Title,
		Description:     req.Description,
		Category:        req.Category,
		StartDate:       req.StartDate,
		EndDate:         req.EndDate,
		Location:        req.Location,
		MaxParticipants: req.MaxParticipants,
		PointsReward:    req.PointsReward,
		Status:          models.ActivityPublished,
		CreatedBy:       admin.ID,
	}
	if err := a.db.Create(&activity).Error; err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, activity)
}

func (a *API) listActivities(c *gin.Context) {
	q := a.db.Order("created_at desc")
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	if category := c.Query("category"); category != "" {
		q = q.Where("category = ?", category)
	}
	var activities []models.Activity
	if err := q.Find(&activities).Error; err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, activities)
}

func (a *API) getActivity(c *gin.Context) {
	id, ok := paramUint(c, "id")
	if !ok {
		return
	}
	var activity models.Activity
	if err := a.db.First(&activity, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "activity not found"})
			return
		}
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, activity)
}

type joinActivityReq struct {
	UserID uint `json:"userId" binding:"required"`
}

func (a *API) joinActivity(c *gin.Context) {
	id, ok := paramUint(c, "id")
	if !ok {
		return
	}
	var req joinActivityReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := a.db.Transaction(func(tx *gorm.DB) error {
		var activity models.Activity
		if err := tx.First(&activity, id).Error; err != nil {
			return err
		}
		if activity.Status != models.ActivityPublished && activity.Status != models.ActivityOngoing {
			return errActivityClosed
		}
		if activity.MaxParticipants > 0 {
			var count int64
			if err := tx.Model(&models.Participation{}).
				Where("activity_id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count >= int64(activity.MaxParticipants) {
				return errActivityFull
			}
		}
		return tx.Create(&models.Participation{
			ActivityID: id,
			UserID:     req.UserID,
			Status:     models.ParticipationJoined,
		}).Error
	})
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "activity not found"})
		case errors.Is(err, errActivityClosed):
			c.JSON(http.StatusBadRequest, gin.H{"error": "activity is not open for participation"})
		case errors.Is(err, errActivityFull):
			c.JSON(http.StatusBadRequest, gin.H{"error": "activity is full"})
		case errors.Is(err, gorm.ErrDuplicatedKey):
			c.JSON(http.StatusBadRequest, gin.H{"error": "already joined this activity"})
		default:
			a.fail(c, err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

var (
	errActivityClosed = errors.New("activity closed")
	errActivityFull   = errors.New("activity full")
)

// endActivity closes the activity and awards its points to everyone who
// joined, inside one transaction. The auto-issuance triggers fire after
// commit, once per awarded participant.
func (a *API) endActivity(c *gin.Context) {
	if _, ok := a.requireRole(c, models.RoleActivityAdmin, models.RoleAdmin); !ok {
		return
	}
	id, ok := paramUint(c, "id")
	if !ok {
		return
	}

	var awarded []models.Participation
	err := a.db.Transaction(func(tx *gorm.DB) error {
		var activity models.Activity
		if err := tx.First(&activity, id).Error; err != nil {
			return err
		}
		if activity.Status == models.ActivityEnded {
			return errActivityClosed
		}
		if err := tx.Model(&activity).Update("status", models.ActivityEnded).Error; err != nil {
			return err
		}

		var participants []models.Participation
		if err := tx.Where("activity_id = ? AND status = ?", id, models.ParticipationJoined).
			Find(&participants).Error; err != nil {
			return err
		}
		now := time.Now()
		for i := range participants {
			p := &participants[i]
			if err := tx.Model(&models.User{}).Where("id = ?", p.UserID).
				Update("points", gorm.Expr("points + ?", activity.PointsReward)).Error; err != nil {
				return err
			}
			if err := tx.Create(&models.PointsEvent{
				UserID: p.UserID,
				Title:  "Activity reward: " + activity.Title,
				Points: activity.PointsReward,
			}).Error; err != nil {
				return err
			}
			if err := tx.Model(p).Updates(map[string]any{
				"status":         models.ParticipationAwarded,
				"points_awarded": activity.PointsReward,
				"awarded_at":     now,
			}).Error; err != nil {
				return err
			}
		}
		awarded = participants
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "activity not found"})
		case errors.Is(err, errActivityClosed):
			c.JSON(http.StatusBadRequest, gin.H{"error": "activity already ended"})
		default:
			a.fail(c, err)
		}
		return
	}

	for _, p := range awarded {
		a.bus.Publish(events.New(events.EventPointsChanged, events.PointsChanged{UserID: p.UserID, Delta: p.PointsAwarded}))
		a.bus.Publish(events.New(events.EventActivityCompleted, events.ActivityCompleted{UserID: p.UserID, ActivityID: id}))
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "awarded": len(awarded)})
}
