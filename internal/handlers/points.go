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

const baseCheckInPoints = 5

// consecutiveBonus returns the streak bonus and its label. Longer
// streak milestones win over shorter ones.
func consecutiveBonus(days int) (int, string) {
	switch {
	case days%365 == 0:
		return 100, "one-year check-in streak bonus"
	case days%180 == 0:
		return 50, "half-year check-in streak bonus"
	case days%30 == 0:
		return 30, "one-month check-in streak bonus"
	case days%15 == 0:
		return 20, "half-month check-in streak bonus"
	case days%7 == 0:
		return 10, "seven-day check-in streak bonus"
	default:
		return 0, ""
	}
}

type checkInReq struct {
	UserID uint `json:"userId" binding:"required"`
}

func (a *API) checkIn(c *gin.Context) {
	var req checkInReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	today := time.Now().Format("2006-01-02")
	var (
		pointsAdded     int
		consecutiveDays int
		rewardMessage   string
	)
	err := a.db.Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, req.UserID).Error; err != nil {
			return err
		}

		var last models.CheckIn
		consecutiveDays = 1
		err := tx.Where("user_id = ?", req.UserID).
			Order("check_in_date desc").First(&last).Error
		if err == nil {
			lastDate, perr := time.Parse("2006-01-02", last.CheckInDate)
			todayDate, _ := time.Parse("2006-01-02", today)
			if perr == nil && todayDate.Sub(lastDate) == 24*time.Hour {
				consecutiveDays = last.ConsecutiveDays + 1
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		checkIn := models.CheckIn{
			UserID:          req.UserID,
			CheckInDate:     today,
			ConsecutiveDays: consecutiveDays,
		}
		if err := tx.Create(&checkIn).Error; err != nil {
			return err
		}

		bonus, label := consecutiveBonus(consecutiveDays)
		pointsAdded = baseCheckInPoints + bonus
		rewardMessage = "daily check-in"
		if label != "" {
			rewardMessage = label
		}

		if err := tx.Model(&models.User{}).Where("id = ?", req.UserID).
			Update("points", gorm.Expr("points + ?", pointsAdded)).Error; err != nil {
			return err
		}
		return tx.Create(&models.PointsEvent{
			UserID:            req.UserID,
			Title:             rewardMessage,
			Points:            pointsAdded,
			ConsecutiveReward: bonus > 0,
		}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "already checked in today"})
			return
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		a.fail(c, err)
		return
	}

	a.bus.Publish(events.New(events.EventPointsChanged, events.PointsChanged{
		UserID: req.UserID,
		Delta:  pointsAdded,
	}))

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"pointsAdded":     pointsAdded,
		"consecutiveDays": consecutiveDays,
		"rewardMessage":   rewardMessage,
	})
}

func (a *API) listPointsEvents(c *gin.Context) {
	id, ok := paramUint(c, "userId")
	if !ok {
		return
	}
	var list []models.PointsEvent
	if err := a.db.Where("user_id = ?", id).Order("created_at desc").Limit(100).Find(&list).Error; err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (a *API) pointsRanking(c *gin.Context) {
	var users []models.User
	if err := a.db.Where("role = ?", models.RoleStudent).
		Order("points desc").Limit(50).Find(&users).Error; err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}
