package handlers

import (
	"net/http"
	"strconv"

	"github.com/LiuMou68/starchain-backend/internal/models"

	"github.com/gin-gonic/gin"
)

type createRuleReq struct {
	Name             string `json:"name" binding:"required"`
	Description      string `json:"description" binding:"required"`
	Image            string `json:"image"`
	NeedPoints       int    `json:"need_points"`
	AutoIssue        bool   `json:"auto_issue"`
	ConditionType    string `json:"condition_type"`
	ConditionValue   int    `json:"condition_value"`
	AutoIssueEnabled bool   `json:"auto_issue_enabled"`
}

func (a *API) createRule(c *gin.Context) {
	if _, ok := a.requireRole(c, models.RoleAdmin, models.RoleActivityAdmin); !ok {
		return
	}
	var req createRuleReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule := models.Rule{
		Name:        req.Name,
		Description: req.Description,
		Image:       req.Image,
	}
	if req.AutoIssue {
		if req.ConditionType != models.ConditionPoints && req.ConditionType != models.ConditionActivity {
			c.JSON(http.StatusBadRequest, gin.H{"error": "condition_type must be points or activity"})
			return
		}
		if req.ConditionValue <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "condition_value must be positive"})
			return
		}
		if req.ConditionType == models.ConditionActivity {
			var count int64
			if err := a.db.Model(&models.Activity{}).
				Where("id = ?", req.ConditionValue).Count(&count).Error; err != nil {
				a.fail(c, err)
				return
			}
			if count == 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "referenced activity does not exist"})
				return
			}
		}
		rule.AutoIssue = true
		rule.ConditionType = req.ConditionType
		rule.ConditionValue = req.ConditionValue
		rule.AutoIssueEnabled = req.AutoIssueEnabled
		// Auto-issued certificates are free; the price field only means
		// something for exchange rules.
		rule.NeedPoints = 0
	} else {
		if req.NeedPoints < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "need_points must not be negative"})
			return
		}
		rule.NeedPoints = req.NeedPoints
	}

	if err := a.db.Create(&rule).Error; err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (a *API) listRules(c *gin.Context) {
	var rules []models.Rule
	if err := a.db.Order("created_at desc").Find(&rules).Error; err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

type studentRuleView struct {
	models.Rule
	Received    bool   `json:"received"`
	ChainStatus string `json:"chain_status,omitempty"`
}

// listRulesForStudent annotates each rule with whether the given user
// already holds its certificate and its chain sync state.
func (a *API) listRulesForStudent(c *gin.Context) {
	userID, err := strconv.ParseUint(c.Query("userId"), 10, 32)
	if err != nil || userID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid userId"})
		return
	}

	var rules []models.Rule
	if err := a.db.Order("created_at desc").Find(&rules).Error; err != nil {
		a.fail(c, err)
		return
	}
	var grants []models.Grant
	if err := a.db.Where("user_id = ?", uint(userID)).Find(&grants).Error; err != nil {
		a.fail(c, err)
		return
	}
	granted := make(map[uint]models.Grant, len(grants))
	for _, g := range grants {
		granted[g.RuleID] = g
	}

	views := make([]studentRuleView, 0, len(rules))
	for _, rule := range rules {
		view := studentRuleView{Rule: rule}
		if g, ok := granted[rule.ID]; ok {
			view.Received = true
			view.ChainStatus = g.ChainStatus
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, views)
}

// deleteRule removes the policy only. Already-granted certificates stay
// behind; revocation is a separate admin action.
func (a *API) deleteRule(c *gin.Context) {
	if _, ok := a.requireRole(c, models.RoleAdmin, models.RoleActivityAdmin); !ok {
		return
	}
	id, ok := paramUint(c, "id")
	if !ok {
		return
	}
	res := a.db.Delete(&models.Rule{}, id)
	if res.Error != nil {
		a.fail(c, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "certificate rule not found"})
		return
	}
	c.Status(http.StatusNoContent)
}
