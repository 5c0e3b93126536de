package handlers

import (
	"errors"
	"net/http"

	"github.com/LiuMou68/starchain-backend/internal/certs"
	"github.com/LiuMou68/starchain-backend/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type certificateView struct {
	models.CertificateInstance
	Chain *models.LedgerRecord `json:"chain,omitempty"`
}

func (a *API) listCertificates(c *gin.Context) {
	q := a.db.Model(&models.CertificateInstance{}).Order("certificate_instances.created_at desc")
	if userID := c.Query("userId"); userID != "" {
		q = q.Joins("JOIN grants ON grants.instance_id = certificate_instances.id").
			Where("grants.user_id = ?", userID)
	}
	var instances []models.CertificateInstance
	if err := q.Find(&instances).Error; err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a.withChainRecords(instances))
}

func (a *API) withChainRecords(instances []models.CertificateInstance) []certificateView {
	ids := make([]uint, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.ID)
	}
	records := map[uint]models.LedgerRecord{}
	if len(ids) > 0 {
		var list []models.LedgerRecord
		if err := a.db.Where("certificate_id IN ?", ids).Find(&list).Error; err == nil {
			for _, rec := range list {
				records[rec.CertificateID] = rec
			}
		}
	}
	views := make([]certificateView, 0, len(instances))
	for _, inst := range instances {
		view := certificateView{CertificateInstance: inst}
		if rec, ok := records[inst.ID]; ok {
			view.Chain = &rec
		}
		views = append(views, view)
	}
	return views
}

func (a *API) getCertificate(c *gin.Context) {
	id, ok := paramUint(c, "id")
	if !ok {
		return
	}
	var inst models.CertificateInstance
	if err := a.db.First(&inst, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "certificate not found"})
			return
		}
		a.fail(c, err)
		return
	}
	view := certificateView{CertificateInstance: inst}
	var rec models.LedgerRecord
	if err := a.db.Where("certificate_id = ?", id).First(&rec).Error; err == nil {
		view.Chain = &rec
	}
	c.JSON(http.StatusOK, view)
}

// verifyCertificate is the public lookup by human-facing number. A
// certificate without a ledger record is still valid (the chain layer is
// an enhancement, not a precondition).
func (a *API) verifyCertificate(c *gin.Context) {
	number := c.Param("number")
	var inst models.CertificateInstance
	if err := a.db.Where("number = ?", number).First(&inst).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusOK, gin.H{"valid": false})
			return
		}
		a.fail(c, err)
		return
	}
	resp := gin.H{"valid": inst.IsValid, "certificate": inst}
	var rec models.LedgerRecord
	if err := a.db.Where("certificate_id = ?", inst.ID).First(&rec).Error; err == nil {
		resp["chain"] = rec
	}
	c.JSON(http.StatusOK, resp)
}

type receiveReq struct {
	UserID        uint `json:"user_id" binding:"required"`
	CertificateID uint `json:"certificate_id" binding:"required"`
}

// receiveCertificate is the manual redemption / fallback path.
// CertificateID is the rule being redeemed.
func (a *API) receiveCertificate(c *gin.Context) {
	var req receiveReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inst, err := a.issuer.Redeem(c.Request.Context(), req.UserID, req.CertificateID)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"message":           "certificate received, waiting for admin to mint",
		"certificateNumber": inst.Number,
		"ipfsHash":          inst.IPFSHash,
	})
}

func (a *API) checkReceived(c *gin.Context) {
	var req receiveReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var count int64
	if err := a.db.Model(&models.Grant{}).
		Where("user_id = ? AND rule_id = ?", req.UserID, req.CertificateID).
		Count(&count).Error; err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"isReceived": count > 0})
}

type applyChainReq struct {
	UserID        uint `json:"userId" binding:"required"`
	CertificateID uint `json:"certificateId" binding:"required"`
}

func (a *API) applyChain(c *gin.Context) {
	var req applyChainReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.chainSync.Apply(c.Request.Context(), req.UserID, req.CertificateID); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "chain sync requested, waiting for admin approval"})
}

type syncChainReq struct {
	UserID uint `json:"userId"`
}

// syncChain backfills one certificate onto the ledger, minting to the
// holder's own wallet.
func (a *API) syncChain(c *gin.Context) {
	id, ok := paramUint(c, "id")
	if !ok {
		return
	}
	// Body is optional; without a userId the owner falls back to the
	// grant holder.
	var req syncChainReq
	_ = c.ShouldBindJSON(&req)
	result, err := a.chainSync.Backfill(c.Request.Context(), id, req.UserID)
	if err != nil {
		a.fail(c, err)
		return
	}
	if result.AlreadyMinted {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "certificate already on chain", "txHash": result.TxHash})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "txHash": result.TxHash, "tokenId": result.TokenID})
}

func (a *API) autoIssueCheck(c *gin.Context) {
	result, err := a.sweeper.SweepAll(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"checked": result.Checked,
		"issued":  result.Issued,
	})
}

type autoIssueCheckUserReq struct {
	UserID      uint   `json:"userId" binding:"required"`
	TriggerType string `json:"triggerType"`
	ActivityID  uint   `json:"activityId"`
}

func (a *API) autoIssueCheckUser(c *gin.Context) {
	var req autoIssueCheckUserReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	trig := certs.Trigger{Kind: certs.TriggerPoints}
	if req.TriggerType == string(certs.TriggerActivity) {
		if req.ActivityID == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "activityId required for activity trigger"})
			return
		}
		trig = certs.Trigger{Kind: certs.TriggerActivity, ActivityID: req.ActivityID}
	}

	rules, err := a.evaluator.Evaluate(c.Request.Context(), req.UserID, trig)
	if err != nil {
		a.fail(c, err)
		return
	}
	issued := 0
	for _, rule := range rules {
		if _, err := a.issuer.Issue(c.Request.Context(), req.UserID, rule); err != nil {
			if errors.Is(err, certs.ErrAlreadyGranted) {
				continue
			}
			a.logger.Error("auto-issue failed", "user_id", req.UserID, "rule_id", rule.ID, "error", err)
			continue
		}
		issued++
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"checked": len(rules),
		"issued":  issued,
	})
}

// revokeGrant removes a grant and cascades to its certificate instance
// and any ledger record. The on-chain token itself is immutable; only
// the local records go away.
func (a *API) revokeGrant(c *gin.Context) {
	if _, ok := a.requireRole(c, models.RoleAdmin); !ok {
		return
	}
	id, ok := paramUint(c, "id")
	if !ok {
		return
	}
	err := a.db.Transaction(func(tx *gorm.DB) error {
		var grant models.Grant
		if err := tx.First(&grant, id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.Grant{}, id).Error; err != nil {
			return err
		}
		if err := tx.Where("certificate_id = ?", grant.InstanceID).
			Delete(&models.LedgerRecord{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.CertificateInstance{}, grant.InstanceID).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "grant not found"})
			return
		}
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
