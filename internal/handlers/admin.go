package handlers

import (
	"net/http"

	"github.com/LiuMou68/starchain-backend/internal/models"

	"github.com/gin-gonic/gin"
)

func (a *API) adminStats(c *gin.Context) {
	if _, ok := a.requireRole(c, models.RoleAdmin); !ok {
		return
	}
	var stats struct {
		Users        int64 `json:"users"`
		Activities   int64 `json:"activities"`
		Rules        int64 `json:"rules"`
		Certificates int64 `json:"certificates"`
		Minted       int64 `json:"minted"`
	}
	counts := []struct {
		model any
		dst   *int64
	}{
		{&models.User{}, &stats.Users},
		{&models.Activity{}, &stats.Activities},
		{&models.Rule{}, &stats.Rules},
		{&models.CertificateInstance{}, &stats.Certificates},
		{&models.LedgerRecord{}, &stats.Minted},
	}
	for _, cnt := range counts {
		if err := a.db.Model(cnt.model).Count(cnt.dst).Error; err != nil {
			a.fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, stats)
}

type issuedCertificateRow struct {
	GrantID           uint   `json:"grantId"`
	CertificateID     uint   `json:"certificateId"`
	CertificateNumber string `json:"certificateNumber"`
	CertificateType   string `json:"certificateType"`
	UserID            uint   `json:"userId"`
	Username          string `json:"username"`
	StudentID         string `json:"studentId"`
	IPFSHash          string `json:"ipfsHash" gorm:"column:ipfs_hash"`
	ChainStatus       string `json:"chainStatus"`
	IssueDate         string `json:"issueDate"`
}

// issuedCertificates is the admin's mint work queue: every grant joined
// with its instance and holder, newest first.
func (a *API) issuedCertificates(c *gin.Context) {
	if _, ok := a.requireRole(c, models.RoleAdmin); !ok {
		return
	}
	var rows []issuedCertificateRow
	err := a.db.Model(&models.Grant{}).
		Select(`grants.id as grant_id,
			certificate_instances.id as certificate_id,
			certificate_instances.number as certificate_number,
			certificate_instances.type as certificate_type,
			users.id as user_id,
			users.username,
			users.student_id,
			certificate_instances.ipfs_hash,
			grants.chain_status,
			certificate_instances.issue_date`).
		Joins("JOIN certificate_instances ON certificate_instances.id = grants.instance_id").
		Joins("JOIN users ON users.id = grants.user_id").
		Order("grants.created_at desc").
		Scan(&rows).Error
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

type mintBatchReq struct {
	CertificateIDs []uint `json:"certificateIds"`
}

// mintBatch mints the given certificates to the system wallet. Partial
// success comes back as 207 so the caller can retry just the failures.
func (a *API) mintBatch(c *gin.Context) {
	if _, ok := a.requireRole(c, models.RoleAdmin); !ok {
		return
	}
	var req mintBatchReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.CertificateIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "certificateIds must not be empty"})
		return
	}

	batch := a.chainSync.BackfillBatch(c.Request.Context(), req.CertificateIDs)
	status := http.StatusOK
	switch {
	case len(batch.Results) == 0:
		status = http.StatusBadRequest
	case len(batch.Errors) > 0:
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{
		"success": len(batch.Errors) == 0,
		"results": batch.Results,
		"errors":  batch.Errors,
	})
}

// repinMissing drains the backlog of certificates whose content pin
// failed at issuance time.
func (a *API) repinMissing(c *gin.Context) {
	if _, ok := a.requireRole(c, models.RoleAdmin); !ok {
		return
	}
	pinned, err := a.chainSync.RepinMissing(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "repinned": pinned})
}
