package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/LiuMou68/starchain-backend/internal/certs"
	"github.com/LiuMou68/starchain-backend/internal/events"
	"github.com/LiuMou68/starchain-backend/internal/ledger"
	"github.com/LiuMou68/starchain-backend/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// API holds the route handlers and their dependencies. Constructed once
// at the composition root; no package-level state.
type API struct {
	db        *gorm.DB
	evaluator *certs.Evaluator
	issuer    *certs.Issuer
	sweeper   *certs.Sweeper
	chainSync *certs.ChainSync
	bus       *events.Bus
	logger    *slog.Logger
}

func New(
	db *gorm.DB,
	evaluator *certs.Evaluator,
	issuer *certs.Issuer,
	sweeper *certs.Sweeper,
	chainSync *certs.ChainSync,
	bus *events.Bus,
	logger *slog.Logger,
) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		db:        db,
		evaluator: evaluator,
		issuer:    issuer,
		sweeper:   sweeper,
		chainSync: chainSync,
		bus:       bus,
		logger:    logger,
	}
}

func (a *API) RegisterRoutes(r *gin.Engine) {
	r.GET("/api/health", a.health)

	r.POST("/api/auth/register", a.register)
	r.POST("/api/auth/login", a.login)
	r.POST("/api/auth/change-password", a.changePassword)

	r.GET("/api/user/:userId", a.getUser)
	r.GET("/api/user/:userId/wallet", a.getWallet)
	r.POST("/api/user/wallet", a.bindWallet)
	r.POST("/api/user/check-in", a.checkIn)

	r.GET("/api/points/events/:userId", a.listPointsEvents)
	r.GET("/api/points/ranking", a.pointsRanking)

	r.POST("/api/activities", a.createActivity)
	r.GET("/api/activities", a.listActivities)
	r.GET("/api/activities/:id", a.getActivity)
	r.POST("/api/activities/:id/join", a.joinActivity)
	r.POST("/api/activities/:id/end", a.endActivity)

	r.POST("/api/certificate-rules", a.createRule)
	r.GET("/api/certificate-rules", a.listRules)
	r.GET("/api/certificate-rules/student", a.listRulesForStudent)
	r.DELETE("/api/certificate-rules/:id", a.deleteRule)

	r.GET("/api/certificates", a.listCertificates)
	r.GET("/api/certificates/verify/:number", a.verifyCertificate)
	r.GET("/api/certificates/:id", a.getCertificate)
	r.POST("/api/certificates/receive", a.receiveCertificate)
	r.POST("/api/certificates/check-received", a.checkReceived)
	r.POST("/api/certificates/apply-chain", a.applyChain)
	r.POST("/api/certificates/:id/sync-chain", a.syncChain)
	r.POST("/api/certificates/auto-issue/check", a.autoIssueCheck)
	r.POST("/api/certificates/auto-issue/check-user", a.autoIssueCheckUser)
	r.DELETE("/api/user-certificates/:id", a.revokeGrant)

	r.GET("/api/admin/stats", a.adminStats)
	r.GET("/api/admin/issued-certificates", a.issuedCertificates)
	r.POST("/api/admin/mint-batch", a.mintBatch)
	r.POST("/api/admin/repin-missing", a.repinMissing)
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fail maps core sentinel errors onto the HTTP error taxonomy. Anything
// unrecognized is an internal error with details.
func (a *API) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, certs.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	case errors.Is(err, certs.ErrRuleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "certificate rule not found"})
	case errors.Is(err, certs.ErrCertificateNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "certificate not found"})
	case errors.Is(err, certs.ErrAlreadyGranted):
		c.JSON(http.StatusBadRequest, gin.H{"error": "certificate already received"})
	case errors.Is(err, certs.ErrInsufficientPoints):
		c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient points"})
	case errors.Is(err, certs.ErrNotEligible):
		c.JSON(http.StatusForbidden, gin.H{"error": "issuance condition not satisfied"})
	case errors.Is(err, certs.ErrNoWallet):
		c.JSON(http.StatusBadRequest, gin.H{"error": "no wallet bound, bind a wallet first"})
	case errors.Is(err, certs.ErrOwnerUnknown):
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot determine certificate owner"})
	case errors.Is(err, certs.ErrChainApplyRejected):
		c.JSON(http.StatusBadRequest, gin.H{"error": "certificate not received or chain sync already requested"})
	case errors.Is(err, ledger.ErrDuplicateOnChain):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "certificate number already exists on chain"})
	case errors.Is(err, ledger.ErrABIMismatch):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "contract ABI mismatch, redeploy the contract and restart the backend"})
	case errors.Is(err, certs.ErrChainUnavailable), errors.Is(err, ledger.ErrNotConfigured):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "chain service unavailable or admin account not configured"})
	case errors.Is(err, certs.ErrSystemWalletUnset):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "system wallet address not configured"})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		a.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "details": err.Error()})
	}
}

func paramUint(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(v), true
}

// requireRole loads the calling user from the X-User-Id header and
// checks the role. Matches the original header-based admin gate; a real
// session layer is out of scope.
func (a *API) requireRole(c *gin.Context, roles ...string) (*models.User, bool) {
	header := c.GetHeader("X-User-Id")
	if header == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not logged in"})
		return nil, false
	}
	id, err := strconv.ParseUint(header, 10, 32)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid user header"})
		return nil, false
	}
	var user models.User
	if err := a.db.First(&user, uint(id)).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not logged in"})
		return nil, false
	}
	for _, role := range roles {
		if user.Role == role {
			return &user, true
		}
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
	return nil, false
}
