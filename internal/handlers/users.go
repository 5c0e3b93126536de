package handlers

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/LiuMou68/starchain-backend/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var walletAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

func (a *API) getUser(c *gin.Context) {
	id, ok := paramUint(c, "userId")
	if !ok {
		return
	}
	var user models.User
	if err := a.db.First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (a *API) getWallet(c *gin.Context) {
	id, ok := paramUint(c, "userId")
	if !ok {
		return
	}
	var wallet models.UserWallet
	if err := a.db.Where("user_id = ?", id).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusOK, gin.H{"walletAddress": nil})
			return
		}
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"walletAddress": wallet.WalletAddress})
}

type bindWalletReq struct {
	UserID        uint   `json:"userId" binding:"required"`
	WalletAddress string `json:"walletAddress" binding:"required"`
}

func (a *API) bindWallet(c *gin.Context) {
	var req bindWalletReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !walletAddressRe.MatchString(req.WalletAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wallet address format"})
		return
	}

	err := a.db.Transaction(func(tx *gorm.DB) error {
		var existing models.UserWallet
		err := tx.Where("user_id = ?", req.UserID).First(&existing).Error
		switch {
		case err == nil:
			return tx.Model(&existing).Update("wallet_address", req.WalletAddress).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&models.UserWallet{
				UserID:        req.UserID,
				WalletAddress: req.WalletAddress,
			}).Error
		default:
			return err
		}
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "wallet address already bound to another user"})
			return
		}
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "walletAddress": req.WalletAddress})
}
