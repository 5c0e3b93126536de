package certs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/LiuMou68/starchain-backend/internal/ipfs"
	"github.com/LiuMou68/starchain-backend/internal/ledger"
	"github.com/LiuMou68/starchain-backend/internal/models"

	"gorm.io/gorm"
)

// ChainSync backfills already-granted certificates onto the ledger,
// tolerating partial prior failure at any step. Two custody models
// coexist deliberately: a holder-requested backfill mints to the
// holder's own wallet, the admin batch mints to the system wallet.
type ChainSync struct {
	db           *gorm.DB
	pins         ipfs.Client
	chain        ledger.Client
	systemWallet string
	logger       *slog.Logger
	metrics      *Metrics
}

func NewChainSync(db *gorm.DB, pins ipfs.Client, chain ledger.Client, systemWallet string, logger *slog.Logger, metrics *Metrics) *ChainSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainSync{
		db:           db,
		pins:         pins,
		chain:        chain,
		systemWallet: systemWallet,
		logger:       logger,
		metrics:      metrics,
	}
}

type BackfillResult struct {
	CertificateID uint   `json:"certificateId"`
	TxHash        string `json:"txHash"`
	TokenID       string `json:"tokenId"`
	AlreadyMinted bool   `json:"alreadyMinted"`
}

// Apply records a holder's chain-sync request: grant chain status goes
// none -> pending. Zero rows affected means the certificate is missing,
// not granted, or the request was already made.
func (c *ChainSync) Apply(ctx context.Context, userID, ruleID uint) error {
	res := c.db.WithContext(ctx).Model(&models.Grant{}).
		Where("user_id = ? AND rule_id = ? AND chain_status = ?", userID, ruleID, models.ChainStatusNone).
		Update("chain_status", models.ChainStatusPending)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrChainApplyRejected
	}
	return nil
}

// Backfill mints one certificate to its holder's wallet. Idempotent: an
// existing ledger record short-circuits as success with the old tx hash.
// requestingUserID may be zero, in which case the owner is resolved from
// the grant.
func (c *ChainSync) Backfill(ctx context.Context, certID, requestingUserID uint) (*BackfillResult, error) {
	var inst models.CertificateInstance
	if err := c.db.WithContext(ctx).First(&inst, certID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCertificateNotFound
		}
		return nil, err
	}

	if rec, err := c.existingRecord(ctx, certID); err != nil {
		return nil, err
	} else if rec != nil {
		return &BackfillResult{
			CertificateID: certID,
			TxHash:        rec.TxHash,
			TokenID:       rec.TokenID,
			AlreadyMinted: true,
		}, nil
	}

	ownerID := requestingUserID
	if ownerID == 0 {
		var grant models.Grant
		err := c.db.WithContext(ctx).Where("instance_id = ?", certID).First(&grant).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrOwnerUnknown
			}
			return nil, err
		}
		ownerID = grant.UserID
	}

	var wallet models.UserWallet
	if err := c.db.WithContext(ctx).Where("user_id = ?", ownerID).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoWallet
		}
		return nil, err
	}

	hash, err := c.ensureContentHash(ctx, &inst)
	if err != nil {
		return nil, err
	}
	return c.mint(ctx, &inst, wallet.WalletAddress, hash)
}

type BatchItem struct {
	ID      uint   `json:"id"`
	Status  string `json:"status"`
	TxHash  string `json:"txHash,omitempty"`
	TokenID string `json:"tokenId,omitempty"`
}

type BatchError struct {
	ID    uint   `json:"id"`
	Error string `json:"error"`
}

type BatchResult struct {
	Results []BatchItem  `json:"results"`
	Errors  []BatchError `json:"errors"`
}

// BackfillBatch mints each certificate to the system wallet. Every ID is
// processed independently; partial success is expected and reported.
func (c *ChainSync) BackfillBatch(ctx context.Context, certIDs []uint) *BatchResult {
	batch := &BatchResult{Results: []BatchItem{}, Errors: []BatchError{}}
	for _, certID := range certIDs {
		item, err := c.backfillToSystemWallet(ctx, certID)
		if err != nil {
			batch.Errors = append(batch.Errors, BatchError{ID: certID, Error: userMessage(err)})
			continue
		}
		batch.Results = append(batch.Results, *item)
	}
	return batch
}

func (c *ChainSync) backfillToSystemWallet(ctx context.Context, certID uint) (*BatchItem, error) {
	var inst models.CertificateInstance
	if err := c.db.WithContext(ctx).First(&inst, certID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCertificateNotFound
		}
		return nil, err
	}

	if rec, err := c.existingRecord(ctx, certID); err != nil {
		return nil, err
	} else if rec != nil {
		return &BatchItem{ID: certID, Status: "already_minted", TxHash: rec.TxHash, TokenID: rec.TokenID}, nil
	}

	if c.systemWallet == "" {
		return nil, ErrSystemWalletUnset
	}

	hash, err := c.ensureContentHash(ctx, &inst)
	if err != nil {
		return nil, err
	}
	res, err := c.mint(ctx, &inst, c.systemWallet, hash)
	if err != nil {
		return nil, err
	}
	return &BatchItem{ID: certID, Status: "success", TxHash: res.TxHash, TokenID: res.TokenID}, nil
}

func (c *ChainSync) existingRecord(ctx context.Context, certID uint) (*models.LedgerRecord, error) {
	var rec models.LedgerRecord
	err := c.db.WithContext(ctx).Where("certificate_id = ?", certID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// ensureContentHash lazily fills in a missing content pin. A content
// store failure falls back to a locally computed placeholder hash so the
// mint can still proceed; the mint never blocks on the content store.
func (c *ChainSync) ensureContentHash(ctx context.Context, inst *models.CertificateInstance) (string, error) {
	if inst.IPFSHash != "" {
		return inst.IPFSHash, nil
	}

	doc := documentFor(inst)
	hash, err := c.pins.PinJSON(ctx, doc, fmt.Sprintf("certificate_%s.json", inst.Number))
	c.metrics.pinOutcome(err == nil)
	if err != nil {
		c.logger.Warn("content pin failed during backfill, using placeholder hash",
			"certificate", inst.Number, "error", err)
		hash = placeholderHash(doc)
	}

	if err := c.db.WithContext(ctx).Model(inst).Update("ipfs_hash", hash).Error; err != nil {
		return "", err
	}
	inst.IPFSHash = hash
	return hash, nil
}

func (c *ChainSync) mint(ctx context.Context, inst *models.CertificateInstance, to, hash string) (*BackfillResult, error) {
	if c.chain == nil || !c.chain.Configured() {
		return nil, ErrChainUnavailable
	}

	res, err := c.chain.Mint(ctx, to, inst.Number, ipfsURI(hash))
	c.metrics.mintOutcome(err == nil)
	if err != nil {
		return nil, err
	}

	record := models.LedgerRecord{
		CertificateID:     inst.ID,
		CertificateNumber: inst.Number,
		TokenID:           res.TokenID,
		TxHash:            res.TxHash,
		BlockNumber:       res.BlockNumber,
		IPFSHash:          hash,
	}
	if err := c.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("certs: mint succeeded but ledger record insert failed (tx %s): %w", res.TxHash, err)
	}
	if err := c.db.WithContext(ctx).Model(&models.Grant{}).
		Where("instance_id = ?", inst.ID).
		Update("chain_status", models.ChainStatusMinted).Error; err != nil {
		c.logger.Warn("failed to flip chain status", "certificate", inst.Number, "error", err)
	}

	c.logger.Info("certificate backfilled on-chain",
		"certificate", inst.Number, "tx", res.TxHash, "token_id", res.TokenID, "to", to)
	return &BackfillResult{
		CertificateID: inst.ID,
		TxHash:        res.TxHash,
		TokenID:       res.TokenID,
	}, nil
}

// RepinMissing retries the content pin for every certificate that still
// lacks one. The empty hash column is the durable work item; issuance
// leaves it behind on pin failure and this drains the backlog. No
// placeholder fallback here, that only happens when a mint needs it.
func (c *ChainSync) RepinMissing(ctx context.Context) (int, error) {
	var instances []models.CertificateInstance
	if err := c.db.WithContext(ctx).Where("ipfs_hash = ?", "").Find(&instances).Error; err != nil {
		return 0, err
	}
	pinned := 0
	for i := range instances {
		inst := &instances[i]
		hash, err := c.pins.PinJSON(ctx, documentFor(inst), fmt.Sprintf("certificate_%s.json", inst.Number))
		c.metrics.pinOutcome(err == nil)
		if err != nil {
			c.logger.Warn("repin failed", "certificate", inst.Number, "error", err)
			continue
		}
		if err := c.db.WithContext(ctx).Model(inst).Update("ipfs_hash", hash).Error; err != nil {
			c.logger.Warn("failed to record content hash", "certificate", inst.Number, "error", err)
			continue
		}
		pinned++
	}
	return pinned, nil
}

// placeholderHash mimics a CID closely enough to be recognizable as a
// placeholder while staying unique per certificate.
func placeholderHash(doc certificateDocument) string {
	payload, _ := json.Marshal(doc)
	payload = append(payload, []byte(strconv.FormatInt(time.Now().UnixNano(), 10))...)
	sum := md5.Sum(payload)
	return "QmMock" + hex.EncodeToString(sum[:])
}

// userMessage strips the package prefix from sentinel errors so batch
// responses read cleanly.
func userMessage(err error) string {
	switch {
	case errors.Is(err, ErrCertificateNotFound):
		return "certificate not found"
	case errors.Is(err, ErrSystemWalletUnset):
		return "system wallet address not configured"
	case errors.Is(err, ErrChainUnavailable):
		return "chain service unavailable"
	case errors.Is(err, ledger.ErrDuplicateOnChain):
		return "certificate number already exists on chain"
	case errors.Is(err, ledger.ErrABIMismatch):
		return "contract ABI mismatch, redeploy the contract and restart the backend"
	default:
		return err.Error()
	}
}
