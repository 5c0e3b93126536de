// Package certs implements the certificate issuance core: eligibility
// evaluation, grant issuance, the batch reconciliation sweep, and the
// chain-sync backfill.
package certs

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LiuMou68/starchain-backend/internal/models"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Organization stamped onto every issued certificate.
const Organization = "Club Certificate Management System"

// User-facing failure modes. Handlers map these onto HTTP statuses.
var (
	ErrUserNotFound        = errors.New("certs: user not found")
	ErrRuleNotFound        = errors.New("certs: certificate rule not found")
	ErrCertificateNotFound = errors.New("certs: certificate not found")
	ErrAlreadyGranted      = errors.New("certs: certificate already granted to this user")
	ErrInsufficientPoints  = errors.New("certs: insufficient points")
	ErrNotEligible         = errors.New("certs: issuance condition not satisfied")
	ErrNoWallet            = errors.New("certs: user has no bound wallet")
	ErrOwnerUnknown        = errors.New("certs: cannot determine certificate owner")
	ErrChainUnavailable    = errors.New("certs: chain service unavailable or not configured")
	ErrSystemWalletUnset   = errors.New("certs: system wallet address not configured")
	ErrChainApplyRejected  = errors.New("certs: certificate not granted or chain sync already requested")
)

type TriggerKind string

const (
	TriggerPoints   TriggerKind = "points"
	TriggerActivity TriggerKind = "activity"
)

// Trigger describes why an eligibility check is running. ActivityID is
// only meaningful for TriggerActivity.
type Trigger struct {
	Kind       TriggerKind
	ActivityID uint
}

// certificateDocument is the metadata pinned to the content store for
// each certificate. Field names match the NFT metadata consumers expect.
type certificateDocument struct {
	CertificateID     uint   `json:"certificateId"`
	CertificateNumber string `json:"certificateNumber"`
	StudentName       string `json:"studentName"`
	StudentID         string `json:"studentId"`
	CertificateType   string `json:"certificateType"`
	Organization      string `json:"organization"`
	Description       string `json:"description"`
	IssueDate         string `json:"issueDate"`
	Timestamp         int64  `json:"timestamp"`
}

func documentFor(inst *models.CertificateInstance) certificateDocument {
	return certificateDocument{
		CertificateID:     inst.ID,
		CertificateNumber: inst.Number,
		StudentName:       inst.HolderName,
		StudentID:         inst.HolderID,
		CertificateType:   inst.Type,
		Organization:      inst.Organization,
		Description:       inst.Description,
		IssueDate:         inst.IssueDate,
		Timestamp:         time.Now().UnixMilli(),
	}
}

// newCertificateNumber keeps the human-facing CERT-{year}- prefix but
// derives the suffix from a UUID instead of a millisecond timestamp, so
// uniqueness is real rather than probabilistic. The unique index on
// CertificateInstance.Number is the backstop.
func newCertificateNumber() string {
	id := uuid.New()
	return fmt.Sprintf("CERT-%d-%s", time.Now().Year(), strings.ToUpper(hex.EncodeToString(id[:4])))
}

func ipfsURI(hash string) string {
	if strings.HasPrefix(hash, "ipfs://") {
		return hash
	}
	return "ipfs://" + hash
}

// Metrics counts core outcomes. A nil *Metrics disables counting.
type Metrics struct {
	issued *prometheus.CounterVec
	pins   *prometheus.CounterVec
	mints  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		issued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starchain_certificates_issued_total",
				Help: "Certificates issued, by issuance mode",
			},
			[]string{"mode"},
		),
		pins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starchain_content_pins_total",
				Help: "Content store pin attempts, by outcome",
			},
			[]string{"outcome"},
		),
		mints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starchain_chain_mints_total",
				Help: "On-chain mint attempts, by outcome",
			},
			[]string{"outcome"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.issued, m.pins, m.mints)
	}
	return m
}

func (m *Metrics) certIssued(mode string) {
	if m != nil {
		m.issued.WithLabelValues(mode).Inc()
	}
}

func (m *Metrics) pinOutcome(ok bool) {
	if m != nil {
		m.pins.WithLabelValues(outcome(ok)).Inc()
	}
}

func (m *Metrics) mintOutcome(ok bool) {
	if m != nil {
		m.mints.WithLabelValues(outcome(ok)).Inc()
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
