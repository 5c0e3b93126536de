package models

import "time"

// Role names stored on User.Role.
const (
	RoleStudent       = "student"
	RoleAdmin         = "admin"
	RoleActivityAdmin = "activity_admin"
)

type User struct {
	ID           uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Username     string    `json:"username" gorm:"uniqueIndex;not null"`
	PasswordHash string    `json:"-" gorm:"not null"`
	Role         string    `json:"role" gorm:"not null;default:student"`
	StudentID    string    `json:"student_id"`
	Email        string    `json:"email"`
	Points       int       `json:"points" gorm:"not null;default:0"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserWallet binds a user to an on-chain address. One wallet per user,
// one user per wallet; re-bind overwrites.
type UserWallet struct {
	ID            uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID        uint      `json:"user_id" gorm:"uniqueIndex;not null"`
	WalletAddress string    `json:"wallet_address" gorm:"uniqueIndex;not null"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type CheckIn struct {
	ID              uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID          uint      `json:"user_id" gorm:"uniqueIndex:idx_checkin_user_date;not null"`
	CheckInDate     string    `json:"check_in_date" gorm:"uniqueIndex:idx_checkin_user_date;not null"`
	ConsecutiveDays int       `json:"consecutive_days" gorm:"not null;default:1"`
	CreatedAt       time.Time `json:"created_at"`
}

// PointsEvent is the append-only audit trail of every points change.
type PointsEvent struct {
	ID                uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID            uint      `json:"user_id" gorm:"index;not null"`
	Title             string    `json:"title" gorm:"not null"`
	Points            int       `json:"points" gorm:"not null"`
	ConsecutiveReward bool      `json:"consecutive_reward"`
	CreatedAt         time.Time `json:"created_at"`
}

// Activity statuses.
const (
	ActivityPublished = "published"
	ActivityOngoing   = "ongoing"
	ActivityEnded     = "ended"
)

type Activity struct {
	ID              uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Title           string    `json:"title" gorm:"not null"`
	Description     string    `json:"description"`
	Category        string    `json:"category"`
	StartDate       string    `json:"start_date"`
	EndDate         string    `json:"end_date"`
	Location        string    `json:"location"`
	MaxParticipants int       `json:"max_participants"`
	PointsReward    int       `json:"points_reward" gorm:"not null;default:0"`
	Status          string    `json:"status" gorm:"not null;default:published"`
	CreatedBy       uint      `json:"created_by" gorm:"index"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Participation statuses. Only awarded and completed count as finished
// for certificate eligibility; joined does not.
const (
	ParticipationJoined    = "joined"
	ParticipationCompleted = "completed"
	ParticipationAwarded   = "awarded"
)

type Participation struct {
	ID            uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	ActivityID    uint       `json:"activity_id" gorm:"uniqueIndex:idx_participation_activity_user;not null"`
	UserID        uint       `json:"user_id" gorm:"uniqueIndex:idx_participation_activity_user;not null"`
	Status        string     `json:"status" gorm:"not null;default:joined"`
	PointsAwarded int        `json:"points_awarded"`
	AwardedAt     *time.Time `json:"awarded_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Rule condition types. A rule with AutoIssue false is a plain
// points-exchange rule and the condition fields are unused.
const (
	ConditionPoints   = "points"
	ConditionActivity = "activity"
)

// Rule is an admin-owned certificate issuance policy. Immutable once
// created except for deletion.
type Rule struct {
	ID               uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Name             string    `json:"name" gorm:"not null"`
	Description      string    `json:"description" gorm:"not null"`
	Image            string    `json:"image"`
	NeedPoints       int       `json:"need_points" gorm:"not null;default:0"`
	AutoIssue        bool      `json:"auto_issue" gorm:"not null;default:false"`
	ConditionType    string    `json:"condition_type"`
	ConditionValue   int       `json:"condition_value"`
	AutoIssueEnabled bool      `json:"auto_issue_enabled" gorm:"not null;default:false"`
	CreatedAt        time.Time `json:"created_at"`
}

// Chain sync states carried on a Grant. Minted is only ever set after a
// LedgerRecord exists; the record itself is the source of truth.
const (
	ChainStatusNone    = "none"
	ChainStatusPending = "pending"
	ChainStatusMinted  = "minted"
)

// Grant links one (user, rule) pair to exactly one certificate instance.
// The composite unique index is what makes concurrent issuance safe: a
// losing writer gets a duplicate-key error instead of a second grant.
type Grant struct {
	ID          uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID      uint      `json:"user_id" gorm:"uniqueIndex:idx_grant_user_rule;not null"`
	RuleID      uint      `json:"rule_id" gorm:"uniqueIndex:idx_grant_user_rule;not null"`
	InstanceID  uint      `json:"instance_id" gorm:"index;not null"`
	ChainStatus string    `json:"chain_status" gorm:"not null;default:none"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CertificateInstance is the materialized certificate. Holder fields are
// snapshotted from the user at issuance time and not kept in sync.
// IPFSHash stays empty until a content-store pin succeeds.
type CertificateInstance struct {
	ID           uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Number       string    `json:"number" gorm:"uniqueIndex;not null"`
	HolderName   string    `json:"holder_name" gorm:"not null"`
	HolderID     string    `json:"holder_id"`
	Type         string    `json:"type" gorm:"not null"`
	Organization string    `json:"organization" gorm:"not null"`
	Description  string    `json:"description"`
	Image        string    `json:"image"`
	IPFSHash     string    `json:"ipfs_hash" gorm:"column:ipfs_hash"`
	IsValid      bool      `json:"is_valid" gorm:"not null;default:true"`
	IssueDate    string    `json:"issue_date" gorm:"not null"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// LedgerRecord is created only by a successful mint and never updated.
// Its existence for a given certificate is the sole source of truth for
// "this certificate is on-chain".
type LedgerRecord struct {
	ID                uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	CertificateID     uint      `json:"certificate_id" gorm:"uniqueIndex;not null"`
	CertificateNumber string    `json:"certificate_number" gorm:"not null"`
	TokenID           string    `json:"token_id"`
	TxHash            string    `json:"tx_hash" gorm:"not null"`
	BlockNumber       uint64    `json:"block_number"`
	IPFSHash          string    `json:"ipfs_hash" gorm:"column:ipfs_hash"`
	CreatedAt         time.Time `json:"created_at"`
}
