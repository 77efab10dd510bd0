package model

import (
	"time"

	apperrors "github.com/marzops/rotator/internal/errors"
)

type NodeUsage struct {
	Name        string `json:"nodeName"`
	UsedTraffic int64  `json:"usedTraffic"`
}

// RemoteUser is a panel's record of one user, as returned by both the user
// lookup and the subscription revoke endpoints.
type RemoteUser struct {
	Username        string   `json:"username"`
	Status          string   `json:"status"`
	UsedTraffic     *int64   `json:"used_traffic"`
	DataLimit       *int64   `json:"data_limit"`
	Expire          *int64   `json:"expire"`
	Links           []string `json:"links"`
	SubscriptionURL string   `json:"subscription_url"`
	CreatedAt       string   `json:"created_at"`
	SubUpdatedAt    *string  `json:"sub_updated_at"`
}

// UsageReport is the traffic summary attached to a rotation notification.
type UsageReport struct {
	Username        string      `json:"username"`
	Status          string      `json:"status"`
	UsedTraffic     int64       `json:"usedTraffic"`
	DataLimit       *int64      `json:"dataLimit,omitempty"`
	ExpireAt        *time.Time  `json:"expireAt,omitempty"`
	CreatedAt       *time.Time  `json:"createdAt,omitempty"`
	SubUpdatedAt    *time.Time  `json:"subUpdatedAt,omitempty"`
	SubscriptionURL string      `json:"subscriptionUrl,omitempty"`
	Nodes           []NodeUsage `json:"nodes,omitempty"`
}

// RotationResult describes one execution of the rotation protocol. It is
// never persisted.
type RotationResult struct {
	AccountID string
	Succeeded bool
	NewLinks  []string
	Usage     *UsageReport
	ErrorKind apperrors.ErrorCode
	Err       error
	RotatedAt time.Time
	NextDueAt time.Time
	Notified  bool
	// Skipped is set when the guard was held or the account vanished or was
	// no longer due when re-read.
	Skipped bool
}

// Document is a text attachment such as the generated links file.
type Document struct {
	FileName string
	Content  []byte
}

type Notification struct {
	Text     string
	Document *Document
}
