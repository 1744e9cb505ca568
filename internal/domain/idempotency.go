package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Idempotency stores the response of a completed mutating request so that a
// retry carrying the same Idempotency-Key gets the same answer without a
// second image generation. Records are scoped by (user_id, scope, key), where
// scope is the route that produced them.
type Idempotency struct {
	ID         string         `gorm:"type:TEXT NOT NULL;primaryKey"`
	UserID     string         `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_scope_key,priority:1"`
	Scope      string         `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_scope_key,priority:2"`
	Key        string         `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_scope_key,priority:3"`
	StatusCode int            `gorm:"type:INTEGER NOT NULL"`
	Response   datatypes.JSON `gorm:"type:TEXT"`
	CreatedAt  time.Time      `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt  time.Time      `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
