package model

import "time"

// Identity is the durable pseudonymous client id of this installation.
// Rows are written once and never updated.
type Identity struct {
	Key       string    `gorm:"primaryKey;size:64"`
	ClientID  string    `gorm:"size:128;not null"`
	CreatedAt time.Time `gorm:"not null"`
}
