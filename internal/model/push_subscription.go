package model

import "time"

// PushSubscription holds the information for a browser push subscription
// that receives purchase and lock alerts.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	MachineID string    `gorm:"size:64;index"` // empty subscribes to every machine
	CreatedAt time.Time `gorm:"not null"`
}
