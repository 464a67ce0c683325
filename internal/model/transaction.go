package model

import "time"

// TransactionRecord is the local journal entry of one purchase attempt. It is
// upserted on every state transition.
type TransactionRecord struct {
	TransactionID string `gorm:"primaryKey;size:64"`
	MachineID     string `gorm:"size:64;index;not null"`
	ClientID      string `gorm:"size:128;not null"`
	Quantity      int    `gorm:"not null"`
	State         string `gorm:"size:32;not null"`
	OrderID       string `gorm:"size:128"`
	PaymentID     string `gorm:"size:128"`
	DispenseAck   string `gorm:"size:64"`
	Dispensed     int
	FailureClass  string `gorm:"size:32"`
	FailureReason string `gorm:"size:512"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
