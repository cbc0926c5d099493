package models

import (
	"strings"
	"time"
)

// User is a member identity. IDs are strings because guest checkouts fall back
// to the provider subscription id as a synthetic user id.
type User struct {
	ID                string    `gorm:"primaryKey;type:varchar(191)" bson:"_id" json:"id"`
	Email             string    `gorm:"type:varchar(200);index" bson:"email" json:"email" validate:"omitempty,email,max=200"`
	Name              string    `gorm:"type:varchar(150);default:''" bson:"name,omitempty" json:"name" validate:"max=150"`
	PaymentCustomerID *string   `gorm:"type:varchar(191);uniqueIndex;default:null" bson:"paymentCustomerId,omitempty" json:"payment_customer_id,omitempty"`
	CreatedAt         time.Time `gorm:"autoCreateTime" bson:"createdAt" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" bson:"updatedAt" json:"updated_at"`
}

// NormalizeEmail lowercases and trims an address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CustomerID returns the payment customer id or an empty string.
func (u *User) CustomerID() string {
	if u == nil || u.PaymentCustomerID == nil {
		return ""
	}
	return *u.PaymentCustomerID
}
