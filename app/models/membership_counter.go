package models

import "time"

// MembershipCounter holds the last issued sequence number of a calendar year.
// It must only be changed through the store's atomic increment.
type MembershipCounter struct {
	Year       int       `gorm:"primaryKey;autoIncrement:false" bson:"_id" json:"year"`
	LastNumber int64     `gorm:"not null;default:0" bson:"lastNumber" json:"last_number"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" bson:"updatedAt" json:"updated_at"`
}
