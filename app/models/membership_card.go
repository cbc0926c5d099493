package models

import "time"

const (
	CardStatusActive   = "active"
	CardStatusInactive = "inactive"
	CardStatusDeleted  = "deleted"
)

// MembershipCard is the member's single card. The membership number is assigned
// once and never changes; validity and status are updated in place.
type MembershipCard struct {
	ID                string    `gorm:"primaryKey;type:varchar(36)" bson:"_id" json:"id"`
	UserID            string    `gorm:"type:varchar(191);not null;uniqueIndex" bson:"userId" json:"user_id"`
	MembershipNumber  string    `gorm:"type:varchar(32);not null;uniqueIndex" bson:"membershipNumber" json:"membership_number"`
	MembershipID      string    `gorm:"type:varchar(191);default:''" bson:"membershipId,omitempty" json:"membership_id"`
	ValidFrom         time.Time `gorm:"type:timestamp" bson:"validFrom" json:"valid_from"`
	ValidUntil        time.Time `gorm:"type:timestamp" bson:"validUntil" json:"valid_until"`
	Status            string    `gorm:"type:varchar(32);not null;default:'active';index" bson:"status" json:"status"`
	VerificationToken string    `gorm:"type:varchar(255);default:''" bson:"verificationToken" json:"-"`
	CreatedAt         time.Time `gorm:"autoCreateTime" bson:"createdAt" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" bson:"updatedAt" json:"updated_at"`
}

// CardStatusFor maps a membership status to the status its card should carry.
func CardStatusFor(membershipStatus string) string {
	switch membershipStatus {
	case MembershipStatusDeleted:
		return CardStatusDeleted
	default:
		if IsActiveStatus(membershipStatus) {
			return CardStatusActive
		}
		return CardStatusInactive
	}
}
