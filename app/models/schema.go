package models

// Schema lists every model persisted by the relational store, in migration order.
func Schema() []interface{} {
	return []interface{}{
		&User{},
		&Membership{},
		&MembershipCard{},
		&MembershipCounter{},
		&AuditEntry{},
		&StatCounter{},
		&WebhookEvent{},
	}
}
