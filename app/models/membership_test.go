package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(year int, month time.Month, d int) *time.Time {
	t := time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestSelectActiveMembership(t *testing.T) {
	tests := []struct {
		name        string
		memberships []Membership
		want        string
	}{
		{
			name: "latest end date wins",
			memberships: []Membership{
				{ID: "sub_a", Status: MembershipStatusActive, EndDate: day(2026, 6, 1)},
				{ID: "sub_b", Status: MembershipStatusPastDue, EndDate: day(2026, 9, 1)},
				{ID: "sub_c", Status: MembershipStatusTrialing, EndDate: day(2026, 2, 1)},
			},
			want: "sub_b",
		},
		{
			name: "canceled is never active",
			memberships: []Membership{
				{ID: "sub_a", Status: MembershipStatusActive, EndDate: day(2026, 6, 1)},
				{ID: "sub_x", Status: MembershipStatusCanceled, EndDate: day(2030, 1, 1)},
				{ID: "sub_y", Status: MembershipStatusDeleted, EndDate: day(2030, 1, 1)},
			},
			want: "sub_a",
		},
		{
			name: "missing end date sorts last",
			memberships: []Membership{
				{ID: "sub_open", Status: MembershipStatusActive},
				{ID: "sub_dated", Status: MembershipStatusTrialing, EndDate: day(2026, 1, 1)},
			},
			want: "sub_dated",
		},
		{
			name: "only open-ended rows",
			memberships: []Membership{
				{ID: "sub_open", Status: MembershipStatusActive},
			},
			want: "sub_open",
		},
		{
			name: "nothing active",
			memberships: []Membership{
				{ID: "sub_x", Status: MembershipStatusCanceled, EndDate: day(2026, 6, 1)},
				{ID: "sub_u", Status: MembershipStatusUnpaid, EndDate: day(2026, 6, 1)},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectActiveMembership(tt.memberships)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}

func TestSelectActiveMembershipReturnsCopy(t *testing.T) {
	rows := []Membership{{ID: "sub_a", Status: MembershipStatusActive, EndDate: day(2026, 6, 1)}}
	got := SelectActiveMembership(rows)
	require.NotNil(t, got)
	got.Status = MembershipStatusCanceled
	assert.Equal(t, MembershipStatusActive, rows[0].Status)
}
