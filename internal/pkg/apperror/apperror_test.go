package apperror

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("connection reset")
	err := fmt.Errorf("load user: %w", Persistence("GetUser", base))

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindPersistence, kind)
	assert.ErrorIs(t, err, base)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.NotErrorIs(t, err, ErrNotFound)

	_, ok = KindOf(base)
	assert.False(t, ok)
}

func TestPersistenceKeepsExistingKind(t *testing.T) {
	nf := NotFound("GetMembership", "membership sub_1")
	assert.True(t, IsKind(Persistence("wrap", nf), KindNotFound))
	assert.Nil(t, Persistence("noop", nil))
}

func TestDuplicateEventCarriesCompletion(t *testing.T) {
	done := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err := DuplicateEvent("Claim", "evt_1", &done)

	assert.True(t, IsKind(err, KindDuplicateEvent))
	assert.Equal(t, &done, CompletedAt(err))
	assert.Contains(t, err.Error(), "already completed")

	inFlight := DuplicateEvent("Claim", "evt_2", nil)
	assert.Nil(t, CompletedAt(inFlight))
	assert.Contains(t, inFlight.Error(), "another worker")
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindDuplicateEvent, false},
		{KindProvider, true},
		{KindPersistence, true},
		{KindValidation, false},
		{KindNotFound, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.Retryable(), tt.kind.String())
	}
}
