// Package numbering issues membership numbers of the form PREFIX-YYYY-NNNNNN.
// Uniqueness comes from the store's atomic counter increment; nothing is
// cached in process.
package numbering

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/MemberFox/app/repository"
	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
	"github.com/ManuelReschke/MemberFox/internal/pkg/env"
	"github.com/ManuelReschke/MemberFox/internal/pkg/metrics"
)

const (
	DefaultPrefix = "DEC"
	// MaxSequence is the largest sequence that fits the six digit field.
	MaxSequence = 999999
)

var (
	prefixPattern = regexp.MustCompile(`^[A-Z0-9]{1,10}$`)
	numberPattern = regexp.MustCompile(`^([A-Z0-9]{1,10})-(\d{4})-(\d{6,})$`)
)

// Allocator hands out membership numbers from the per-year counters in store.
type Allocator struct {
	store   repository.CounterStore
	prefix  string
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewAllocator validates prefix and returns an allocator backed by store.
func NewAllocator(store repository.CounterStore, prefix string, m *metrics.Metrics) (*Allocator, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !prefixPattern.MatchString(prefix) {
		return nil, fmt.Errorf("invalid membership number prefix %q", prefix)
	}
	return &Allocator{
		store:   store,
		prefix:  prefix,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// NewAllocatorFromEnv reads MEMBERSHIP_NUMBER_PREFIX.
func NewAllocatorFromEnv(store repository.CounterStore, m *metrics.Metrics) (*Allocator, error) {
	return NewAllocator(store, env.GetEnv("MEMBERSHIP_NUMBER_PREFIX", DefaultPrefix), m)
}

func (a *Allocator) Prefix() string { return a.prefix }

// Next allocates the next number of year.
func (a *Allocator) Next(ctx context.Context, year int) (string, error) {
	if year < 1000 || year > 9999 {
		return "", apperror.Validation("numbering.Next", fmt.Sprintf("year %d is not a four digit year", year))
	}
	seq, err := a.store.IncrementCounter(ctx, year)
	if err != nil {
		if _, ok := apperror.KindOf(err); ok {
			return "", err
		}
		return "", apperror.Persistence("numbering.Next", err)
	}
	if seq > MaxSequence {
		log.Warnf("[Numbering] Sequence for %d exceeded %d digits: %d", year, len(strconv.Itoa(MaxSequence)), seq)
	}
	a.metrics.NumberAllocated(strconv.Itoa(year))
	return Format(a.prefix, year, seq), nil
}

// NextForCurrentYear allocates from the counter of the current UTC year.
func (a *Allocator) NextForCurrentYear(ctx context.Context) (string, error) {
	return a.Next(ctx, a.now().Year())
}

// Format renders a membership number. Sequences above MaxSequence widen the field.
func Format(prefix string, year int, seq int64) string {
	return fmt.Sprintf("%s-%04d-%06d", prefix, year, seq)
}

// Parse splits a membership number into its parts.
func Parse(number string) (prefix string, year int, seq int64, err error) {
	match := numberPattern.FindStringSubmatch(strings.TrimSpace(number))
	if match == nil {
		return "", 0, 0, apperror.Validation("numbering.Parse", fmt.Sprintf("malformed membership number %q", number))
	}
	year, _ = strconv.Atoi(match[2])
	seq, err = strconv.ParseInt(match[3], 10, 64)
	if err != nil {
		return "", 0, 0, apperror.ValidationWrap("numbering.Parse", err)
	}
	return match[1], year, seq, nil
}
