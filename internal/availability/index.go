package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

var (
	ErrAlreadyClaimed = errors.New("slot already claimed")
	ErrNotClaimed     = errors.New("slot not claimed")
	ErrInvalidSlot    = errors.New("invalid slot")
)

// Key identifies one provider calendar day in the index.
type Key struct {
	ProviderID uuid.UUID `json:"provider_id"`
	Date       string    `json:"date"`
}

func (k Key) String() string {
	return k.ProviderID.String() + "/" + k.Date
}

// Index is the per provider map from date to claimed time labels.
// Claim and Release are atomic relative to each other for the same key.
type Index interface {
	IsClaimed(ctx context.Context, providerID uuid.UUID, date, slotTime string) (bool, error)
	Claim(ctx context.Context, providerID uuid.UUID, date, slotTime string) error
	Release(ctx context.Context, providerID uuid.UUID, date, slotTime string) error

	// Claimed returns the sorted claimed labels for one day.
	Claimed(ctx context.Context, providerID uuid.UUID, date string) ([]string, error)
	// Keys lists every day holding at least one claim.
	Keys(ctx context.Context) ([]Key, error)
}

// ValidateSlot checks the date and time labels. A time label must sit on the
// booking grid, e.g. with a 30 minute grid "10:30" is fine and "10:15" is not.
func ValidateSlot(date, slotTime string, grid time.Duration) error {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidSlot, date)
	}
	t, err := time.Parse(TimeLayout, slotTime)
	if err != nil {
		return fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidSlot, slotTime)
	}
	if grid > 0 {
		offset := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
		if offset%grid != 0 {
			return fmt.Errorf("%w: time %q is not on the %s grid", ErrInvalidSlot, slotTime, grid)
		}
	}
	return nil
}
