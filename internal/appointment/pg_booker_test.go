package appointment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestBook_RejectsInvalidRequestBeforeTouchingStore(t *testing.T) {
	start := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	valid := BookingRequest{
		TenantID:   "default",
		PatientID:  uuid.New(),
		ProviderID: uuid.New(),
		LocationID: uuid.New(),
		Start:      start,
		End:        start.Add(30 * time.Minute),
	}

	cases := map[string]func(r *BookingRequest){
		"missing patient":  func(r *BookingRequest) { r.PatientID = uuid.Nil },
		"missing provider": func(r *BookingRequest) { r.ProviderID = uuid.Nil },
		"end before start": func(r *BookingRequest) { r.End = r.Start.Add(-time.Minute) },
		"zero length":      func(r *BookingRequest) { r.End = r.Start },
	}

	// a nil pool panics if validation lets the request through
	b := NewPgBooker(nil)
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := valid
			mutate(&req)
			_, err := b.Book(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidBooking)
		})
	}
}
