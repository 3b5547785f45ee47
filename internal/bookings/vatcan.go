package bookings

import (
	"context"
	"net/http"
	"time"

	"github.com/herver/vacdm-server/internal/types"
)

// fetchVATCAN reads the flat booking list. The slot is the CTOT.
func fetchVATCAN(ctx context.Context, hc *http.Client, url string, _ time.Time) ([]types.Booking, error) {
	var list []types.Booking
	if err := getJSON(ctx, hc, url, &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []types.Booking{}
	}
	return list, nil
}
