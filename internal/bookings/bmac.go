package bookings

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/herver/vacdm-server/internal/types"
)

type bmacEvent struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	StartEvent string `json:"startEvent"`
	EndEvent   string `json:"endEvent"`
	Links      struct {
		Bookings string `json:"bookings"`
	} `json:"links"`
}

type bmacBooking struct {
	User     int    `json:"user"`
	Callsign string `json:"callsign"`
	CTOT     string `json:"ctot"`
	Slot     string `json:"slot"`
}

var bmacTimeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05"}

func parseEventTime(s string) (time.Time, error) {
	for _, layout := range bmacTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid event time %q", s)
}

// fetchBMAC lists the events in progress and collects their bookings
func fetchBMAC(ctx context.Context, hc *http.Client, url string, now time.Time) ([]types.Booking, error) {
	var events struct {
		Data []bmacEvent `json:"data"`
	}
	if err := getJSON(ctx, hc, url, &events); err != nil {
		return nil, err
	}

	bookings := []types.Booking{}
	for _, ev := range events.Data {
		start, err := parseEventTime(ev.StartEvent)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", ev.ID, err)
		}
		end, err := parseEventTime(ev.EndEvent)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", ev.ID, err)
		}
		if now.Before(start) || now.After(end) || ev.Links.Bookings == "" {
			continue
		}

		var page struct {
			Data []bmacBooking `json:"data"`
		}
		if err := getJSON(ctx, hc, ev.Links.Bookings, &page); err != nil {
			return nil, fmt.Errorf("event %d: %w", ev.ID, err)
		}
		for _, b := range page.Data {
			slot := b.CTOT
			if slot == "" {
				slot = b.Slot
			}
			bookings = append(bookings, types.Booking{CID: b.User, Callsign: b.Callsign, Slot: slot})
		}
	}
	return bookings, nil
}
