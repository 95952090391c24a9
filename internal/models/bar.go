package models

import "time"

// Bar is one minute of OHLC data. Time is the bar's open timestamp in
// Eastern time.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume,omitempty"`
}

// ForwardFill returns bars with one entry per minute over [from, to),
// filling gaps with a flat bar at the last known close. Minutes before the
// first real bar are omitted; callers that need a price there must fall back
// to a quote.
func ForwardFill(bars []Bar, from, to time.Time) []Bar {
	if len(bars) == 0 {
		return nil
	}
	out := make([]Bar, 0, int(to.Sub(from)/time.Minute)+1)
	idx := 0
	var last *Bar
	for t := from.Truncate(time.Minute); t.Before(to); t = t.Add(time.Minute) {
		for idx < len(bars) && !bars[idx].Time.After(t) {
			last = &bars[idx]
			idx++
		}
		if last == nil {
			continue
		}
		if last.Time.Equal(t) {
			out = append(out, *last)
			continue
		}
		c := last.Close
		out = append(out, Bar{Time: t, Open: c, High: c, Low: c, Close: c})
	}
	return out
}
