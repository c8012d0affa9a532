package system

import "time"

// TickerHandle identifies a frame callback registered with a Ticker.
type TickerHandle uint64

// IsValid reports whether h was returned by AddTicker.
func (h TickerHandle) IsValid() bool { return h != 0 }

// TickerFunc is called once per host frame. Returning false unsubscribes it.
type TickerFunc func(dt time.Duration) bool

type tickerEntry struct {
	handle TickerHandle
	fn     TickerFunc
}

// Ticker fans a host frame out to subscribed callbacks. It runs on the game
// loop goroutine before the runner ticks.
type Ticker struct {
	next    TickerHandle
	entries []tickerEntry
}

func NewTicker() *Ticker {
	return &Ticker{}
}

func (t *Ticker) AddTicker(fn TickerFunc) TickerHandle {
	t.next++
	t.entries = append(t.entries, tickerEntry{handle: t.next, fn: fn})
	return t.next
}

// RemoveTicker unsubscribes h. Unknown handles are ignored.
func (t *Ticker) RemoveTicker(h TickerHandle) bool {
	for i, e := range t.entries {
		if e.handle == h {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Tick invokes every callback subscribed before the call. A callback removed
// by an earlier one in the same frame is skipped.
func (t *Ticker) Tick(dt time.Duration) {
	pending := make([]tickerEntry, len(t.entries))
	copy(pending, t.entries)
	for _, e := range pending {
		if !t.has(e.handle) {
			continue
		}
		if !e.fn(dt) {
			t.RemoveTicker(e.handle)
		}
	}
}

func (t *Ticker) has(h TickerHandle) bool {
	for _, e := range t.entries {
		if e.handle == h {
			return true
		}
	}
	return false
}

func (t *Ticker) Len() int { return len(t.entries) }
