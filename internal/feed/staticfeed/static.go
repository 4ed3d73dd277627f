// Package staticfeed is an in-memory MarketFeed for tests and dry runs.
// Markets are set up front, price updates are pushed by the test.
package staticfeed

import (
	"context"
	"strings"
	"sync"

	"predarb/pkg/types"
)

// Feed serves a fixed set of markets and relays pushed price updates to
// every subscriber. Safe for concurrent use.
type Feed struct {
	mu      sync.Mutex
	markets map[string][]types.Market // venue → markets
	errs    map[string]error          // venue → forced search failure
	subs    []subscription
}

type subscription struct {
	ctx    context.Context
	venues map[string]bool
	ch     chan types.PriceUpdate
}

// New creates a Feed serving the given markets.
func New(markets ...types.Market) *Feed {
	f := &Feed{
		markets: make(map[string][]types.Market),
		errs:    make(map[string]error),
	}
	f.SetMarkets(markets...)
	return f
}

// SetMarkets replaces the market set for every venue present in the input.
func (f *Feed) SetMarkets(markets ...types.Market) {
	f.mu.Lock()
	defer f.mu.Unlock()
	touched := make(map[string]bool)
	for _, m := range markets {
		if !touched[m.Venue] {
			f.markets[m.Venue] = nil
			touched[m.Venue] = true
		}
		f.markets[m.Venue] = append(f.markets[m.Venue], m)
	}
}

// FailVenue makes SearchMarkets return err for a venue. A nil err clears it.
func (f *Feed) FailVenue(venue string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, venue)
		return
	}
	f.errs[venue] = err
}

// SearchMarkets returns the venue's markets whose question contains the
// query, case-insensitively. An empty query matches everything.
func (f *Feed) SearchMarkets(ctx context.Context, query, venue string) ([]types.Market, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[venue]; err != nil {
		return nil, err
	}

	needle := strings.ToLower(query)
	var out []types.Market
	for _, m := range f.markets[venue] {
		if needle == "" || strings.Contains(strings.ToLower(m.Question), needle) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Subscribe returns a channel fed by Push. The channel closes when ctx is
// cancelled.
func (f *Feed) Subscribe(ctx context.Context, venues []string) (<-chan types.PriceUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := subscription{
		ctx:    ctx,
		venues: make(map[string]bool, len(venues)),
		ch:     make(chan types.PriceUpdate, 256),
	}
	for _, v := range venues {
		sub.venues[v] = true
	}

	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, s := range f.subs {
			if s.ch == sub.ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				break
			}
		}
		close(sub.ch)
	}()

	return sub.ch, nil
}

// Push delivers an update to every subscriber watching its venue. Blocks
// until each subscriber accepts it, so pushed order is delivery order.
// The lock is held across delivery: channels close under the same lock,
// so a concurrently cancelled subscriber can never see a send after
// close. The ctx case keeps a cancelled subscriber from blocking Push.
func (f *Feed) Push(u types.PriceUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range f.subs {
		if len(s.venues) > 0 && !s.venues[u.Venue] {
			continue
		}
		select {
		case s.ch <- u:
		case <-s.ctx.Done():
		}
	}
}
