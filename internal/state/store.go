// Package state holds the latest known entities per exchange and hands
// paired benchmark/follower snapshots to the reconciliation engine.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/deltahedge/hedger/internal/adapter"
)

// ErrSameExchange is returned when benchmark and follower are the same.
var ErrSameExchange = errors.New("benchmark and follower must differ")

// Snapshot is an immutable view of everything the store knows. A new
// Snapshot replaces the previous one on every update; maps and slices of a
// published Snapshot are never written again.
type Snapshot struct {
	States    map[adapter.Exchange]adapter.AccountState
	Prices    map[adapter.Exchange]adapter.PriceQuote
	Orders    map[adapter.Exchange][]adapter.Order
	Benchmark adapter.Exchange
	Follower  adapter.Exchange
}

func emptySnapshot(benchmark, follower adapter.Exchange) *Snapshot {
	return &Snapshot{
		States:    map[adapter.Exchange]adapter.AccountState{},
		Prices:    map[adapter.Exchange]adapter.PriceQuote{},
		Orders:    map[adapter.Exchange][]adapter.Order{},
		Benchmark: benchmark,
		Follower:  follower,
	}
}

// clone copies the top-level maps. Values are replaced, never mutated, so
// sharing them between snapshots is safe.
func (s *Snapshot) clone() *Snapshot {
	next := emptySnapshot(s.Benchmark, s.Follower)
	for k, v := range s.States {
		next.States[k] = v
	}
	for k, v := range s.Prices {
		next.Prices[k] = v
	}
	for k, v := range s.Orders {
		next.Orders[k] = v
	}
	return next
}

// Pair is the paired benchmark/follower view pushed to the engine. A side is
// nil while its state is unknown.
type Pair struct {
	Benchmark adapter.Exchange
	Follower  adapter.Exchange
	A         *adapter.AccountState
	B         *adapter.AccountState
}

// Complete reports whether both sides are known.
func (p Pair) Complete() bool { return p.A != nil && p.B != nil }

func (s *Snapshot) pair() Pair {
	p := Pair{Benchmark: s.Benchmark, Follower: s.Follower}
	if st, ok := s.States[s.Benchmark]; ok && s.Benchmark != "" {
		p.A = &st
	}
	if st, ok := s.States[s.Follower]; ok && s.Follower != "" {
		p.B = &st
	}
	return p
}

// Store is the process-wide table of latest entities keyed by exchange.
// Readers load the current Snapshot atomically; writers copy, modify and
// swap it.
type Store struct {
	log *zap.Logger

	writeMu sync.Mutex
	snap    atomic.Pointer[Snapshot]
	pairs   chan Pair

	// cleared records when each exchange was last forgotten or reset;
	// events stamped earlier come from a poll that predates the clear.
	cleared map[adapter.Exchange]time.Time
	now     func() time.Time
}

// NewStore returns an empty, undesignated store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		log:     logger.Named("state"),
		pairs:   make(chan Pair, 1),
		cleared: make(map[adapter.Exchange]time.Time),
		now:     time.Now,
	}
	s.snap.Store(emptySnapshot("", ""))
	return s
}

// Snapshot returns the current complete view.
func (s *Store) Snapshot() *Snapshot { return s.snap.Load() }

// Pairs delivers the latest benchmark/follower pairing. The channel holds at
// most one value; an unread pairing is replaced by a newer one.
func (s *Store) Pairs() <-chan Pair { return s.pairs }

// Pair returns the current pairing without consuming Pairs.
func (s *Store) Pair() Pair { return s.snap.Load().pair() }

// update applies fn to a copy of the current snapshot and publishes it.
// When pair is set the new pairing is pushed to the engine as well.
func (s *Store) update(pair bool, fn func(next *Snapshot)) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.commit(pair, fn)
}

// updateFrom is update for an event of ex stamped at. Events older than the
// last clear of ex are dropped.
func (s *Store) updateFrom(ex adapter.Exchange, at time.Time, pair bool, fn func(next *Snapshot)) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if cleared, ok := s.cleared[ex]; ok && !at.IsZero() && at.Before(cleared) {
		s.log.Debug("dropping event from before clear", zap.String("exchange", string(ex)))
		return
	}
	s.commit(pair, fn)
}

// commit requires writeMu.
func (s *Store) commit(pair bool, fn func(next *Snapshot)) {
	next := s.snap.Load().clone()
	fn(next)
	s.snap.Store(next)
	if pair {
		s.push(next.pair())
	}
}

// push offers p to the engine, evicting an unread older pairing. Callers
// hold writeMu so pairings leave in update order.
func (s *Store) push(p Pair) {
	for {
		select {
		case s.pairs <- p:
			return
		default:
		}
		select {
		case <-s.pairs:
		default:
		}
	}
}

// Designate sets the benchmark (A) and follower (B) exchanges.
func (s *Store) Designate(benchmark, follower adapter.Exchange) error {
	a, err := adapter.ParseExchange(string(benchmark))
	if err != nil {
		return err
	}
	b, err := adapter.ParseExchange(string(follower))
	if err != nil {
		return err
	}
	if a == b {
		return fmt.Errorf("%w: %s", ErrSameExchange, a)
	}

	s.update(true, func(next *Snapshot) { next.Benchmark, next.Follower = a, b })
	s.log.Info("designated", zap.String("benchmark", string(benchmark)), zap.String("follower", string(follower)))
	return nil
}

// Designation returns the benchmark and follower; both are empty until
// Designate succeeds.
func (s *Store) Designation() (benchmark, follower adapter.Exchange) {
	snap := s.snap.Load()
	return snap.Benchmark, snap.Follower
}

// Apply folds one adapter event into the store. Log events are ignored.
func (s *Store) Apply(ev adapter.Event) {
	switch ev.Kind {
	case adapter.EventPrice:
		if ev.Price == nil {
			return
		}
		q := *ev.Price
		s.updateFrom(ev.Exchange, ev.Time, false, func(next *Snapshot) { next.Prices[ev.Exchange] = q })

	case adapter.EventAccountState:
		if ev.State == nil {
			return
		}
		st := *ev.State
		s.updateFrom(ev.Exchange, ev.Time, true, func(next *Snapshot) { next.States[ev.Exchange] = st })

	case adapter.EventOpenOrders:
		orders := append([]adapter.Order(nil), ev.Orders...)
		s.updateFrom(ev.Exchange, ev.Time, false, func(next *Snapshot) { next.Orders[ev.Exchange] = orders })
	}
}

// Run applies events until ctx is done or events is closed.
func (s *Store) Run(ctx context.Context, events <-chan adapter.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Apply(ev)
		}
	}
}

// State returns the latest account state of ex.
func (s *Store) State(ex adapter.Exchange) (adapter.AccountState, bool) {
	st, ok := s.snap.Load().States[ex]
	return st, ok
}

// Price returns the latest price of ex.
func (s *Store) Price(ex adapter.Exchange) (adapter.PriceQuote, bool) {
	q, ok := s.snap.Load().Prices[ex]
	return q, ok
}

// Orders returns a copy of the open orders of ex.
func (s *Store) Orders(ex adapter.Exchange) []adapter.Order {
	return append([]adapter.Order(nil), s.snap.Load().Orders[ex]...)
}

// OpenOrders returns the open orders of every exchange, grouped by exchange
// in the order of adapter.Exchanges and newest first within a group.
func (s *Store) OpenOrders() []adapter.Order {
	snap := s.snap.Load()
	var out []adapter.Order
	for _, ex := range adapter.Exchanges {
		group := append([]adapter.Order(nil), snap.Orders[ex]...)
		sort.SliceStable(group, func(i, j int) bool { return group[i].Timestamp.After(group[j].Timestamp) })
		out = append(out, group...)
	}
	return out
}

// TotalBalance sums the balances of every known account.
func (s *Store) TotalBalance() float64 {
	var total float64
	for _, st := range s.snap.Load().States {
		total += st.Balance
	}
	return total
}

// Forget drops everything known about ex, e.g. after a disconnect. Events
// of ex stamped before the call are ignored from then on.
func (s *Store) Forget(ex adapter.Exchange) {
	_, known := s.State(ex)
	s.update(known, func(next *Snapshot) {
		s.cleared[ex] = s.now()
		delete(next.States, ex)
		delete(next.Prices, ex)
		delete(next.Orders, ex)
	})
}

// Reset drops all entities and keeps the designation. Like Forget, it
// fences off events stamped before the call.
func (s *Store) Reset() {
	s.update(true, func(next *Snapshot) {
		now := s.now()
		for _, ex := range adapter.Exchanges {
			s.cleared[ex] = now
		}
		*next = *emptySnapshot(next.Benchmark, next.Follower)
	})
}
