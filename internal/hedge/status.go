package hedge

import (
	"time"

	"github.com/deltahedge/hedger/internal/adapter"
	"github.com/deltahedge/hedger/internal/engine"
)

// ExchangeStatus is the per-exchange part of Status.
type ExchangeStatus struct {
	Exchange   adapter.Exchange      `json:"exchange"`
	Connected  bool                  `json:"connected"`
	Streaming  bool                  `json:"streaming"`
	State      *adapter.AccountState `json:"state,omitempty"`
	Price      *adapter.PriceQuote   `json:"price,omitempty"`
	OpenOrders []adapter.Order       `json:"openOrders,omitempty"`
}

// Status is a point-in-time summary for operators.
type Status struct {
	Symbol         adapter.Symbol   `json:"symbol"`
	Benchmark      adapter.Exchange `json:"benchmark,omitempty"`
	Follower       adapter.Exchange `json:"follower,omitempty"`
	AutoBalance    bool             `json:"autoBalance"`
	EnginePhase    engine.Phase     `json:"enginePhase"`
	EngineInterval time.Duration    `json:"engineInterval"`
	Cooldown       time.Duration    `json:"cooldown"`
	Offset         float64          `json:"offset"`
	TotalBalance   float64          `json:"totalBalance"`
	Exchanges      []ExchangeStatus `json:"exchanges"`
}

// Status reports designation, engine state and every exchange.
func (m *Manager) Status() Status {
	snap := m.store.Snapshot()
	_, left := m.engine.Gate().CoolingDown()
	st := Status{
		Symbol:         m.Symbol(),
		Benchmark:      snap.Benchmark,
		Follower:       snap.Follower,
		AutoBalance:    !m.engine.Gate().Halted(),
		EnginePhase:    m.engine.Phase(),
		EngineInterval: m.engine.Interval(),
		Cooldown:       left,
		Offset:         m.Offset(),
		TotalBalance:   m.store.TotalBalance(),
	}

	m.mu.Lock()
	adapters := make(map[adapter.Exchange]adapter.Adapter, len(m.adapters))
	for ex, a := range m.adapters {
		adapters[ex] = a
	}
	m.mu.Unlock()

	for _, ex := range adapter.Exchanges {
		es := ExchangeStatus{Exchange: ex, OpenOrders: snap.Orders[ex]}
		if a := adapters[ex]; a != nil {
			es.Connected = a.Connected()
			es.Streaming = a.Streaming()
		}
		if s, ok := snap.States[ex]; ok {
			es.State = &s
		}
		if q, ok := snap.Prices[ex]; ok {
			es.Price = &q
		}
		st.Exchanges = append(st.Exchanges, es)
	}
	return st
}
