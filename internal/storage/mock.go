package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"optionflow/internal/ids"
	"optionflow/internal/models"
)

// MockStore is an in-memory Store for tests. It honors the same contracts
// as SQLiteStore (idempotent signal insert, terminal-state order guard,
// one open position per symbol, atomic capacity reservation).
type MockStore struct {
	mu           sync.Mutex
	signals      map[string]*models.Signal
	outcomes     map[string]string
	orders       map[string]*models.Order
	positions    map[string]*models.Position
	blacklist    map[string]time.Time
	reservations map[string]*models.Reservation
	checkpoint   *models.Checkpoint
	reports      []models.ReconciliationReport

	// FailReserve forces ReserveCapacity to fail, for error-path tests.
	FailReserve error
}

// NewMock returns an empty in-memory store.
func NewMock() *MockStore {
	return &MockStore{
		signals:      make(map[string]*models.Signal),
		outcomes:     make(map[string]string),
		orders:       make(map[string]*models.Order),
		positions:    make(map[string]*models.Position),
		blacklist:    make(map[string]time.Time),
		reservations: make(map[string]*models.Reservation),
	}
}

func (m *MockStore) Close() error { return nil }

func (m *MockStore) InsertSignalIfNew(_ context.Context, sig *models.Signal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.signals[sig.ID]; ok {
		return false, nil
	}
	cp := *sig
	m.signals[sig.ID] = &cp
	return true, nil
}

func (m *MockStore) MarkSignalOutcome(_ context.Context, signalID, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.signals[signalID]; !ok {
		return ErrNotFound
	}
	m.outcomes[signalID] = outcome
	return nil
}

// SignalOutcome returns the recorded outcome, for test assertions.
func (m *MockStore) SignalOutcome(signalID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[signalID]
}

func (m *MockStore) SignalExists(_ context.Context, signalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.signals[signalID]
	return ok, nil
}

func (m *MockStore) HistoricalPremiums(_ context.Context, symbol, fromDate, toDate string) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type rec struct {
		t time.Time
		p float64
	}
	var recs []rec
	for _, s := range m.signals {
		d := s.EasternTime.Format("2006-01-02")
		if s.Symbol == symbol && d >= fromDate && d <= toDate {
			recs = append(recs, rec{s.EasternTime, s.PremiumUSD})
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].t.Before(recs[j].t) })
	out := make([]float64, len(recs))
	for i, r := range recs {
		out[i] = r.p
	}
	return out, nil
}

func (m *MockStore) InsertOrder(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ClientID]; ok {
		return fmt.Errorf("order %s already exists", o.ClientID)
	}
	cp := *o
	m.orders[o.ClientID] = &cp
	return nil
}

func (m *MockStore) UpdateOrder(_ context.Context, clientID string, status models.OrderStatus,
	filledShares int64, avgPrice float64, brokerID, reason string, at time.Time) error {

	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientID]
	if !ok {
		return ErrNotFound
	}
	if o.Status.Terminal() {
		return ErrTerminalOrder
	}
	o.Status = status
	o.FilledShares = filledShares
	o.AvgPrice = avgPrice
	if brokerID != "" {
		o.BrokerID = brokerID
	}
	if reason != "" {
		o.Reason = reason
	}
	o.UpdatedEastern = at
	return nil
}

func (m *MockStore) GetOrder(_ context.Context, clientID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MockStore) OpenOrders(_ context.Context) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedEastern.Before(out[j].CreatedEastern)
	})
	return out, nil
}

func (m *MockStore) PendingSellExists(_ context.Context, symbol string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.Symbol == symbol && o.Side == models.SideSell && !o.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockStore) InsertPosition(_ context.Context, p *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Status == models.PositionOpen {
		for _, q := range m.positions {
			if q.Symbol == p.Symbol && q.Status == models.PositionOpen {
				return ErrDuplicateOpenPosition
			}
		}
	}
	cp := *p
	m.positions[p.ID] = &cp
	return nil
}

func (m *MockStore) OpenPositions(_ context.Context) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Position
	for _, p := range m.positions {
		if p.Status == models.PositionOpen {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) HasOpenPosition(_ context.Context, symbol string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.Symbol == symbol && p.Status == models.PositionOpen {
			return true, nil
		}
	}
	return false, nil
}

// Position returns a copy of the stored position, for test assertions.
func (m *MockStore) Position(id string) (*models.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

func (m *MockStore) ClosePosition(_ context.Context, positionID string, reason models.ExitReason,
	price float64, at time.Time) error {

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionID]
	if !ok || p.Status != models.PositionOpen {
		return ErrNotFound
	}
	p.Status = models.PositionClosed
	p.CloseReason = reason
	p.ClosePrice = price
	p.CloseEastern = at
	return nil
}

func (m *MockStore) UpdateHighWater(_ context.Context, positionID string, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionID]
	if !ok || p.Status != models.PositionOpen {
		return ErrNotFound
	}
	if price > p.HighWaterPrice {
		p.HighWaterPrice = price
	}
	return nil
}

func (m *MockStore) SetLastChecked(_ context.Context, positionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionID]
	if !ok || p.Status != models.PositionOpen {
		return ErrNotFound
	}
	p.LastCheckedEastern = at
	return nil
}

func (m *MockStore) SetPositionShares(_ context.Context, positionID string, shares int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionID]
	if !ok || p.Status != models.PositionOpen {
		return ErrNotFound
	}
	p.Shares = shares
	return nil
}

func (m *MockStore) UpsertBlacklist(_ context.Context, symbol string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.blacklist[symbol]; !ok || until.After(cur) {
		m.blacklist[symbol] = until
	}
	return nil
}

func (m *MockStore) IsBlacklisted(_ context.Context, symbol string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.blacklist[symbol]
	return ok && at.Before(until), nil
}

func (m *MockStore) ReserveCapacity(_ context.Context, dateEastern string, ratio float64,
	limits CapacityLimits) (*models.Reservation, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailReserve != nil {
		return nil, m.FailReserve
	}

	tradeCount := 0
	gross := 0.0
	for _, r := range m.reservations {
		if r.DateEastern != dateEastern {
			continue
		}
		switch r.Status {
		case models.ReservationCommitted, models.ReservationHeld:
			tradeCount++
			gross += r.Ratio
		}
	}
	if tradeCount >= limits.MaxTradesPerDay {
		return nil, fmt.Errorf("%w: %d trades on %s", ErrCapacityExhausted, tradeCount, dateEastern)
	}
	if gross+ratio > limits.DailyGrossCap {
		return nil, fmt.Errorf("%w: %.4f + %.4f exceeds cap %.4f",
			ErrCapacityExhausted, gross, ratio, limits.DailyGrossCap)
	}

	r := &models.Reservation{
		ID:             ids.NewUUID(),
		DateEastern:    dateEastern,
		Ratio:          ratio,
		Status:         models.ReservationHeld,
		CreatedEastern: time.Now(),
	}
	m.reservations[r.ID] = r
	return r, nil
}

func (m *MockStore) setReservationStatus(id string, status models.ReservationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok || r.Status != models.ReservationHeld {
		return ErrNotFound
	}
	r.Status = status
	return nil
}

func (m *MockStore) CommitReservation(_ context.Context, reservationID string) error {
	return m.setReservationStatus(reservationID, models.ReservationCommitted)
}

func (m *MockStore) RollbackReservation(_ context.Context, reservationID string) error {
	return m.setReservationStatus(reservationID, models.ReservationRolledBack)
}

func (m *MockStore) DailyUsage(_ context.Context, dateEastern string) (*models.DailyUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var u models.DailyUsage
	for _, r := range m.reservations {
		if r.DateEastern != dateEastern {
			continue
		}
		switch r.Status {
		case models.ReservationCommitted:
			u.TradeCount++
			u.GrossRatio += r.Ratio
		case models.ReservationHeld:
			u.GrossRatio += r.Ratio
		}
	}
	return &u, nil
}

func (m *MockStore) SaveCheckpoint(_ context.Context, cp *models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cp
	m.checkpoint = &c
	return nil
}

func (m *MockStore) LoadCheckpoint(_ context.Context) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoint == nil {
		return nil, ErrNotFound
	}
	cp := *m.checkpoint
	return &cp, nil
}

func (m *MockStore) SaveReconciliation(_ context.Context, r *models.ReconciliationReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, *r)
	return nil
}

func (m *MockStore) ReconciliationHistory(_ context.Context, limit int) ([]models.ReconciliationReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ReconciliationReport, 0, limit)
	for i := len(m.reports) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.reports[i])
	}
	return out, nil
}
