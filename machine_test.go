package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	mu       sync.Mutex
	products []Product
	stock    map[int64]int
}

func (c *fakeCatalog) FetchProducts(ctx context.Context) ([]Product, error) {
	return c.products, nil
}

func (c *fakeCatalog) FetchStock(ctx context.Context, distributorID string) (map[int64]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]int, len(c.stock))
	for k, v := range c.stock {
		out[k] = v
	}
	return out, nil
}

type fakeLedger struct {
	mu           sync.Mutex
	budgetAdds   []float64
	purchases    [][]PurchaseItem
	failPurchase bool
	failBudget   bool
}

func (l *fakeLedger) AdjustBudget(ctx context.Context, sessionID int64, amount float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failBudget {
		return 0, errors.New("redis down")
	}
	l.budgetAdds = append(l.budgetAdds, amount)
	return amount, nil
}

func (l *fakeLedger) RecordPurchase(ctx context.Context, sessionID int64, items []PurchaseItem) (*PurchaseResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failPurchase {
		return nil, errors.New("redis down")
	}
	l.purchases = append(l.purchases, items)
	var total float64
	var count int
	for _, it := range items {
		total += it.UnitPrice * float64(it.Quantity)
		count += it.Quantity
	}
	return &PurchaseResult{TotalSpent: total, TotalItems: count}, nil
}

func (l *fakeLedger) purchaseCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.purchases)
}

type captureSink struct {
	mu      sync.Mutex
	batches [][]TrackedEvent
	fail    bool
}

func (s *captureSink) SendEventBatch(ctx context.Context, events []TrackedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink unavailable")
	}
	s.batches = append(s.batches, events)
	return nil
}

func (s *captureSink) all() []TrackedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TrackedEvent
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func (s *captureSink) ofType(t EventType) []TrackedEvent {
	var out []TrackedEvent
	for _, ev := range s.all() {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}

func testProducts() []Product {
	return []Product{
		{ID: 1, Name: "Curry de légumes & riz", Category: CategoryMeal, Price: 8.5},
		{ID: 2, Name: "Bowl quinoa & poulet", Category: CategoryMeal, Price: 9.9},
		{ID: 3, Name: "Chips de lentilles", Category: CategorySnack, Price: 3.5},
		{ID: 4, Name: "Eau minérale", Category: CategoryDrink, Price: 2.0},
	}
}

func newTestMachine(t *testing.T, budget float64, ledger *fakeLedger, catalog *fakeCatalog, sink *captureSink) *Machine {
	t.Helper()
	// Large batch so events only reach the sink on explicit Flush, keeping
	// assertions deterministic.
	tracker := newTracker(42, sink, 64, time.Hour)
	m, err := NewMachine(MachineConfig{
		SessionID:       42,
		DistributorID:   DefaultDistributorID,
		Budget:          budget,
		Catalog:         catalog,
		Ledger:          ledger,
		Tracker:         tracker,
		DispenseDelay:   10 * time.Millisecond,
		ErrorClearDelay: 10 * time.Millisecond,
		AutoResetDelay:  30 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func defaultCatalog() *fakeCatalog {
	return &fakeCatalog{
		products: testProducts(),
		stock:    map[int64]int{1: 5, 2: 5, 3: 5, 4: 5},
	}
}

func TestResolveCode(t *testing.T) {
	m := newTestMachine(t, 20, &fakeLedger{}, defaultCatalog(), &captureSink{})

	tests := []struct {
		letter string
		number int
		wantID int64
	}{
		{"A", 1, 1},
		{"A", 2, 2},
		{"B", 1, 3},
		{"C", 1, 4},
		{"A", 3, 0},
		{"B", 9, 0},
		{"D", 1, 0},
		{"A", 0, 0},
	}
	for _, tc := range tests {
		p := m.resolveCode(tc.letter, tc.number)
		if tc.wantID == 0 {
			assert.Nil(t, p, "%s%d should not resolve", tc.letter, tc.number)
		} else {
			require.NotNil(t, p, "%s%d should resolve", tc.letter, tc.number)
			assert.Equal(t, tc.wantID, p.ID)
		}
	}
}

func TestValidateInvalidCode(t *testing.T) {
	sink := &captureSink{}
	m := newTestMachine(t, 20, &fakeLedger{}, defaultCatalog(), sink)

	m.PressLetter("B")
	m.PressNumber(9)
	m.Validate()

	d := m.Display()
	assert.Equal(t, "Code invalide", d.LCDText)

	m.tracker.Flush()
	hesitations := sink.ofType(EventHesitation)
	require.Len(t, hesitations, 1)
	assert.JSONEq(t, `{"action":"invalid_code","code":"B9"}`, string(hesitations[0].Metadata))

	// Error and selection clear together after the error delay.
	require.Eventually(t, func() bool {
		d := m.Display()
		return d.ErrorText == "" && d.Letter == "" && d.State == "idle"
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, lcdPrompt, m.Display().LCDText)
}

func TestValidateOutOfStock(t *testing.T) {
	sink := &captureSink{}
	catalog := defaultCatalog()
	catalog.stock[3] = 0
	m := newTestMachine(t, 20, &fakeLedger{}, catalog, sink)

	m.PressLetter("B")
	m.PressNumber(1)
	m.Validate()

	assert.Equal(t, "Épuisé", m.Display().LCDText)
	m.tracker.Flush()
	assert.Empty(t, sink.ofType(EventHesitation))
	assert.Empty(t, sink.ofType(EventPurchaseConfirm))
}

func TestValidateImmediatePurchase(t *testing.T) {
	sink := &captureSink{}
	ledger := &fakeLedger{}
	m := newTestMachine(t, 10, ledger, defaultCatalog(), sink)

	m.PressLetter("A")
	m.PressNumber(1)
	m.Validate()

	d := m.Display()
	assert.True(t, d.Dispensing)
	assert.Equal(t, 1, ledger.purchaseCount())

	m.tracker.Flush()
	confirms := sink.ofType(EventPurchaseConfirm)
	require.Len(t, confirms, 1)
	assert.Equal(t, int64(1), confirms[0].ProductID)
	assert.JSONEq(t, `{"price":8.5,"code":"A1"}`, string(confirms[0].Metadata))

	require.Eventually(t, func() bool {
		d := m.Display()
		return !d.Dispensing && d.ShowPickup
	}, time.Second, 2*time.Millisecond)

	d = m.Display()
	require.NotNil(t, d.LastDispensed)
	assert.Equal(t, "Curry de légumes & riz", d.LastDispensed.Name)
	assert.InDelta(t, 1.5, d.Credit, 1e-9)

	m.AcknowledgePickup()
	d = m.Display()
	assert.False(t, d.ShowPickup)
	assert.Nil(t, d.LastDispensed)
}

func TestAwaitingFundsAutoFinalize(t *testing.T) {
	sink := &captureSink{}
	ledger := &fakeLedger{}
	m := newTestMachine(t, 5, ledger, defaultCatalog(), sink)

	m.PressLetter("A")
	m.PressNumber(1) // Curry, 8.50 against a 5.00 budget
	m.Validate()

	d := m.Display()
	assert.Equal(t, "awaiting_funds", d.State)
	require.NotNil(t, d.Pending)
	assert.InDelta(t, 3.5, d.AmountNeeded, 1e-9)
	assert.Equal(t, "CHF 8.50 — Insérez CHF 3.50", d.LCDSubText)
	assert.Equal(t, 0, ledger.purchaseCount())

	// Letter presses are ignored while a product awaits funds.
	m.PressLetter("B")
	assert.Equal(t, "awaiting_funds", m.Display().State)

	two, _ := DenominationByValue(2)
	m.InsertMoney(two)
	d = m.Display()
	assert.Equal(t, "awaiting_funds", d.State)
	assert.InDelta(t, 1.5, d.AmountNeeded, 1e-9)

	m.InsertMoney(two)
	d = m.Display()
	assert.True(t, d.Dispensing)
	assert.Equal(t, 1, ledger.purchaseCount())

	ledger.mu.Lock()
	adds := append([]float64(nil), ledger.budgetAdds...)
	ledger.mu.Unlock()
	assert.Equal(t, []float64{2, 2}, adds)

	m.tracker.Flush()
	inserts := sink.ofType(EventMoneyInsert)
	require.Len(t, inserts, 2)
	assert.JSONEq(t, `{"denomination":2,"total_inserted":7}`, string(inserts[0].Metadata))
	assert.JSONEq(t, `{"denomination":2,"total_inserted":9}`, string(inserts[1].Metadata))

	// Finalize via money insertion carries no code.
	confirms := sink.ofType(EventPurchaseConfirm)
	require.Len(t, confirms, 1)
	assert.JSONEq(t, `{"price":8.5}`, string(confirms[0].Metadata))
}

func TestInsertExactPriceFinalizes(t *testing.T) {
	sink := &captureSink{}
	ledger := &fakeLedger{}
	m := newTestMachine(t, 6.5, ledger, defaultCatalog(), sink)

	m.PressLetter("A")
	m.PressNumber(1) // Curry, 8.50 against a 6.50 budget
	m.Validate()
	require.Equal(t, "awaiting_funds", m.Display().State)

	// 6.50 + 2.00 lands exactly on the price: no overshoot needed.
	two, _ := DenominationByValue(2)
	m.InsertMoney(two)

	d := m.Display()
	assert.True(t, d.Dispensing)
	assert.Nil(t, d.Pending)
	assert.Equal(t, 1, ledger.purchaseCount())
	assert.InDelta(t, 0, d.Credit, 1e-9)

	m.tracker.Flush()
	require.Len(t, sink.ofType(EventPurchaseConfirm), 1)
}

func TestNewSelectionSurvivesErrorClearWindow(t *testing.T) {
	sink := &captureSink{}
	tracker := newTracker(42, sink, 64, time.Hour)
	m, err := NewMachine(MachineConfig{
		SessionID:       42,
		DistributorID:   DefaultDistributorID,
		Budget:          20,
		Catalog:         defaultCatalog(),
		Ledger:          &fakeLedger{},
		Tracker:         tracker,
		DispenseDelay:   10 * time.Millisecond,
		ErrorClearDelay: 30 * time.Millisecond,
		AutoResetDelay:  time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	m.PressLetter("B")
	m.PressNumber(9)
	m.Validate()
	require.Equal(t, "Code invalide", m.Display().LCDText)

	// New selection inside the error window must not be wiped when the old
	// error-clear countdown would have fired.
	m.PressLetter("A")
	m.PressNumber(2)

	time.Sleep(100 * time.Millisecond)

	d := m.Display()
	assert.Equal(t, "code_selected", d.State)
	assert.Equal(t, "A", d.Letter)
	assert.Equal(t, 2, d.Number)
	assert.Equal(t, "A2", d.LCDText)
	assert.Empty(t, d.ErrorText)
}

func TestCancelEmitsCartAbandonOnce(t *testing.T) {
	sink := &captureSink{}
	m := newTestMachine(t, 20, &fakeLedger{}, defaultCatalog(), sink)

	m.PressLetter("A")
	m.PressNumber(2)
	m.Cancel()

	d := m.Display()
	assert.Equal(t, "idle", d.State)
	assert.Empty(t, d.Letter)

	m.Cancel()
	m.Cancel()
	m.tracker.Flush()
	assert.Len(t, sink.ofType(EventCartAbandon), 1)
}

func TestCancelWithoutSelectionIsSilent(t *testing.T) {
	sink := &captureSink{}
	m := newTestMachine(t, 20, &fakeLedger{}, defaultCatalog(), sink)

	m.Cancel()
	m.tracker.Flush()
	assert.Empty(t, sink.ofType(EventCartAbandon))
}

func TestPurchaseRollbackOnLedgerFailure(t *testing.T) {
	sink := &captureSink{}
	ledger := &fakeLedger{failPurchase: true}
	m := newTestMachine(t, 10, ledger, defaultCatalog(), sink)

	m.PressLetter("A")
	m.PressNumber(1)
	m.Validate()

	d := m.Display()
	assert.False(t, d.Dispensing)
	assert.Equal(t, "Service indisponible", d.LCDText)
	assert.InDelta(t, 0, d.AmountSpent, 1e-9)
	assert.InDelta(t, 10, d.Credit, 1e-9)

	require.Eventually(t, func() bool {
		return m.Display().ErrorText == ""
	}, time.Second, 2*time.Millisecond)
}

func TestSelectSlotSkipsEmptySlots(t *testing.T) {
	sink := &captureSink{}
	catalog := defaultCatalog()
	catalog.stock[4] = 0
	m := newTestMachine(t, 20, &fakeLedger{}, catalog, sink)

	m.SelectSlot("C", 1)
	assert.Equal(t, "idle", m.Display().State)

	m.SelectSlot("A", 2)
	d := m.Display()
	assert.Equal(t, "code_selected", d.State)
	assert.Equal(t, "A2", d.LCDText)

	m.tracker.Flush()
	views := sink.ofType(EventProductView)
	require.Len(t, views, 1)
	assert.JSONEq(t, `{"action":"card_tap","code":"A2"}`, string(views[0].Metadata))
}

func TestNumberWithoutLetterIgnored(t *testing.T) {
	m := newTestMachine(t, 20, &fakeLedger{}, defaultCatalog(), &captureSink{})

	m.PressNumber(3)
	d := m.Display()
	assert.Equal(t, "idle", d.State)
	assert.Zero(t, d.Number)
	assert.Equal(t, lcdPrompt, d.LCDText)

	m.PressLetter("A")
	assert.Equal(t, "A_", m.Display().LCDText)
}

func TestFinishSession(t *testing.T) {
	sink := &captureSink{}
	ledger := &fakeLedger{}
	var resetMu sync.Mutex
	resets := 0
	catalog := defaultCatalog()

	tracker := newTracker(42, sink, 64, time.Hour)
	m, err := NewMachine(MachineConfig{
		SessionID:       42,
		DistributorID:   DefaultDistributorID,
		Budget:          10,
		Catalog:         catalog,
		Ledger:          ledger,
		Tracker:         tracker,
		DispenseDelay:   10 * time.Millisecond,
		ErrorClearDelay: 10 * time.Millisecond,
		AutoResetDelay:  20 * time.Millisecond,
		OnReset: func() {
			resetMu.Lock()
			resets++
			resetMu.Unlock()
		},
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	m.PressLetter("C")
	m.PressNumber(1)
	m.Validate()
	require.Eventually(t, func() bool { return !m.Display().Dispensing }, time.Second, 2*time.Millisecond)

	require.True(t, m.FinishSession())
	assert.False(t, m.FinishSession(), "second finish must be rejected")

	ends := sink.ofType(EventSessionEnd)
	require.Len(t, ends, 1)
	assert.JSONEq(t, `{"total_spent":2,"remaining":8}`, string(ends[0].Metadata))

	// Input is dead after finish.
	m.PressLetter("A")
	assert.Equal(t, "idle", m.Display().State)

	require.Eventually(t, func() bool {
		resetMu.Lock()
		defer resetMu.Unlock()
		return resets == 1
	}, time.Second, 2*time.Millisecond)
}

func TestFinishRejectedWhilePendingOrDispensing(t *testing.T) {
	m := newTestMachine(t, 5, &fakeLedger{}, defaultCatalog(), &captureSink{})

	m.PressLetter("A")
	m.PressNumber(1)
	m.Validate()
	require.Equal(t, "awaiting_funds", m.Display().State)
	assert.False(t, m.FinishSession())

	m.Cancel()
	assert.True(t, m.FinishSession())
}

func TestCloseCancelsAutoReset(t *testing.T) {
	var resetMu sync.Mutex
	resets := 0
	tracker := newTracker(42, &captureSink{}, 64, time.Hour)
	m, err := NewMachine(MachineConfig{
		SessionID:      42,
		DistributorID:  DefaultDistributorID,
		Budget:         10,
		Catalog:        defaultCatalog(),
		Ledger:         &fakeLedger{},
		Tracker:        tracker,
		AutoResetDelay: 20 * time.Millisecond,
		OnReset: func() {
			resetMu.Lock()
			resets++
			resetMu.Unlock()
		},
	})
	require.NoError(t, err)

	require.True(t, m.FinishSession())
	m.Close()

	time.Sleep(50 * time.Millisecond)
	resetMu.Lock()
	defer resetMu.Unlock()
	assert.Zero(t, resets)
}
