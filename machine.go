package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DISPENSE_DELAY    = 2200 * time.Millisecond
	ERROR_CLEAR_DELAY = 1500 * time.Millisecond
	AUTO_RESET_DELAY  = 10 * time.Second
	COLLAB_TIMEOUT    = 5 * time.Second
)

// LCD messages shown on the kiosk, in French like the original hardware.
const (
	lcdInvalidCode = "Code invalide"
	lcdOutOfStock  = "Épuisé"
	lcdServiceDown = "Service indisponible"
	lcdPrompt      = "Tapez un code"
)

// MachineState is the closed set of purchase state machine states.
type MachineState int

const (
	StateIdle MachineState = iota
	StateLetterSelected
	StateCodeSelected
	StateAwaitingFunds
	StateDispensing
)

func (s MachineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLetterSelected:
		return "letter_selected"
	case StateCodeSelected:
		return "code_selected"
	case StateAwaitingFunds:
		return "awaiting_funds"
	case StateDispensing:
		return "dispensing"
	}
	return "unknown"
}

// CatalogProvider supplies the product list and a stock snapshot.
type CatalogProvider interface {
	FetchProducts(ctx context.Context) ([]Product, error)
	FetchStock(ctx context.Context, distributorID string) (map[int64]int, error)
}

// SessionLedger is the server-side record of budget and purchases.
type SessionLedger interface {
	AdjustBudget(ctx context.Context, sessionID int64, amount float64) (float64, error)
	RecordPurchase(ctx context.Context, sessionID int64, items []PurchaseItem) (*PurchaseResult, error)
}

// MachineConfig wires one kiosk machine to its collaborators.
type MachineConfig struct {
	SessionID     int64
	DistributorID string
	Budget        float64
	AmountSpent   float64

	Catalog CatalogProvider
	Ledger  SessionLedger
	Tracker *Tracker

	// OnReset fires after the post-session auto-reset countdown.
	OnReset func()

	// Zero values fall back to the hardware timings.
	DispenseDelay   time.Duration
	ErrorClearDelay time.Duration
	AutoResetDelay  time.Duration
}

// Machine turns keypad and money-slot input into at most one purchase per
// code entry. All operations serialize on one mutex, mirroring the original
// kiosk's single-threaded event loop; timers re-enter through the same lock
// and are generation-guarded so a stale callback never clobbers newer state.
type Machine struct {
	mu      sync.Mutex
	catalog CatalogProvider
	ledger  SessionLedger
	tracker *Tracker

	sessionID     int64
	distributorID string

	products []Product
	stock    map[int64]int

	// Ledger view, synchronized through explicit calls.
	budget      float64
	amountSpent float64

	state         MachineState
	letter        string
	number        int
	pending       *Product
	errText       string
	dispensing    *Product
	lastDispensed *Product
	showPickup    bool
	finished      bool

	gen           uint64
	errTimer      *time.Timer
	dispenseTimer *time.Timer
	resetTimer    *time.Timer

	dispenseDelay time.Duration
	errorDelay    time.Duration
	resetDelay    time.Duration
	onReset       func()
}

// NewMachine loads the catalog and stock snapshot and starts at Idle.
func NewMachine(cfg MachineConfig) (*Machine, error) {
	m := &Machine{
		catalog:       cfg.Catalog,
		ledger:        cfg.Ledger,
		tracker:       cfg.Tracker,
		sessionID:     cfg.SessionID,
		distributorID: cfg.DistributorID,
		budget:        cfg.Budget,
		amountSpent:   cfg.AmountSpent,
		stock:         map[int64]int{},
		dispenseDelay: cfg.DispenseDelay,
		errorDelay:    cfg.ErrorClearDelay,
		resetDelay:    cfg.AutoResetDelay,
		onReset:       cfg.OnReset,
	}
	if m.dispenseDelay == 0 {
		m.dispenseDelay = DISPENSE_DELAY
	}
	if m.errorDelay == 0 {
		m.errorDelay = ERROR_CLEAR_DELAY
	}
	if m.resetDelay == 0 {
		m.resetDelay = AUTO_RESET_DELAY
	}

	ctx, cancel := context.WithTimeout(context.Background(), COLLAB_TIMEOUT)
	defer cancel()
	products, err := m.catalog.FetchProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	m.products = products
	m.refreshStock(ctx)
	return m, nil
}

// refreshStock replaces the stock snapshot, keeping the stale one on error.
func (m *Machine) refreshStock(ctx context.Context) {
	stock, err := m.catalog.FetchStock(ctx, m.distributorID)
	if err != nil {
		slog.Error("Stock refresh failed, keeping stale snapshot", "distributorID", m.distributorID, "error", err)
		return
	}
	m.stock = stock
}

func (m *Machine) creditLocked() float64 { return m.budget - m.amountSpent }

// resolveCode maps a slot code to a product: 1-based position within the
// category-filtered product list, ordered as loaded. Resolution uses the
// list as it is now, not as it was at selection time.
func (m *Machine) resolveCode(letter string, number int) *Product {
	category, ok := CategoryByPrefix(letter)
	if !ok {
		return nil
	}
	idx := number - 1
	if idx < 0 {
		return nil
	}
	n := 0
	for i := range m.products {
		if m.products[i].Category != category {
			continue
		}
		if n == idx {
			return &m.products[i]
		}
		n++
	}
	return nil
}

// bump invalidates every outstanding generation-guarded timer callback.
func (m *Machine) bump() { m.gen++ }

// after schedules fn on the machine lock, skipped if the state has moved on.
func (m *Machine) after(d time.Duration, fn func()) *time.Timer {
	gen := m.gen
	return time.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen {
			return
		}
		fn()
	})
}

func (m *Machine) clearErrorLocked() {
	if m.errTimer != nil {
		m.errTimer.Stop()
		m.errTimer = nil
	}
	m.errText = ""
}

// setErrorLocked shows a transient LCD error that auto-clears along with the
// current selection.
func (m *Machine) setErrorLocked(msg string) {
	m.clearErrorLocked()
	m.errText = msg
	m.errTimer = m.after(m.errorDelay, func() {
		m.errText = ""
		m.errTimer = nil
		m.letter = ""
		m.number = 0
		m.state = StateIdle
	})
}

// PressLetter selects a category row. Ignored while dispensing, while a
// pending product awaits funds, or after the session finished.
func (m *Machine) PressLetter(letter string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished || m.state == StateDispensing || m.pending != nil {
		return
	}
	if _, ok := CategoryByPrefix(letter); !ok {
		return
	}

	m.bump()
	m.clearErrorLocked()
	m.letter = letter
	m.number = 0
	m.state = StateLetterSelected

	category, _ := CategoryByPrefix(letter)
	m.tracker.Track(EventCategorySwitch, &TrackData{
		Category: category,
		Metadata: map[string]any{"action": "keypad_letter"},
	})
}

// PressNumber selects a position within the chosen row.
func (m *Machine) PressNumber(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished || m.state == StateDispensing || m.pending != nil || m.letter == "" {
		return
	}
	if n < 1 {
		return
	}

	m.bump()
	m.clearErrorLocked()
	m.number = n
	m.state = StateCodeSelected

	m.tracker.Track(EventProductView, &TrackData{
		Metadata: map[string]any{"action": "keypad_number", "code": fmt.Sprintf("%s%d", m.letter, n)},
	})
}

// SelectSlot is the card-tap shortcut: letter and number in one gesture.
// Out-of-stock slots do not react, matching the greyed-out cards.
func (m *Machine) SelectSlot(letter string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished || m.state == StateDispensing || m.pending != nil {
		return
	}
	product := m.resolveCode(letter, n)
	if product == nil || m.stock[product.ID] == 0 {
		return
	}

	m.bump()
	m.clearErrorLocked()
	m.letter = letter
	m.number = n
	m.state = StateCodeSelected

	m.tracker.Track(EventProductView, &TrackData{
		Metadata: map[string]any{"action": "card_tap", "code": fmt.Sprintf("%s%d", letter, n)},
	})
}

// Cancel clears the current selection, pending product, error and pickup
// display. Idempotent; only emits cart_abandon when something was selected.
func (m *Machine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished || m.state == StateDispensing {
		return
	}

	hadSelection := m.letter != "" || m.pending != nil
	m.bump()
	m.clearErrorLocked()
	m.letter = ""
	m.number = 0
	m.pending = nil
	m.lastDispensed = nil
	m.showPickup = false
	m.state = StateIdle

	if hadSelection {
		m.tracker.Track(EventCartAbandon, &TrackData{Metadata: map[string]any{"action": "keypad_cancel"}})
	}
}

// Validate resolves the entered code and either finalizes the purchase,
// parks it awaiting funds, or shows a transient error.
func (m *Machine) Validate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished || m.state != StateCodeSelected {
		return
	}

	code := fmt.Sprintf("%s%d", m.letter, m.number)
	product := m.resolveCode(m.letter, m.number)
	if product == nil {
		m.bump()
		m.setErrorLocked(lcdInvalidCode)
		m.tracker.Track(EventHesitation, &TrackData{
			Metadata: map[string]any{"action": "invalid_code", "code": code},
		})
		return
	}
	if m.stock[product.ID] == 0 {
		m.bump()
		m.setErrorLocked(lcdOutOfStock)
		return
	}

	if m.creditLocked() >= product.Price {
		m.finalizeLocked(product, code)
		return
	}

	m.bump()
	m.pending = product
	m.state = StateAwaitingFunds
}

// InsertMoney adds a coin or bill to the session budget. The local view is
// updated optimistically; the ledger write is logged on failure but does not
// roll the insertion back. A pending product auto-finalizes once covered.
func (m *Machine) InsertMoney(d Denomination) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished || m.state == StateDispensing {
		return
	}

	m.bump()
	m.budget += d.Value

	ctx, cancel := context.WithTimeout(context.Background(), COLLAB_TIMEOUT)
	if _, err := m.ledger.AdjustBudget(ctx, m.sessionID, d.Value); err != nil {
		slog.Error("Budget persist failed, local view kept", "sessionID", m.sessionID, "amount", d.Value, "error", err)
	}
	cancel()

	m.tracker.Track(EventMoneyInsert, &TrackData{
		Metadata: map[string]any{"denomination": d.Value, "total_inserted": m.budget},
	})

	if m.pending != nil && m.creditLocked() >= m.pending.Price {
		product := m.pending
		m.finalizeLocked(product, "")
	}
}

// finalizeLocked records the purchase and drives the dispensing lifecycle.
// Exactly one finalize can be in flight: every entry path is guarded by the
// Dispensing state. A ledger failure rolls the optimistic spend back and
// surfaces a transient service error instead of dispensing anyway.
func (m *Machine) finalizeLocked(product *Product, code string) {
	meta := map[string]any{"price": product.Price}
	if code != "" {
		meta["code"] = code
	}
	m.tracker.Track(EventPurchaseConfirm, &TrackData{
		ProductID: product.ID,
		Category:  product.Category,
		Metadata:  meta,
	})

	m.bump()
	m.amountSpent += product.Price
	m.pending = nil
	m.letter = ""
	m.number = 0
	m.lastDispensed = nil
	m.showPickup = false
	m.state = StateDispensing
	m.dispensing = product

	ctx, cancel := context.WithTimeout(context.Background(), COLLAB_TIMEOUT)
	_, err := m.ledger.RecordPurchase(ctx, m.sessionID, []PurchaseItem{
		{ProductID: product.ID, Quantity: 1, UnitPrice: product.Price},
	})
	cancel()
	if err != nil {
		slog.Error("Purchase record failed, rolling back", "sessionID", m.sessionID, "productID", product.ID, "error", err)
		m.amountSpent -= product.Price
		m.dispensing = nil
		m.state = StateIdle
		m.setErrorLocked(lcdServiceDown)
		return
	}

	m.dispenseTimer = m.after(m.dispenseDelay, func() {
		m.dispensing = nil
		m.dispenseTimer = nil
		m.lastDispensed = product
		m.showPickup = true
		m.state = StateIdle

		ctx, cancel := context.WithTimeout(context.Background(), COLLAB_TIMEOUT)
		m.refreshStock(ctx)
		cancel()
	})
}

// AcknowledgePickup dismisses the pickup tray display.
func (m *Machine) AcknowledgePickup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.showPickup {
		return
	}
	m.bump()
	m.showPickup = false
	m.lastDispensed = nil
}

// FinishSession ends the shopping run: emits session_end, forces a flush and
// arms the auto-reset countdown. Returns false while dispensing or while a
// pending product awaits funds.
func (m *Machine) FinishSession() bool {
	m.mu.Lock()
	if m.finished || m.state == StateDispensing || m.pending != nil {
		m.mu.Unlock()
		return false
	}

	m.bump()
	m.finished = true
	m.tracker.Track(EventSessionEnd, &TrackData{
		Metadata: map[string]any{"total_spent": m.amountSpent, "remaining": m.budget - m.amountSpent},
	})
	m.resetTimer = m.after(m.resetDelay, func() {
		if m.onReset != nil {
			go m.onReset()
		}
	})
	m.mu.Unlock()

	m.tracker.Flush()
	return true
}

// Close cancels every pending timer and closes the tracker. The auto-reset
// countdown is cancelable only this way, by tearing the machine down.
func (m *Machine) Close() {
	m.mu.Lock()
	m.bump()
	for _, t := range []*time.Timer{m.errTimer, m.dispenseTimer, m.resetTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.errTimer, m.dispenseTimer, m.resetTimer = nil, nil, nil
	m.mu.Unlock()

	m.tracker.Close()
}

// Display is the render snapshot exposed to the UI layer.
type Display struct {
	SessionID     int64    `json:"session_id"`
	State         string   `json:"state"`
	Letter        string   `json:"letter,omitempty"`
	Number        int      `json:"number,omitempty"`
	LCDText       string   `json:"lcd_text"`
	LCDSubText    string   `json:"lcd_sub_text,omitempty"`
	ErrorText     string   `json:"error_text,omitempty"`
	Pending       *Product `json:"pending_product,omitempty"`
	Dispensing    bool     `json:"dispensing"`
	LastDispensed *Product `json:"last_dispensed,omitempty"`
	ShowPickup    bool     `json:"show_pickup"`
	Budget        float64  `json:"budget"`
	AmountSpent   float64  `json:"amount_spent"`
	Credit        float64  `json:"credit"`
	AmountNeeded  float64  `json:"amount_needed"`
	Finished      bool     `json:"finished"`
}

// Display returns the current machine front: LCD line, selection, credit.
func (m *Machine) Display() Display {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := Display{
		SessionID:     m.sessionID,
		State:         m.state.String(),
		Letter:        m.letter,
		Number:        m.number,
		ErrorText:     m.errText,
		Pending:       m.pending,
		Dispensing:    m.state == StateDispensing,
		LastDispensed: m.lastDispensed,
		ShowPickup:    m.showPickup,
		Budget:        m.budget,
		AmountSpent:   m.amountSpent,
		Credit:        m.creditLocked(),
		Finished:      m.finished,
	}

	if m.pending != nil {
		needed := m.pending.Price - m.creditLocked()
		if needed < 0 {
			needed = 0
		}
		d.AmountNeeded = needed
	}

	switch {
	case m.errText != "":
		d.LCDText = m.errText
	case m.pending != nil:
		d.LCDText = m.pending.Name
		if d.AmountNeeded > 0 {
			d.LCDSubText = fmt.Sprintf("CHF %.2f — Insérez CHF %.2f", m.pending.Price, d.AmountNeeded)
		} else {
			d.LCDSubText = fmt.Sprintf("CHF %.2f", m.pending.Price)
		}
	case m.letter != "" && m.number != 0:
		d.LCDText = fmt.Sprintf("%s%d", m.letter, m.number)
	case m.letter != "":
		d.LCDText = m.letter + "_"
	default:
		d.LCDText = lcdPrompt
	}
	return d
}

// State returns the current machine state.
func (m *Machine) State() MachineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
