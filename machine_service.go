package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// catalogAdapter narrows CatalogService to the machine's CatalogProvider.
type catalogAdapter struct {
	*CatalogService
}

func (a catalogAdapter) FetchProducts(ctx context.Context) ([]Product, error) {
	return a.ListProducts(ctx, "")
}

// MachineService hosts one live Machine per active kiosk session.
type MachineService struct {
	catalog  *CatalogService
	sessions *SessionService
	sink     EventSink

	mu       sync.Mutex
	machines map[int64]*Machine
}

func NewMachineService(catalog *CatalogService, sessions *SessionService, sink EventSink) *MachineService {
	return &MachineService{
		catalog:  catalog,
		sessions: sessions,
		sink:     sink,
		machines: map[int64]*Machine{},
	}
}

// StartMachine spins up (or returns) the machine bound to a session. The
// budget and spend view is loaded from the ledger at start.
func (ms *MachineService) StartMachine(ctx context.Context, sessionID int64) (*Machine, error) {
	ms.mu.Lock()
	if m, ok := ms.machines[sessionID]; ok {
		ms.mu.Unlock()
		return m, nil
	}
	ms.mu.Unlock()

	session, err := ms.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Completed {
		return nil, fmt.Errorf("session %d already completed", sessionID)
	}

	tracker := NewTracker(sessionID, ms.sink)
	m, err := NewMachine(MachineConfig{
		SessionID:     sessionID,
		DistributorID: session.DistributorID,
		Budget:        session.BudgetSet,
		AmountSpent:   session.TotalSpent,
		Catalog:       catalogAdapter{ms.catalog},
		Ledger:        ms.sessions,
		Tracker:       tracker,
		OnReset:       func() { ms.StopMachine(sessionID) },
	})
	if err != nil {
		tracker.Close()
		return nil, err
	}

	ms.mu.Lock()
	if existing, ok := ms.machines[sessionID]; ok {
		// Lost the race to another start request.
		ms.mu.Unlock()
		m.Close()
		return existing, nil
	}
	ms.machines[sessionID] = m
	ms.mu.Unlock()

	slog.Info("Kiosk machine started", "sessionID", sessionID, "distributorID", session.DistributorID)
	return m, nil
}

// Get returns the live machine for a session, if any.
func (ms *MachineService) Get(sessionID int64) (*Machine, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	m, ok := ms.machines[sessionID]
	return m, ok
}

// StopMachine tears the machine down, flushing its tracker.
func (ms *MachineService) StopMachine(sessionID int64) {
	ms.mu.Lock()
	m, ok := ms.machines[sessionID]
	if ok {
		delete(ms.machines, sessionID)
	}
	ms.mu.Unlock()
	if !ok {
		return
	}
	m.Close()
	slog.Info("Kiosk machine stopped", "sessionID", sessionID)
}

// StopAll tears down every machine, used on shutdown.
func (ms *MachineService) StopAll() {
	ms.mu.Lock()
	machines := ms.machines
	ms.machines = map[int64]*Machine{}
	ms.mu.Unlock()
	for id, m := range machines {
		m.Close()
		slog.Info("Kiosk machine stopped", "sessionID", id)
	}
}
