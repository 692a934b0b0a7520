package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
)

// ExportService renders study data as JSON-ready structures or CSV.
type ExportService struct {
	sessions *SessionService
	events   *EventService
	catalog  *CatalogService
}

func NewExportService(sessions *SessionService, events *EventService, catalog *CatalogService) *ExportService {
	return &ExportService{sessions: sessions, events: events, catalog: catalog}
}

// SessionExport is one session joined with its participant for export.
type SessionExport struct {
	Session
	Participant *Participant `json:"participant,omitempty"`
	Purchases   []Purchase   `json:"purchases"`
}

// Sessions returns every session with participant and purchase lines.
func (ex *ExportService) Sessions(ctx context.Context) ([]SessionExport, error) {
	sessions, err := ex.sessions.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SessionExport, 0, len(sessions))
	for _, s := range sessions {
		entry := SessionExport{Session: s}
		if p, err := ex.sessions.GetParticipant(ctx, s.ParticipantID); err == nil {
			entry.Participant = p
		}
		purchases, err := ex.sessions.ListSessionPurchases(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		entry.Purchases = purchases
		out = append(out, entry)
	}
	return out, nil
}

// Purchases returns every purchase line across sessions, oldest first.
func (ex *ExportService) Purchases(ctx context.Context) ([]Purchase, error) {
	sessions, err := ex.sessions.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	var all []Purchase
	for _, s := range sessions {
		purchases, err := ex.sessions.ListSessionPurchases(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		all = append(all, purchases...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return all, nil
}

// SessionsCSV renders the sessions export in the researchers' sheet layout.
func (ex *ExportService) SessionsCSV(ctx context.Context) ([]byte, error) {
	sessions, err := ex.Sessions(ctx)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"session_id", "participant_name", "age_range", "gender", "budget", "spent", "items", "duration_s", "realism", "would_use", "comment"})
	for _, s := range sessions {
		var name, ageRange, gender string
		if s.Participant != nil {
			name = s.Participant.Name
			ageRange = s.Participant.AgeRange
			gender = s.Participant.Gender
		}
		duration := ""
		if s.SessionEnd != nil {
			duration = strconv.Itoa(int(s.SessionEnd.Sub(s.SessionStart).Seconds()))
		}
		realism := ""
		if s.FeedbackRealism != 0 {
			realism = strconv.Itoa(s.FeedbackRealism)
		}
		w.Write([]string{
			strconv.FormatInt(s.ID, 10), name, ageRange, gender,
			formatAmount(s.BudgetSet), formatAmount(s.TotalSpent),
			strconv.Itoa(s.ItemsPurchased), duration,
			realism, s.FeedbackWouldUse, s.FeedbackComment,
		})
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// EventsCSV renders the full event log, timestamp ascending.
func (ex *ExportService) EventsCSV(ctx context.Context) ([]byte, error) {
	events, err := ex.events.ListAllEvents(ctx)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"session_id", "event_type", "product_id", "category", "metadata", "timestamp"})
	for _, e := range events {
		productID := ""
		if e.ProductID != 0 {
			productID = strconv.FormatInt(e.ProductID, 10)
		}
		w.Write([]string{
			strconv.FormatInt(e.SessionID, 10), string(e.EventType),
			productID, string(e.Category), string(e.Metadata),
			e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
		})
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// PurchasesCSV renders every purchase line with its product name.
func (ex *ExportService) PurchasesCSV(ctx context.Context) ([]byte, error) {
	purchases, err := ex.Purchases(ctx)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"id", "session_id", "product_name", "quantity", "unit_price", "total_price", "created_at"})
	for _, p := range purchases {
		name := ""
		if product, err := ex.catalog.GetProduct(ctx, p.ProductID); err == nil {
			name = product.Name
		}
		w.Write([]string{
			p.ID, strconv.FormatInt(p.SessionID, 10), name,
			strconv.Itoa(p.Quantity), formatAmount(p.UnitPrice), formatAmount(p.TotalPrice),
			p.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		})
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func formatAmount(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
