package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
)

type Handlers struct {
	cfg            Config
	catalogService *CatalogService
	sessionService *SessionService
	eventService   *EventService
	statsService   *StatsService
	exportService  *ExportService
	machineService *MachineService
	notifier       *NotificationService
	asynqClient    *asynq.Client
	pubNub         Pubnub
}

func paramID(c echo.Context, name string) (int64, error) {
	return strconv.ParseInt(c.Param(name), 10, 64)
}

// Catalog handlers

func (h *Handlers) GetProducts(c echo.Context) error {
	category := Category(c.QueryParam("category"))
	if category != "" {
		if _, ok := CategoryByPrefix(category.Prefix()); !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown category"})
		}
	}

	products, err := h.catalogService.ListProducts(c.Request().Context(), category)
	if err != nil {
		slog.Error("h.catalogService.ListProducts()", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, products)
}

func (h *Handlers) GetStock(c echo.Context) error {
	distributor := c.QueryParam("distributor")
	if distributor == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Missing distributor parameter"})
	}

	stock, err := h.catalogService.FetchStock(c.Request().Context(), distributor)
	if err != nil {
		slog.Error(fmt.Sprintf("h.catalogService.FetchStock(%v)", distributor), "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	levels := make([]StockLevel, 0, len(stock))
	for pid, qty := range stock {
		levels = append(levels, StockLevel{ProductID: pid, Quantity: qty})
	}
	return c.JSON(http.StatusOK, levels)
}

func (h *Handlers) Restock(c echo.Context) error {
	var req struct {
		DistributorID string `json:"distributor_id"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if req.DistributorID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Missing distributor_id"})
	}

	levels, err := h.catalogService.Restock(c.Request().Context(), req.DistributorID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "stocks": levels})
}

// Onboarding and session handlers

func (h *Handlers) CreateParticipant(c echo.Context) error {
	var req struct {
		Name         string   `json:"name"`
		AgeRange     string   `json:"age_range"`
		Gender       string   `json:"gender"`
		Allergies    []string `json:"allergies"`
		DietaryPrefs []string `json:"dietary_prefs"`
		VendingFreq  string   `json:"vending_freq"`
		WouldSeek    string   `json:"would_seek"`
		Budget       float64  `json:"budget"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	participant, session, err := h.sessionService.CreateParticipant(c.Request().Context(), Participant{
		Name:         req.Name,
		AgeRange:     req.AgeRange,
		Gender:       req.Gender,
		Allergies:    req.Allergies,
		DietaryPrefs: req.DietaryPrefs,
		VendingFreq:  req.VendingFreq,
		WouldSeek:    req.WouldSeek,
	}, req.Budget)
	if err != nil {
		slog.Error("h.sessionService.CreateParticipant()", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]int64{
		"participant_id": participant.ID,
		"session_id":     session.ID,
	})
}

func (h *Handlers) UpdateParticipant(c echo.Context) error {
	pid, err := paramID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid participant id"})
	}

	var req struct {
		AgeRange  string   `json:"age_range"`
		Gender    string   `json:"gender"`
		Allergies []string `json:"allergies"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	if err := h.sessionService.UpdateParticipant(c.Request().Context(), pid, req.AgeRange, req.Gender, req.Allergies); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handlers) GetSession(c echo.Context) error {
	sid, err := paramID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid session id"})
	}
	ctx := c.Request().Context()

	session, err := h.sessionService.GetSession(ctx, sid)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Session not found"})
	}
	participant, _ := h.sessionService.GetParticipant(ctx, session.ParticipantID)
	purchases, err := h.sessionService.ListSessionPurchases(ctx, sid)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	events, err := h.eventService.ListSessionEvents(ctx, sid)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"session":     session,
		"participant": participant,
		"purchases":   purchases,
		"events":      events,
	})
}

func (h *Handlers) PatchSession(c echo.Context) error {
	sid, err := paramID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid session id"})
	}
	var req struct {
		DistributorID string `json:"distributor_id"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	if err := h.sessionService.SetDistributor(c.Request().Context(), sid, req.DistributorID); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "distributor_id": req.DistributorID})
}

func (h *Handlers) DeleteSession(c echo.Context) error {
	sid, err := paramID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid session id"})
	}

	h.machineService.StopMachine(sid)
	if err := h.sessionService.DeleteSession(c.Request().Context(), sid); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Session not found"})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handlers) AdjustBudget(c echo.Context) error {
	sid, err := paramID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid session id"})
	}
	var req struct {
		Amount float64 `json:"amount"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if req.Amount <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid amount"})
	}

	total, err := h.sessionService.AdjustBudget(c.Request().Context(), sid, req.Amount)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]float64{"budget_set": total})
}

// Purchase, event and feedback handlers

func (h *Handlers) CreatePurchase(c echo.Context) error {
	var req struct {
		SessionID int64          `json:"session_id"`
		Items     []PurchaseItem `json:"items"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if req.SessionID == 0 || len(req.Items) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid data"})
	}

	result, err := h.sessionService.RecordPurchase(c.Request().Context(), req.SessionID, req.Items)
	if err != nil {
		slog.Error(fmt.Sprintf("h.sessionService.RecordPurchase(sessionID: %v)", req.SessionID), "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	h.scheduleAdminNotification(NotifyAdminPayload{
		Kind:      "purchase",
		SessionID: req.SessionID,
		Amount:    result.TotalSpent,
		Message:   fmt.Sprintf("Session %d purchased %d item(s) for CHF %.2f", req.SessionID, result.TotalItems, result.TotalSpent),
	})
	return c.JSON(http.StatusOK, result)
}

func (h *Handlers) IngestEvents(c echo.Context) error {
	var req struct {
		Events []TrackedEvent `json:"events"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if len(req.Events) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "No events provided"})
	}

	if err := h.scheduleEventIngest(uuid.New().String(), req.Events); err != nil {
		slog.Error("h.scheduleEventIngest()", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handlers) SubmitFeedback(c echo.Context) error {
	var req struct {
		SessionID int64  `json:"session_id"`
		Realism   int    `json:"realism"`
		WouldUse  string `json:"would_use"`
		Comment   string `json:"comment"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if req.SessionID == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "session_id required"})
	}

	if err := h.sessionService.CompleteSession(c.Request().Context(), req.SessionID, req.Realism, req.WouldUse, req.Comment); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	h.machineService.StopMachine(req.SessionID)

	h.scheduleAdminNotification(NotifyAdminPayload{
		Kind:      "session_complete",
		SessionID: req.SessionID,
		Message:   fmt.Sprintf("Session %d submitted feedback and completed", req.SessionID),
	})
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// Stats and admin handlers

func (h *Handlers) GetStats(c echo.Context) error {
	stats, err := h.statsService.GetStats(c.Request().Context())
	if err != nil {
		slog.Error("h.statsService.GetStats()", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handlers) ResetStats(c echo.Context) error {
	h.machineService.StopAll()
	if err := h.sessionService.ResetStudy(c.Request().Context()); err != nil {
		slog.Error("h.sessionService.ResetStudy()", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handlers) AdminExport(c echo.Context) error {
	ctx := c.Request().Context()
	format := c.QueryParam("format")
	if format == "" {
		format = "json"
	}
	exportType := c.QueryParam("type")
	if exportType == "" {
		exportType = "sessions"
	}

	if format == "csv" {
		var (
			data []byte
			err  error
		)
		switch exportType {
		case "sessions":
			data, err = h.exportService.SessionsCSV(ctx)
		case "events":
			data, err = h.exportService.EventsCSV(ctx)
		case "purchases":
			data, err = h.exportService.PurchasesCSV(ctx)
		default:
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown export type"})
		}
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%s.csv", exportType))
		return c.Blob(http.StatusOK, "text/csv", data)
	}

	switch exportType {
	case "sessions":
		sessions, err := h.exportService.Sessions(ctx)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, sessions)
	case "events":
		events, err := h.eventService.ListAllEvents(ctx)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, events)
	case "purchases":
		purchases, err := h.exportService.Purchases(ctx)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, purchases)
	}
	return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown export type"})
}

func (h *Handlers) AdminToken(c echo.Context) error {
	if h.pubNub == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "push not configured"})
	}
	token, err := h.pubNub.GenGrantToken(c.Request().Context())
	if err != nil {
		slog.Error("h.pubNub.GenGrantToken()", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}

// Kiosk machine handlers

func (h *Handlers) machineFor(c echo.Context) (*Machine, error) {
	sid, err := paramID(c, "sessionId")
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Invalid session id")
	}
	m, ok := h.machineService.Get(sid)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, "machine not started for session")
	}
	return m, nil
}

func (h *Handlers) MachineStart(c echo.Context) error {
	sid, err := paramID(c, "sessionId")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid session id"})
	}

	m, err := h.machineService.StartMachine(c.Request().Context(), sid)
	if err != nil {
		slog.Error(fmt.Sprintf("h.machineService.StartMachine(%v)", sid), "error", err)
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, m.Display())
}

func (h *Handlers) MachineDisplay(c echo.Context) error {
	m, err := h.machineFor(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m.Display())
}

func (h *Handlers) MachineLetter(c echo.Context) error {
	m, err := h.machineFor(c)
	if err != nil {
		return err
	}
	var req struct {
		Letter string `json:"letter"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	m.PressLetter(req.Letter)
	return c.JSON(http.StatusOK, m.Display())
}

func (h *Handlers) MachineNumber(c echo.Context) error {
	m, err := h.machineFor(c)
	if err != nil {
		return err
	}
	var req struct {
		Number int `json:"number"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	m.PressNumber(req.Number)
	return c.JSON(http.StatusOK, m.Display())
}

func (h *Handlers) MachineSlot(c echo.Context) error {
	m, err := h.machineFor(c)
	if err != nil {
		return err
	}
	var req struct {
		Letter string `json:"letter"`
		Number int    `json:"number"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	m.SelectSlot(req.Letter, req.Number)
	return c.JSON(http.StatusOK, m.Display())
}

func (h *Handlers) MachineValidate(c echo.Context) error {
	m, err := h.machineFor(c)
	if err != nil {
		return err
	}
	m.Validate()
	return c.JSON(http.StatusOK, m.Display())
}

func (h *Handlers) MachineCancel(c echo.Context) error {
	m, err := h.machineFor(c)
	if err != nil {
		return err
	}
	m.Cancel()
	return c.JSON(http.StatusOK, m.Display())
}

func (h *Handlers) MachineMoney(c echo.Context) error {
	m, err := h.machineFor(c)
	if err != nil {
		return err
	}
	var req struct {
		Value float64 `json:"value"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	denomination, ok := DenominationByValue(req.Value)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown denomination"})
	}
	m.InsertMoney(denomination)
	return c.JSON(http.StatusOK, m.Display())
}

func (h *Handlers) MachinePickup(c echo.Context) error {
	m, err := h.machineFor(c)
	if err != nil {
		return err
	}
	m.AcknowledgePickup()
	return c.JSON(http.StatusOK, m.Display())
}

func (h *Handlers) MachineFinish(c echo.Context) error {
	m, err := h.machineFor(c)
	if err != nil {
		return err
	}
	accepted := m.FinishSession()
	if !accepted {
		return c.JSON(http.StatusConflict, map[string]any{"accepted": false, "display": m.Display()})
	}
	return c.JSON(http.StatusOK, map[string]any{"accepted": true, "next": "/feedback", "display": m.Display()})
}
