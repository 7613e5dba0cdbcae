package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ctxbudget/internal/content"
	"ctxbudget/internal/cost"
	"ctxbudget/internal/gateway/handlers"
	"ctxbudget/internal/relevance"
	"ctxbudget/internal/source"
	"ctxbudget/internal/window"
)

// UnitRequest is a content unit as sent by clients. An empty Kind is
// inferred from the ID's file extension, or is message when Role is set.
type UnitRequest struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	Kind         string    `json:"kind,omitempty"`
	Language     string    `json:"language,omitempty"`
	Role         string    `json:"role,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
}

func (u UnitRequest) unit() content.Unit {
	kind, lang := content.ParseKind(u.Kind), u.Language
	switch {
	case u.Kind == "" && u.Role != "":
		kind = content.KindMessage
	case u.Kind == "":
		var detected string
		kind, detected = source.Detect(u.ID)
		if lang == "" {
			lang = detected
		}
	}
	unit := content.NewUnit(u.ID, u.Text, kind, lang, u.LastModified)
	unit.Role = u.Role
	return unit
}

// SelectRequest is the body of /select and /analyze.
type SelectRequest struct {
	Units []UnitRequest `json:"units"`
	// Pool selects from the session's watched pool instead of Units.
	Pool  bool      `json:"pool,omitempty"`
	Query string    `json:"query,omitempty"`
	Now   time.Time `json:"now,omitempty"`
	// Order is "score" (admission order, the default) or "source", which
	// lists the selection in request order.
	Order string `json:"order,omitempty"`
}

// Selection orders.
const (
	orderScore  = "score"
	orderSource = "source"
)

func (r SelectRequest) validate() error {
	if r.Pool && len(r.Units) > 0 {
		return errors.New("units and pool are mutually exclusive")
	}
	switch r.Order {
	case "", orderScore, orderSource:
	default:
		return fmt.Errorf("order must be %q or %q, got %q", orderScore, orderSource, r.Order)
	}
	for i, u := range r.Units {
		if u.ID == "" {
			return fmt.Errorf("units[%d]: id is required", i)
		}
	}
	return nil
}

// AppendResponse is the body returned by /window/append. Warning is set
// when the entry was admitted in truncated form.
type AppendResponse struct {
	Result  window.AppendResult   `json:"result"`
	Warning *handlers.ErrorDetail `json:"warning,omitempty"`
}

// DailyResponse is the body returned by /usage/daily.
type DailyResponse struct {
	Date      string              `json:"date"`
	DailyCost float64             `json:"daily_cost"`
	Budget    float64             `json:"budget"`
	Remaining float64             `json:"remaining"`
	Totals    cost.Totals         `json:"totals"`
	Models    []cost.ModelSummary `json:"models"`
}

func (s *Server) decodeSelect(w http.ResponseWriter, r *http.Request) (SelectRequest, []content.Unit, relevance.Query, bool) {
	var req SelectRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, err.Error())
		return req, nil, relevance.Query{}, false
	}
	if err := req.validate(); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, err.Error())
		return req, nil, relevance.Query{}, false
	}

	var units []content.Unit
	if req.Pool {
		units = s.session.Pool()
	} else {
		units = make([]content.Unit, 0, len(req.Units))
		for _, u := range req.Units {
			units = append(units, u.unit())
		}
	}
	q := relevance.Query{Text: req.Query, Now: req.Now}
	if q.Now.IsZero() {
		q.Now = s.now()
	}
	return req, units, q, true
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	req, units, q, ok := s.decodeSelect(w, r)
	if !ok {
		return
	}
	sel := s.session.Select(units, q)
	if req.Order == orderSource {
		sel.Selected = sel.InSourceOrder()
	}
	handlers.SendJSON(w, http.StatusOK, sel)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	_, units, q, ok := s.decodeSelect(w, r)
	if !ok {
		return
	}
	handlers.SendJSON(w, http.StatusOK, s.session.Analyze(units, q))
}

func (s *Server) handleCondense(w http.ResponseWriter, r *http.Request) {
	var req UnitRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, err.Error())
		return
	}
	handlers.SendJSON(w, http.StatusOK, s.session.Condense(req.unit()))
}

func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	handlers.SendJSON(w, http.StatusOK, s.session.ContextWindow())
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var in window.Input
	if err := handlers.DecodeJSON(r, &in); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, err.Error())
		return
	}
	if in.Role == "" {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "role is required")
		return
	}

	s.mu.Lock()
	res, err := s.session.Append(r.Context(), in)
	s.mu.Unlock()

	resp := AppendResponse{Result: res}
	if err != nil {
		if !errors.Is(err, content.ErrBudgetExceeded) {
			s.logger.Error().Err(err).Msg("window append failed")
			handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
			return
		}
		resp.Warning = &handlers.ErrorDetail{Code: handlers.ErrCodeBudgetExceeded, Message: err.Error()}
	}
	handlers.SendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ev := s.session.Compact(r.Context())
	s.mu.Unlock()
	handlers.SendJSON(w, http.StatusOK, ev)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.session.Reset()
	snap := s.session.ContextWindow()
	s.mu.Unlock()
	handlers.SendJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var rec cost.UsageRecord
	if err := handlers.DecodeJSON(r, &rec); err != nil {
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, err.Error())
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}

	s.mu.Lock()
	totals, err := s.session.RecordUsage(r.Context(), rec)
	s.mu.Unlock()

	switch {
	case errors.Is(err, cost.ErrUnknownModel):
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeUnknownModel, err.Error())
	case errors.Is(err, cost.ErrInvalidUsage):
		handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, err.Error())
	case err != nil:
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
	default:
		handlers.SendJSON(w, http.StatusCreated, totals)
	}
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	daily := s.session.DailyCost()
	budget := s.session.Config().Cost.DailyBudget

	resp := DailyResponse{
		Date:      day.Format(time.DateOnly),
		DailyCost: daily,
		Budget:    budget,
		Totals:    s.session.Totals(),
		Models:    s.session.ByModel(day),
	}
	if budget > 0 {
		resp.Remaining = max(budget-daily, 0)
	}
	handlers.SendJSON(w, http.StatusOK, resp)
}

// handleHistory returns retained usage records, newest last. Optional
// query parameters: since (RFC 3339) and limit.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "since must be RFC 3339")
			return
		}
		since = t
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var out []cost.UsageRecord
	for _, rec := range s.session.History() {
		if !rec.Timestamp.Before(since) {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	if out == nil {
		out = []cost.UsageRecord{}
	}
	handlers.SendJSON(w, http.StatusOK, out)
}

// handleMaintenance reports the last pruning run on GET and runs one on
// POST.
func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if s.maintenance == nil {
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "maintenance is disabled")
		return
	}
	if r.Method == http.MethodGet {
		last := s.maintenance.Last()
		if last == nil {
			handlers.SendJSON(w, http.StatusOK, map[string]any{"last": nil})
			return
		}
		handlers.SendJSON(w, http.StatusOK, map[string]any{"last": last})
		return
	}
	report, err := s.maintenance.Run(r.Context())
	if err != nil {
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}
	handlers.SendJSON(w, http.StatusOK, report)
}
