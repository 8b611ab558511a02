// Package httpserver exposes the HTTP control surface for subscribers, the rate
// generator and throttler statistics.
package httpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/pricegate/errs"
	"github.com/coachpo/pricegate/internal/app/processor"
	"github.com/coachpo/pricegate/internal/app/subscribers"
	"github.com/coachpo/pricegate/internal/app/throttler"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	subscribePath          = "/processor/subscribe"
	unsubscribePath        = "/processor/unsubscribe"
	subscribersPath        = "/processor/subscribers"
	subscriberDetailPrefix = subscribersPath + "/"
	cancelPath             = "/processor/cancel"
	streamPath             = "/processor/stream"
	generateRatesPath      = "/generator/generate-rates"
	currentRatesPath       = "/generator/get-current-rates"
	statsPath              = "/throttler/stats"
	healthPath             = "/healthz"
)

// Processor manages subscriber lifecycles. *processor.Manager implements it.
type Processor interface {
	Create(ctx context.Context, spec processor.Spec) (processor.Subscription, error)
	Remove(ctx context.Context, id uuid.UUID) error
	Get(id uuid.UUID) (processor.Subscription, bool)
	List() []processor.Subscription
	Attach(name string, conn *websocket.Conn) (uuid.UUID, *subscribers.Stream, error)
	Detach(id uuid.UUID)
}

// Engine exposes engine-wide operations. *throttler.Throttler implements it.
type Engine interface {
	CancelAll() bool
	Stats() throttler.Stats
}

// RateSource produces exchange rates. *generator.Generator implements it.
type RateSource interface {
	Generate(ctx context.Context) map[string]float64
	Current(ctx context.Context) map[string]float64
}

// Deps groups the collaborators served by the handler. A nil Rates disables the
// generator routes.
type Deps struct {
	Processor Processor
	Engine    Engine
	Rates     RateSource
	Logger    *log.Logger
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	processor Processor
	engine    Engine
	rates     RateSource
	logger    *log.Logger
}

// NewHandler creates the HTTP handler for the control API.
func NewHandler(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "http ", log.LstdFlags|log.Lmicroseconds)
	}
	server := &httpServer{processor: deps.Processor, engine: deps.Engine, rates: deps.Rates, logger: logger}
	mux := http.NewServeMux()

	mux.Handle(subscribePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPut: server.subscribeSleeper,
	}))
	mux.Handle(unsubscribePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodDelete: server.unsubscribe,
	}))
	mux.Handle(subscribersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listSubscribers,
		http.MethodPost: server.createSubscriber,
	}))
	mux.Handle(subscriberDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.getSubscriber,
		http.MethodDelete: server.removeSubscriber,
	}))
	mux.Handle(cancelPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.cancelAll,
	}))
	mux.Handle(streamPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.stream,
	}))
	mux.Handle(generateRatesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPatch: server.generateRates,
	}))
	mux.Handle(currentRatesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.currentRates,
	}))
	mux.Handle(statsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.stats,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) subscribeSleeper(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var operationTimeMs int64
	if raw := strings.TrimSpace(query.Get("operationTimeMs")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid operationTimeMs %q", raw))
			return
		}
		operationTimeMs = parsed
	}
	created, err := s.processor.Create(r.Context(), processor.Spec{
		Kind:            processor.KindSleeper,
		Name:            query.Get("name"),
		OperationTimeMs: operationTimeMs,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": created.ID.String()})
}

func (s *httpServer) createSubscriber(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	spec, err := decodeSpec(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	created, err := s.processor.Create(r.Context(), spec)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *httpServer) listSubscribers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"subscribers": s.processor.List()})
}

func (s *httpServer) getSubscriber(w http.ResponseWriter, r *http.Request) {
	id, ok := subscriberID(w, r)
	if !ok {
		return
	}
	sub, found := s.processor.Get(id)
	if !found {
		writeError(w, http.StatusNotFound, "subscriber not found")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *httpServer) removeSubscriber(w http.ResponseWriter, r *http.Request) {
	id, ok := subscriberID(w, r)
	if !ok {
		return
	}
	s.remove(w, r, id)
}

func (s *httpServer) unsubscribe(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("uuid"))
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid uuid %q", raw))
		return
	}
	s.remove(w, r, id)
}

func (s *httpServer) remove(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	if err := s.processor.Remove(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "id": id.String()})
}

func (s *httpServer) cancelAll(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.engine.CancelAll()})
}

func (s *httpServer) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("stream accept: %v", err)
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		name = "stream-" + r.RemoteAddr
	}
	id, _, err := s.processor.Attach(name, conn)
	if err != nil {
		s.logger.Printf("stream rejected: name=%s err=%v", name, err)
		_ = conn.Close(websocket.StatusTryAgainLater, "subscriber registry full")
		return
	}
	defer s.processor.Detach(id)

	// Inbound data messages are not part of the protocol; any message or a closed
	// socket ends the subscription.
	<-conn.CloseRead(r.Context()).Done()
}

func (s *httpServer) generateRates(w http.ResponseWriter, r *http.Request) {
	if s.rates == nil {
		writeError(w, http.StatusServiceUnavailable, "rate generator disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rates": formatRates(s.rates.Generate(r.Context()))})
}

func (s *httpServer) currentRates(w http.ResponseWriter, r *http.Request) {
	if s.rates == nil {
		writeError(w, http.StatusServiceUnavailable, "rate generator disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rates": formatRates(s.rates.Current(r.Context()))})
}

func (s *httpServer) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func subscriberID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, subscriberDetailPrefix), "/")
	if raw == "" {
		writeError(w, http.StatusNotFound, "subscriber id required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid subscriber id %q", raw))
		return uuid.Nil, false
	}
	return id, true
}

func formatRates(rates map[string]float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(rates))
	for pair, rate := range rates {
		out[pair] = decimal.NewFromFloat(rate)
	}
	return out
}

func (s *httpServer) writeServiceError(w http.ResponseWriter, err error) {
	var e *errs.E
	if !errors.As(err, &e) {
		s.logger.Printf("request failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch {
	case errs.IsCode(err, errs.CodeInvalid):
		status = http.StatusBadRequest
	case errs.IsCode(err, errs.CodeNotFound):
		status = http.StatusNotFound
	case errs.IsCode(err, errs.CodeConflict):
		status = http.StatusConflict
	case errs.IsCode(err, errs.CodeUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorPayload{
		Status:    "error",
		Error:     err.Error(),
		Code:      string(e.Code),
		Canonical: string(e.Canonical),
		Fields:    e.Fields,
	})
}

type errorPayload struct {
	Status    string            `json:"status"`
	Error     string            `json:"error"`
	Code      string            `json:"code,omitempty"`
	Canonical string            `json:"canonical,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

func decodeSpec(r *http.Request) (processor.Spec, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var spec processor.Spec
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return spec, fmt.Errorf("read payload: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&spec); err != nil {
		return spec, fmt.Errorf("decode payload: %w", err)
	}
	return spec, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
