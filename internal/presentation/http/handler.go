package httppresentation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	appAllocation "github.com/shadowroute/vpnshop/internal/application/allocation"
	appAuth "github.com/shadowroute/vpnshop/internal/application/auth"
	appPayment "github.com/shadowroute/vpnshop/internal/application/payment"
	appVPN "github.com/shadowroute/vpnshop/internal/application/vpn"
	domainInventory "github.com/shadowroute/vpnshop/internal/domain/inventory"
	domainPayment "github.com/shadowroute/vpnshop/internal/domain/payment"
	domainUser "github.com/shadowroute/vpnshop/internal/domain/user"
	"github.com/shadowroute/vpnshop/internal/observability"
	"github.com/shadowroute/vpnshop/internal/observability/logctx"
	"github.com/shadowroute/vpnshop/internal/vpnconfig"
)

type Handler struct {
	authService    *appAuth.Service
	paymentService *appPayment.Service
	engine         *appAllocation.Engine
	provisioner    *appVPN.Provisioner
	log            observability.Logger
	tel            observability.Observability
}

const (
	componentHTTPHandler = "http_server"
	headerRequestID      = "X-Request-ID"
)

func NewHandler(
	authSvc *appAuth.Service,
	paymentSvc *appPayment.Service,
	engine *appAllocation.Engine,
	provisioner *appVPN.Provisioner,
	tel observability.Observability,
) *Handler {
	baseLogger := observability.NopLogger()
	if tel != nil {
		baseLogger = tel.Logger()
	}
	return &Handler{
		authService:    authSvc,
		paymentService: paymentSvc,
		engine:         engine,
		provisioner:    provisioner,
		log:            baseLogger.With(observability.F("component", componentHTTPHandler)),
		tel:            tel,
	}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// Wire each route with middlewares:
	// Trace → ObservabilityMiddleware (request logger + metrics) → Access log → Handler
	h.muxHandle(mux, http.MethodPost, "/auth/register", h.handleRegister)
	h.muxHandle(mux, http.MethodPost, "/auth/login", h.handleLogin)
	h.muxHandle(mux, http.MethodGet, "/locations", h.handleLocations)
	h.muxHandle(mux, http.MethodPost, "/payment/quote", h.requireAuth(h.handleQuote))
	h.muxHandle(mux, http.MethodGet, "/payment/status", h.requireAuth(h.handleStatus))
	h.muxHandle(mux, http.MethodGet, "/payment/my", h.requireAuth(h.handleMyPayments))
	h.muxHandle(mux, http.MethodGet, "/vpn/config", h.requireAuth(h.handleVPNConfig))
	h.muxHandle(mux, http.MethodGet, "/health", h.handleHealth)

	return mux
}

func (h *Handler) muxHandle(mux *http.ServeMux, method, route string, handler http.HandlerFunc) {
	mux.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		// Stable route template for low-cardinality labels
		ctx := contextWithRoute(r.Context(), route)
		r = r.WithContext(ctx)

		wrapped := h.withTrace(
			ObservabilityMiddleware(
				logctx.FromOr(ctx, h.log),
				func(r *http.Request) string {
					return r.Header.Get(headerRequestID)
				},
				h.tel,
			)(
				h.withAccessLog(http.HandlerFunc(handler)),
			),
		)
		wrapped.ServeHTTP(w, r)
	})
}

type userKey struct{}

// requireAuth resolves the bearer token to a user id and stores it in the
// request context.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, appAuth.ErrInvalidToken)
			return
		}
		userID, err := h.authService.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := context.WithValue(r.Context(), userKey{}, userID)
		next(w, r.WithContext(ctx))
	}
}

func userFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	u, err := h.authService.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{UserID: u.ID, Username: u.Username})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	token, u, err := h.authService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token, UserID: u.ID})
}

type locationResponse struct {
	Name      string `json:"name"`
	Country   string `json:"country"`
	City      string `json:"city"`
	Available int    `json:"available"`
}

func (h *Handler) handleLocations(w http.ResponseWriter, r *http.Request) {
	free, err := h.engine.FreeByLocation(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	catalog := vpnconfig.Catalog()
	out := make([]locationResponse, 0, len(catalog))
	for _, loc := range catalog {
		out = append(out, locationResponse{
			Name:      loc.Name,
			Country:   loc.Country,
			City:      loc.City,
			Available: free[loc.Name],
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type quoteRequest struct {
	Location       string `json:"location"`
	DurationMonths int    `json:"duration_months"`
}

type quoteResponse struct {
	PaymentID      string    `json:"payment_id"`
	Address        string    `json:"address"`
	Location       string    `json:"location"`
	DurationMonths int       `json:"duration_months"`
	AmountBTC      string    `json:"amount_btc"`
	AmountFiat     string    `json:"amount_fiat,omitempty"`
	FiatCurrency   string    `json:"fiat_currency,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	PaymentURI     string    `json:"payment_uri"`
	QRCode         string    `json:"qr_code,omitempty"`
}

func (h *Handler) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.paymentService.Quote(r.Context(), appPayment.QuoteInput{
		UserID:         userFromContext(r.Context()),
		Location:       req.Location,
		DurationMonths: req.DurationMonths,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := quoteResponse{
		PaymentID:      result.PaymentID,
		Address:        result.Address,
		Location:       result.Location,
		DurationMonths: result.DurationMonths,
		AmountBTC:      result.AmountBTC.String(),
		FiatCurrency:   result.FiatCurrency,
		ExpiresAt:      result.ExpiresAt,
		PaymentURI:     result.PaymentURI,
		QRCode:         result.QRCode,
	}
	if !result.AmountFiat.IsZero() {
		resp.AmountFiat = result.AmountFiat.StringFixed(2)
	}
	writeJSON(w, http.StatusCreated, resp)
}

type statusResponse struct {
	PaymentID        string     `json:"payment_id"`
	Status           string     `json:"status"`
	Address          string     `json:"address"`
	AmountExpected   string     `json:"amount_expected"`
	AmountObserved   string     `json:"amount_observed"`
	SecondsRemaining int64      `json:"seconds_remaining"`
	TxHash           string     `json:"tx_hash,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ConfirmedAt      *time.Time `json:"confirmed_at,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	paymentID := r.URL.Query().Get("id")
	if paymentID == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing id"))
		return
	}

	result, err := h.paymentService.Status(r.Context(), paymentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if result.UserID != userFromContext(r.Context()) {
		// Hide other users' payments rather than acknowledging them.
		writeError(w, http.StatusNotFound, domainPayment.ErrNotFound)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		PaymentID:        result.PaymentID,
		Status:           string(result.Status),
		Address:          result.Address,
		AmountExpected:   result.AmountExpected.String(),
		AmountObserved:   result.AmountObserved.String(),
		SecondsRemaining: int64(result.TimeRemaining.Seconds()),
		TxHash:           result.TxHash,
		CreatedAt:        result.CreatedAt,
		ConfirmedAt:      result.ConfirmedAt,
	})
}

type paymentSummary struct {
	PaymentID      string    `json:"payment_id"`
	Location       string    `json:"location"`
	Status         string    `json:"status"`
	AmountBTC      string    `json:"amount_btc"`
	DurationMonths int       `json:"duration_months"`
	CreatedAt      time.Time `json:"created_at"`
}

func (h *Handler) handleMyPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.paymentService.UserPayments(r.Context(), userFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]paymentSummary, 0, len(payments))
	for _, p := range payments {
		out = append(out, paymentSummary{
			PaymentID:      p.ID,
			Location:       p.Location,
			Status:         string(p.Status),
			AmountBTC:      p.AmountBTC.String(),
			DurationMonths: p.DurationMonths,
			CreatedAt:      p.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type vpnConfigResponse struct {
	PaymentID string `json:"payment_id"`
	Location  string `json:"location"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Config    string `json:"config"`
}

func (h *Handler) handleVPNConfig(w http.ResponseWriter, r *http.Request) {
	paymentID := r.URL.Query().Get("payment_id")
	if paymentID == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing payment_id"))
		return
	}

	profile, err := h.provisioner.Profile(paymentID, userFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, vpnConfigResponse{
		PaymentID: profile.PaymentID,
		Location:  profile.Location,
		Username:  profile.Credentials.Username,
		Password:  profile.Credentials.Password,
		Config:    profile.Config,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// withAccessLog writes a single access log after the handler completes.
// It relies on the request-scoped logger already injected by ObservabilityMiddleware.
func (h *Handler) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		logctx.FromOr(r.Context(), h.log).Info("http_access",
			observability.F("method", r.Method),
			observability.F("route", routeFromContext(r.Context())),
			observability.F("path", r.URL.Path),
			observability.F("status", lrw.status),
			observability.F("latency_ms", time.Since(start).Milliseconds()),
		)
	})
}

// withTrace creates a server span for the request using OTel and W3C propagation.
func (h *Handler) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracer := otel.Tracer("vpnshop.http")
		parentCtx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		route := routeFromContext(parentCtx)
		spanName := route
		if spanName == "unknown" {
			spanName = r.Method + " " + r.URL.Path
		}

		ctxWithSpan, span := tracer.Start(parentCtx,
			spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.user_agent", r.UserAgent()),
			),
		)
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctxWithSpan))
	})
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domainPayment.ErrNotFound),
		errors.Is(err, domainUser.ErrNotFound),
		errors.Is(err, appVPN.ErrNoProfile):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domainPayment.ErrInvalidLocation),
		errors.Is(err, domainPayment.ErrInvalidDuration),
		errors.Is(err, domainUser.ErrInvalidUsername),
		errors.Is(err, domainUser.ErrInvalidPassword),
		errors.Is(err, appPayment.ErrUserRequired):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domainInventory.ErrExhausted),
		errors.Is(err, domainUser.ErrConflict):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, appAuth.ErrBadCredentials),
		errors.Is(err, appAuth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

type routeKey struct{}

// contextWithRoute stores the stable route template in the context so downstream
// metrics/logging can rely on low-cardinality values.
func contextWithRoute(ctx context.Context, route string) context.Context {
	if route == "" {
		return ctx
	}
	return context.WithValue(ctx, routeKey{}, route)
}

func routeFromContext(ctx context.Context) string {
	if ctx == nil {
		return "unknown"
	}
	if route, ok := ctx.Value(routeKey{}).(string); ok && route != "" {
		return route
	}
	return "unknown"
}
