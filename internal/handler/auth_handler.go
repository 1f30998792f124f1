package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"parishhub-auth/internal/gate"
	"parishhub-auth/internal/model"
	"parishhub-auth/internal/service"
	"parishhub-auth/internal/util"
)

// AuthHandler handles HTTP requests for authentication, recovery and
// capability operations
type AuthHandler struct {
	auth     *service.AuthService
	settings *service.SettingsService
	logger   *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(auth *service.AuthService, settings *service.SettingsService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		auth:     auth,
		settings: settings,
		logger:   logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(msg string) Response {
	return Response{
		Success: false,
		Error:   msg,
	}
}

// RegisterRoutes registers all auth routes
func (h *AuthHandler) RegisterRoutes(router chi.Router, g *gate.Gate) {
	router.Route("/auth", func(r chi.Router) {
		// Login-enabled enforcement happens inside the service, not here:
		// administrators must still be able to sign in and re-enable logins
		r.Post("/login", h.Login)
		r.Post("/login/totp", h.LoginTOTP)

		// Recovery routes stay open even when logins are disabled so a
		// locked-out member can still start the flow
		r.Post("/recovery/request", h.RequestRecovery)
		r.Post("/recovery/verify", h.VerifyRecovery)
		r.Post("/recovery/complete", h.CompleteRecovery)

		// Session-bound routes
		r.Group(func(r chi.Router) {
			r.Use(g.RequireSession)
			r.Get("/profile", h.Profile)

			r.Group(func(r chi.Router) {
				r.Use(g.RequireRole(model.RoleAdmin))
				r.Post("/recovery/approve", h.ApproveRecovery)
				r.Get("/capabilities/{accountID}", h.Capabilities)
			})
		})
	})

	router.Route("/accounts", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(g.RequireSession)
			r.Use(g.RequireRole(model.RoleAdmin))
			r.Post("/", h.CreateAccount)
		})
	})

	router.Route("/admin/settings", func(r chi.Router) {
		r.Use(g.RequireSession)
		r.Use(g.RequireRole(model.RoleAdmin))
		r.Get("/", h.GetSettings)
		r.Put("/", h.PutSetting)
	})
}

type loginRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	PIN       string `json:"pin,omitempty"`
	ClientEnv string `json:"client_env,omitempty"`
}

// Login handles credential authentication
// @Summary Authenticate with username and password
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	result, err := h.auth.Authenticate(ctx, service.AuthenticateRequest{
		Username: req.Username,
		Password: req.Password,
		PIN:      req.PIN,
		Meta:     h.requestMeta(r),
	})
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	if result.SecondFactorRequired {
		h.respondWithJSON(w, http.StatusOK, successResponse(result, "Second factor required"))
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Login successful"))
	h.logger.Info("Login via HTTP",
		util.String("username", req.Username),
		util.Duration("duration", time.Since(startTime)),
	)
}

type totpRequest struct {
	Username string `json:"username"`
	Code     string `json:"code"`
}

// LoginTOTP completes an admin login with a time-based one-time code
func (h *AuthHandler) LoginTOTP(w http.ResponseWriter, r *http.Request) {
	var req totpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	result, err := h.auth.VerifySecondFactor(r.Context(), req.Username, req.Code, h.requestMeta(r))
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Login successful"))
}

type recoveryRequest struct {
	Identifier string `json:"identifier"`
	Code       string `json:"code,omitempty"`
	Password   string `json:"password,omitempty"`
}

// RequestRecovery starts account recovery for a username or email.
// The response is identical whether or not the account exists.
func (h *AuthHandler) RequestRecovery(w http.ResponseWriter, r *http.Request) {
	var req recoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	if err := h.auth.RequestRecovery(r.Context(), req.Identifier, h.requestMeta(r)); err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusAccepted,
		successResponse(nil, "If the account exists, recovery has been requested"))
}

// ApproveRecovery lets an administrator approve a pending request and
// obtain the code to hand to the member out of band
func (h *AuthHandler) ApproveRecovery(w http.ResponseWriter, r *http.Request) {
	var req recoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	claims, _ := gate.ClaimsFromContext(r.Context())
	result, err := h.auth.ApproveRecovery(r.Context(), req.Identifier, h.requestMeta(r))
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Recovery approved"))
	if claims != nil {
		h.logger.Info("Recovery approved via HTTP",
			util.String("approver", claims.Username),
			util.String("subject", result.Username),
		)
	}
}

// VerifyRecovery checks a member-submitted recovery code. A code that is
// correct but not yet admin-approved yields a pending status, not an error.
func (h *AuthHandler) VerifyRecovery(w http.ResponseWriter, r *http.Request) {
	var req recoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	result, err := h.auth.VerifyRecoveryCode(r.Context(), req.Identifier, req.Code, h.requestMeta(r))
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	message := "Code verified"
	if result.Status == service.RecoveryOutcomePending {
		message = "Code accepted, waiting for administrator approval"
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(result, message))
}

// CompleteRecovery sets a new password on a verified recovery request
func (h *AuthHandler) CompleteRecovery(w http.ResponseWriter, r *http.Request) {
	var req recoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	if err := h.auth.CompleteRecovery(r.Context(), req.Identifier, req.Password, h.requestMeta(r)); err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Password updated"))
}

// Profile returns the authenticated account's profile and resolved tabs
func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	claims, ok := gate.ClaimsFromContext(r.Context())
	if !ok {
		h.respondWithJSON(w, http.StatusUnauthorized, errorResponse("session invalid or expired"))
		return
	}

	profile, err := h.auth.GetProfile(r.Context(), claims.AccountID)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(profile, ""))
}

// Capabilities resolves the allowed tabs for any account, for admin screens
func (h *AuthHandler) Capabilities(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	tabs, err := h.auth.ResolveCapabilities(r.Context(), accountID)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"account_id":   accountID,
		"allowed_tabs": tabs,
	}, ""))
}

// CreateAccount provisions a new account. Admin accounts get their second
// factor material back exactly once in the response.
func (h *AuthHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req service.CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	result, err := h.auth.CreateAccount(r.Context(), req)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(result, "Account created"))
}

// GetSettings returns the access gate flags
func (h *AuthHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	flags, err := h.settings.Flags(r.Context())
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(flags, ""))
}

type settingRequest struct {
	Key   string `json:"key"`
	Value bool   `json:"value"`
}

// PutSetting updates one access gate flag
func (h *AuthHandler) PutSetting(w http.ResponseWriter, r *http.Request) {
	var req settingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	claims, _ := gate.ClaimsFromContext(r.Context())
	updatedBy := ""
	if claims != nil {
		updatedBy = claims.Username
	}
	if err := h.settings.SetFlag(r.Context(), req.Key, req.Value, updatedBy); err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Setting updated"))
}

func (h *AuthHandler) requestMeta(r *http.Request) service.RequestMeta {
	return service.RequestMeta{
		IPAddress: r.RemoteAddr,
		ClientEnv: r.Header.Get(gate.ClientEnvHeader),
	}
}

// respondWithError maps service errors to HTTP status codes and
// enumeration-safe messages. Credential and lookup failures collapse into
// one message so callers cannot tell which accounts exist.
func (h *AuthHandler) respondWithError(w http.ResponseWriter, err error) {
	status, msg := h.classify(err)
	h.respondWithJSON(w, status, errorResponse(msg))
}

func (h *AuthHandler) classify(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrPinInvalid):
		return http.StatusUnauthorized, "invalid username or password"
	case errors.Is(err, service.ErrPinRequired):
		// Only reachable after the password verified; safe to name the PIN.
		return http.StatusUnauthorized, "admin pin required"
	case errors.Is(err, service.ErrInactive):
		return http.StatusForbidden, "account is deactivated"
	case errors.Is(err, service.ErrInvalidSecondFactorCode):
		return http.StatusUnauthorized, "invalid verification code"
	case errors.Is(err, service.ErrSecondFactorNotConfigured):
		return http.StatusConflict, "second factor not configured"
	case errors.Is(err, service.ErrInvalidRecoveryCode):
		return http.StatusUnauthorized, "invalid recovery code"
	case errors.Is(err, service.ErrRecoveryExpired):
		return http.StatusGone, "recovery request expired"
	case errors.Is(err, service.ErrRecoveryNotVerified):
		return http.StatusConflict, "recovery not verified"
	case errors.Is(err, service.ErrWeakPassword):
		return http.StatusBadRequest, "password does not meet requirements"
	case errors.Is(err, service.ErrDuplicateAccount):
		return http.StatusConflict, "account already exists"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests, "too many attempts, try again later"
	case errors.Is(err, service.ErrInvalidSession):
		return http.StatusUnauthorized, "session invalid or expired"
	case errors.Is(err, service.ErrUnknownSetting):
		return http.StatusBadRequest, "unknown setting key"
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, "concurrent update, retry"
	case errors.Is(err, service.ErrLoginsDisabled):
		return http.StatusServiceUnavailable, "logins are disabled"
	case errors.Is(err, service.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "temporarily unavailable"
	default:
		h.logger.Error("Unhandled service error", util.ErrorField(err))
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode response", util.ErrorField(err))
	}
}
