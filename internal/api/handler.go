// Package api exposes the settlement coordinator over HTTP and pushes
// committed settlement events to WebSocket clients.
//
// All monetary values travel as decimal strings with two places, never as
// JSON floats.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/bet"
	"github.com/atmx/settlement-engine/internal/settlement"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Handler serves the settlement API.
type Handler struct {
	svc *settlement.Coordinator
	hub *WSHub
	log *zap.Logger
}

// NewHandler creates a handler. Pass nil for hub to disable /ws.
func NewHandler(svc *settlement.Coordinator, hub *WSHub, log *zap.Logger) *Handler {
	return &Handler{svc: svc, hub: hub, log: log}
}

// Routes mounts every endpoint on r. The caller chooses the prefix.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/wallets", func(r chi.Router) {
		r.Post("/", h.ProvisionWallet)
		r.Route("/{userID}", func(r chi.Router) {
			r.Get("/", h.GetWallet)
			r.Get("/ledger", h.GetLedger)
			r.Get("/stakes", h.GetUserStakes)
			r.Post("/deposits", h.Deposit)
			r.Post("/withdrawals", h.Withdraw)
			r.Post("/reconcile", h.Reconcile)
		})
	})

	r.Post("/stakes", h.PlaceStake)

	r.Route("/bets", func(r chi.Router) {
		r.Get("/", h.ListBets)
		r.Post("/", h.CreateBet)
		r.Route("/{betID}", func(r chi.Router) {
			r.Get("/", h.GetBet)
			r.Get("/stakes", h.GetBetStakes)
			r.Post("/open", h.OpenBet)
			r.Post("/close", h.CloseBet)
			r.Post("/resolve", h.ResolveBet)
			r.Post("/cancel", h.CancelBet)
		})
	})

	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}
}

// --- Wallets ---

// ProvisionWallet handles POST /wallets
func (h *Handler) ProvisionWallet(w http.ResponseWriter, r *http.Request) {
	var req ProvisionWalletRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.svc.ProvisionWallet(r.Context(), req.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// GetWallet handles GET /wallets/{userID}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Wallet(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetLedger handles GET /wallets/{userID}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.LedgerHistory(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// GetUserStakes handles GET /wallets/{userID}/stakes
func (h *Handler) GetUserStakes(w http.ResponseWriter, r *http.Request) {
	stakes, err := h.svc.StakeHistory(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stakes": stakes, "count": len(stakes)})
}

// Deposit handles POST /wallets/{userID}/deposits
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !h.decodeKeyed(w, r, &req, &req.IdempotencyKey) {
		return
	}
	view, err := h.svc.Deposit(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.IdempotencyKey)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Withdraw handles POST /wallets/{userID}/withdrawals
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !h.decodeKeyed(w, r, &req, &req.IdempotencyKey) {
		return
	}
	view, err := h.svc.Withdraw(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.IdempotencyKey)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Reconcile handles POST /wallets/{userID}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.ReconcileWallet(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallet": view, "consistent": true})
}

// --- Stakes ---

// PlaceStake handles POST /stakes
func (h *Handler) PlaceStake(w http.ResponseWriter, r *http.Request) {
	var req PlaceStakeRequest
	if !h.decodeKeyed(w, r, &req, &req.IdempotencyKey) {
		return
	}
	s, err := h.svc.PlaceStake(r.Context(), settlement.PlaceStakeRequest{
		UserID:         req.UserID,
		BetID:          req.BetID,
		OutcomeID:      req.OutcomeID,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// --- Bets ---

// ListBets handles GET /bets?status=OPEN
func (h *Handler) ListBets(w http.ResponseWriter, r *http.Request) {
	status := bet.Status(strings.ToUpper(r.URL.Query().Get("status")))
	bets, err := h.svc.Bets(r.Context(), status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bets": bets, "count": len(bets)})
}

// CreateBet handles POST /bets
func (h *Handler) CreateBet(w http.ResponseWriter, r *http.Request) {
	var req bet.Params
	if !h.decode(w, r, &req) {
		return
	}
	b, err := h.svc.CreateBet(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// GetBet handles GET /bets/{betID}
func (h *Handler) GetBet(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.Bet(r.Context(), chi.URLParam(r, "betID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetBetStakes handles GET /bets/{betID}/stakes
func (h *Handler) GetBetStakes(w http.ResponseWriter, r *http.Request) {
	stakes, err := h.svc.BetStakes(r.Context(), chi.URLParam(r, "betID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stakes": stakes, "count": len(stakes)})
}

// OpenBet handles POST /bets/{betID}/open
func (h *Handler) OpenBet(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.OpenBet(r.Context(), chi.URLParam(r, "betID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// CloseBet handles POST /bets/{betID}/close
func (h *Handler) CloseBet(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.CloseBet(r.Context(), chi.URLParam(r, "betID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// ResolveBet handles POST /bets/{betID}/resolve
func (h *Handler) ResolveBet(w http.ResponseWriter, r *http.Request) {
	var req ResolveBetRequest
	if !h.decodeKeyed(w, r, &req, &req.IdempotencyKey) {
		return
	}
	b, err := h.svc.ResolveBet(r.Context(), settlement.ResolveBetRequest{
		BetID:            chi.URLParam(r, "betID"),
		WinningOutcomeID: req.WinningOutcomeID,
		Notes:            req.Notes,
		IdempotencyKey:   req.IdempotencyKey,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// CancelBet handles POST /bets/{betID}/cancel
func (h *Handler) CancelBet(w http.ResponseWriter, r *http.Request) {
	var req CancelBetRequest
	if !h.decode(w, r, &req) {
		return
	}
	b, err := h.svc.CancelBet(r.Context(), settlement.CancelBetRequest{
		BetID:  chi.URLParam(r, "betID"),
		Reason: req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// --- Helpers ---

// decode reads a JSON body into v and validates it. On failure it writes
// the error response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	return h.decodeKeyed(w, r, v, nil)
}

// decodeKeyed is decode for commands carrying an idempotency key: an
// Idempotency-Key header fills key when the body leaves it empty.
func (h *Handler) decodeKeyed(w http.ResponseWriter, r *http.Request, v any, key *string) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body: "+err.Error(), apperr.KindValidation, http.StatusBadRequest)
		return false
	}
	if key != nil && *key == "" {
		*key = r.Header.Get("Idempotency-Key")
	}
	if err := check(v); err != nil {
		h.fail(w, r, err)
		return false
	}
	return true
}

// fail writes err with the status of its kind.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
	if kind == apperr.KindConcurrency {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, err.Error(), kind, status)
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidTransition, apperr.KindBusinessRule:
		return http.StatusConflict
	case apperr.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case apperr.KindConcurrency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, kind apperr.Kind, status int) {
	writeJSON(w, status, map[string]string{"error": message, "kind": string(kind)})
}
