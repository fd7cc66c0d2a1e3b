// Package httpserver exposes the storefront client state over HTTP: the cart,
// the hydrated session, loading progress and the signal relay.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"

	"github.com/mzlad1/mirabeauty-sub001/errs"
	"github.com/mzlad1/mirabeauty-sub001/internal/app/loading"
	cartdomain "github.com/mzlad1/mirabeauty-sub001/internal/domain/cart"
	"github.com/mzlad1/mirabeauty-sub001/internal/domain/identity"
	loadingdomain "github.com/mzlad1/mirabeauty-sub001/internal/domain/loading"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/config"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath  = "/healthz"
	cartPath    = "/cart"
	sessionPath = "/session"
	loadingPath = "/loading"
	preloadPath = "/preload"
	signalsPath = "/signals"
)

// Cart is the cart surface served over HTTP.
type Cart interface {
	Load(ctx context.Context) cartdomain.Snapshot
	Add(ctx context.Context, item cartdomain.Item, qty int) (cartdomain.Snapshot, error)
	SetQuantity(ctx context.Context, itemID string, qty int) (cartdomain.Snapshot, error)
	Remove(ctx context.Context, itemID string) (cartdomain.Snapshot, error)
	Clear(ctx context.Context) (cartdomain.Snapshot, error)
}

// Session exposes the hydrated session.
type Session interface {
	State() identity.State
	RefreshUserData(ctx context.Context) error
}

// Signer changes the current identity.
type Signer interface {
	SignIn(ctx context.Context, token string) (*identity.Record, error)
	SignOut()
}

// Loading reports loading progress.
type Loading interface {
	Status() loadingdomain.Status
}

// Preloader checks images inside a loading session.
type Preloader interface {
	Preload(ctx context.Context, urls []string) ([]loading.ImageResult, error)
}

// Deps are the services mounted by NewHandler. Nil services leave their
// routes unmounted.
type Deps struct {
	Environment config.Environment
	Cart        Cart
	Session     Session
	Signer      Signer
	Loading     Loading
	Preloader   Preloader
	Signals     http.Handler
}

type httpServer struct {
	deps Deps
}

// NewHandler builds the storefront router.
func NewHandler(deps Deps) http.Handler {
	server := &httpServer{deps: deps}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withCORS)

	r.Get(healthPath, server.health)
	if deps.Cart != nil {
		r.Route(cartPath, func(r chi.Router) {
			r.Get("/", server.getCart)
			r.Delete("/", server.clearCart)
			r.Post("/items", server.addItem)
			r.Put("/items/{itemID}", server.setQuantity)
			r.Delete("/items/{itemID}", server.removeItem)
		})
	}
	if deps.Session != nil {
		r.Route(sessionPath, func(r chi.Router) {
			r.Get("/", server.getSession)
			r.Post("/refresh", server.refreshSession)
			if deps.Signer != nil {
				r.Post("/", server.signIn)
				r.Delete("/", server.signOut)
			}
		})
	}
	if deps.Loading != nil {
		r.Get(loadingPath, server.getLoading)
	}
	if deps.Preloader != nil {
		r.Post(preloadPath, server.preload)
	}
	if deps.Signals != nil {
		r.Handle(signalsPath, deps.Signals)
	}
	return r
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"environment": string(s.deps.Environment),
	})
}

type lineView struct {
	ItemID      string           `json:"itemId"`
	Quantity    int              `json:"quantity"`
	UnitPrice   cartdomain.Price `json:"unitPrice"`
	Subtotal    string           `json:"subtotal"`
	DisplayName string           `json:"displayName,omitempty"`
	ImageRef    string           `json:"imageRef,omitempty"`
}

type cartView struct {
	Lines []lineView `json:"lines"`
	Total string     `json:"total"`
	Count int        `json:"count"`
}

func newCartView(snapshot cartdomain.Snapshot) cartView {
	view := cartView{
		Lines: make([]lineView, 0, snapshot.Len()),
		Total: snapshot.Total().StringFixed(2),
		Count: snapshot.Count(),
	}
	for _, line := range snapshot.Lines {
		view.Lines = append(view.Lines, lineView{
			ItemID:      line.ItemID,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Subtotal:    line.Subtotal().StringFixed(2),
			DisplayName: line.DisplayName,
			ImageRef:    line.ImageRef,
		})
	}
	return view
}

type addItemPayload struct {
	ItemID      string           `json:"itemId"`
	UnitPrice   cartdomain.Price `json:"unitPrice"`
	Quantity    int              `json:"quantity"`
	DisplayName string           `json:"displayName"`
	ImageRef    string           `json:"imageRef"`
}

type quantityPayload struct {
	Quantity *int `json:"quantity"`
}

func (s *httpServer) getCart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newCartView(s.deps.Cart.Load(r.Context())))
}

func (s *httpServer) addItem(w http.ResponseWriter, r *http.Request) {
	var payload addItemPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	payload.ItemID = strings.TrimSpace(payload.ItemID)
	if payload.ItemID == "" {
		writeError(w, http.StatusBadRequest, "itemId required")
		return
	}
	snapshot, err := s.deps.Cart.Add(r.Context(), cartdomain.Item{
		ItemID:      payload.ItemID,
		UnitPrice:   payload.UnitPrice,
		DisplayName: payload.DisplayName,
		ImageRef:    payload.ImageRef,
	}, payload.Quantity)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCartView(snapshot))
}

func (s *httpServer) setQuantity(w http.ResponseWriter, r *http.Request) {
	var payload quantityPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if payload.Quantity == nil {
		writeError(w, http.StatusBadRequest, "quantity required")
		return
	}
	snapshot, err := s.deps.Cart.SetQuantity(r.Context(), chi.URLParam(r, "itemID"), *payload.Quantity)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCartView(snapshot))
}

func (s *httpServer) removeItem(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.deps.Cart.Remove(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCartView(snapshot))
}

func (s *httpServer) clearCart(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.deps.Cart.Clear(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCartView(snapshot))
}

type identityView struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
}

type sessionView struct {
	Phase      identity.Phase `json:"phase"`
	SignedIn   bool           `json:"signedIn"`
	Identity   *identityView  `json:"identity,omitempty"`
	Role       string         `json:"role,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	HydratedAt *time.Time     `json:"hydratedAt,omitempty"`
	Warning    *warningView   `json:"warning,omitempty"`
}

type warningView struct {
	IdentityID string `json:"identityId"`
	Attempts   int    `json:"attempts"`
	Reason     string `json:"reason"`
}

func newIdentityView(record *identity.Record) *identityView {
	if record == nil {
		return nil
	}
	return &identityView{ID: record.IdentityID, DisplayName: record.DisplayName, Email: record.Email}
}

func newSessionView(state identity.State) sessionView {
	view := sessionView{
		Phase:    state.Phase,
		SignedIn: state.Authenticated(),
		Identity: newIdentityView(state.Identity),
	}
	if state.Session != nil {
		view.Role = state.Session.Profile.Role
		view.Attributes = state.Session.Profile.Attributes
		at := state.Session.HydratedAt
		view.HydratedAt = &at
	}
	if state.Warning != nil {
		view.Warning = &warningView{
			IdentityID: state.Warning.IdentityID,
			Attempts:   state.Warning.Attempts,
			Reason:     state.Warning.Reason,
		}
	}
	return view
}

type signInPayload struct {
	Token string `json:"token"`
}

func (s *httpServer) getSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newSessionView(s.deps.Session.State()))
}

func (s *httpServer) signIn(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token == "" && r.ContentLength != 0 {
		var payload signInPayload
		if err := decodeJSON(w, r, &payload); err != nil {
			writeDecodeError(w, err)
			return
		}
		token = payload.Token
	}
	record, err := s.deps.Signer.SignIn(r.Context(), token)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	// Hydration continues in the background; clients follow /session.
	writeJSON(w, http.StatusAccepted, newIdentityView(record))
}

func (s *httpServer) signOut(w http.ResponseWriter, _ *http.Request) {
	s.deps.Signer.SignOut()
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) refreshSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Session.RefreshUserData(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(s.deps.Session.State()))
}

type taskView struct {
	ID        string  `json:"id"`
	Progress  float64 `json:"progress"`
	Completed bool    `json:"completed"`
	Weight    float64 `json:"weight"`
}

type loadingView struct {
	SessionID string              `json:"sessionId,omitempty"`
	State     loadingdomain.State `json:"state"`
	Progress  float64             `json:"progress"`
	Tasks     []taskView          `json:"tasks"`
}

func (s *httpServer) getLoading(w http.ResponseWriter, _ *http.Request) {
	status := s.deps.Loading.Status()
	view := loadingView{
		SessionID: status.SessionID,
		State:     status.State,
		Progress:  status.Progress,
		Tasks:     make([]taskView, 0, len(status.Tasks)),
	}
	for _, task := range status.Tasks {
		view.Tasks = append(view.Tasks, taskView(task))
	}
	writeJSON(w, http.StatusOK, view)
}

type preloadPayload struct {
	URLs []string `json:"urls"`
}

type imageView struct {
	URL   string `json:"url"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *httpServer) preload(w http.ResponseWriter, r *http.Request) {
	var payload preloadPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	results, err := s.deps.Preloader.Preload(r.Context(), payload.URLs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]imageView, 0, len(results))
	for _, result := range results {
		view := imageView{URL: result.URL, OK: result.OK}
		if result.Err != nil {
			view.Error = result.Err.Error()
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": views})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	limitRequestBody(w, r)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
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
	return errors.As(err, &maxBytesErr) || strings.Contains(err.Error(), "request body too large")
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errs.HasCode(err, errs.CodeInvalid):
		return http.StatusBadRequest
	case errs.HasCode(err, errs.CodeNotFound):
		return http.StatusNotFound
	case errs.HasCode(err, errs.CodeConflict):
		return http.StatusConflict
	case errs.HasCode(err, errs.CodeUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
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
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int((10 * time.Minute).Seconds())))
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
