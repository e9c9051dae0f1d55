package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/tenantdb/auth"
	"github.com/hazyhaar/tenantdb/horosafe"
	"github.com/hazyhaar/tenantdb/shield"
	"github.com/hazyhaar/tenantdb/tenant"
)

const (
	maxJSONBody = 16 * 1024
	tokenTTL    = 12 * time.Hour
)

type api struct {
	m      *tenant.Manager
	secret []byte
	freeze *shield.Freeze
	logger *slog.Logger
}

// routes builds the admin API. Reads need any operator token; deleting a
// tenant, bulk migration and the write freeze need an admin.
func (a *api) routes(stack []func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	for _, mw := range stack {
		r.Use(mw)
	}
	r.Use(auth.Middleware(a.secret))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/login", a.login)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Get("/tenants", a.listTenants)
		r.Post("/tenants", a.createTenant)
		r.Route("/tenants/{id}", func(r chi.Router) {
			r.Get("/", a.inspect)
			r.Get("/verify", a.verify)
			r.Get("/diagnose", a.diagnose)
			r.Post("/migrate", a.migrate)
			r.Post("/repair/{module}", a.repair)
			r.Get("/history", a.history)
			r.Get("/deletions", a.deletions)
			r.Get("/traces", a.traces)
			r.With(auth.RequireRole(auth.RoleAdmin)).Delete("/", a.deleteTenant)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleAdmin))
			r.Post("/migrate-all", a.migrateAll)
			r.Get("/freeze", a.getFreeze)
			r.Post("/freeze", a.setFreeze)
		})
	})
	return r
}

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	u, err := a.m.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		shield.GetLogger(r.Context()).Warn("tenantctl: login failed", "username", req.Username)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	token, err := auth.GenerateToken(a.secret, &auth.Claims{Username: u.Username, Role: u.Role}, tokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"username":   u.Username,
		"role":       u.Role,
		"expires_in": int(tokenTTL.Seconds()),
	})
}

func (a *api) listTenants(w http.ResponseWriter, r *http.Request) {
	rows, err := a.m.List(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (a *api) createTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string   `json:"name"`
		Features []string `json:"features"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := a.m.CreateTenant(r.Context(), req.Name, tenant.WithFeatures(req.Features...))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"tenant": id, "store_path": a.m.StorePath(id)})
}

func (a *api) inspect(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantParam(w, r)
	if !ok {
		return
	}
	in, err := a.m.Inspect(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if in.Record == nil && !in.StoreExists {
		writeError(w, http.StatusNotFound, tenant.ErrTenantNotFound)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (a *api) verify(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantParam(w, r)
	if !ok {
		return
	}
	v, err := a.m.Verify(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *api) diagnose(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantParam(w, r)
	if !ok {
		return
	}
	rep, err := a.m.Diagnose(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *api) migrate(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantParam(w, r)
	if !ok {
		return
	}
	var opts []tenant.MigrateOption
	if force, _ := strconv.ParseBool(r.URL.Query().Get("force")); force {
		opts = append(opts, tenant.WithoutCache())
	}
	rep, err := a.m.EnsureMigrated(r.Context(), id, opts...)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	code := http.StatusOK
	if !rep.OK() {
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, rep)
}

func (a *api) repair(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantParam(w, r)
	if !ok {
		return
	}
	rep, err := a.m.RepairModule(r.Context(), id, chi.URLParam(r, "module"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantParam(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := a.m.History(r.Context(), id, limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) deletions(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantParam(w, r)
	if !ok {
		return
	}
	rows, err := a.m.Deletions(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (a *api) traces(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantParam(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := a.m.SlowQueries(r.Context(), id, limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// deleteTenant answers 200 on a clean teardown and 207 with the full report
// when residue is left behind.
func (a *api) deleteTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantParam(w, r)
	if !ok {
		return
	}
	rep := a.m.DeleteTenant(r.Context(), id)
	code := http.StatusOK
	if len(rep.Errors) > 0 {
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, rep)
}

func (a *api) migrateAll(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	results, err := a.m.MigrateAll(r.Context(), force)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (a *api) getFreeze(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"active": a.freeze.Active(), "reason": a.freeze.Reason()})
}

func (a *api) setFreeze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool   `json:"active"`
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := auth.GetClaims(r.Context()).Username
	if err := a.freeze.Set(r.Context(), req.Active, req.Reason, actor); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.logger.Warn("tenantctl: freeze changed", "active", req.Active, "reason", req.Reason, "by", actor)
	a.getFreeze(w, r)
}

func tenantParam(w http.ResponseWriter, r *http.Request) (tenant.ID, bool) {
	id, err := tenant.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return "", false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tenant.ErrInvalidName), errors.Is(err, tenant.ErrNotTenantScoped):
		return http.StatusBadRequest
	case errors.Is(err, tenant.ErrTenantNotFound), errors.Is(err, tenant.ErrUnknownModule):
		return http.StatusNotFound
	case errors.Is(err, tenant.ErrDuplicateTenant):
		return http.StatusConflict
	case errors.Is(err, tenant.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	body, err := horosafe.LimitedReadAll(r.Body, maxJSONBody)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
