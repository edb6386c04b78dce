// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

// Package api exposes the management surface of the controller over HTTP.
// Every response carries the uniform {code, msg, data} envelope with the
// HTTP status repeated in code.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/open-idcs/openidcs/internal/conf"
	"github.com/open-idcs/openidcs/internal/machines"
	"github.com/open-idcs/openidcs/internal/manager"
	"github.com/sapcc/go-bits/httpext"
)

type API interface {
	// Init the API mux, bind the handlers and serve until ctx ends.
	Init(context.Context)
}

type api struct {
	manager manager.Manager
	config  conf.APIConfig
	monitor Monitor
}

func NewAPI(config conf.APIConfig, mgr manager.Manager, m Monitor) API {
	return &api{
		manager: mgr,
		config:  config,
		monitor: m,
	}
}

// Init the API mux and bind the handlers.
func (api *api) Init(ctx context.Context) {
	slog.Info("api listening on", "port", api.config.Port)
	addr := fmt.Sprintf(":%d", api.config.Port)
	if err := httpext.ListenAndServeContext(ctx, addr, api.handler()); err != nil {
		panic(err)
	}
}

// The route table. Split from Init so tests can drive the mux directly.
// Everything below /api/ requires the bearer token, /up and /login do not.
func (api *api) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /up", api.Up)
	mux.HandleFunc("POST /login", api.Login)

	authed := func(pattern string, handler http.HandlerFunc) {
		mux.HandleFunc(pattern, api.requireAuth(handler))
	}
	authed("GET /api/token/current", api.TokenCurrent)
	authed("POST /api/token/set", api.TokenSet)
	authed("POST /api/token/reset", api.TokenReset)
	authed("GET /api/hosts", api.Hosts)
	authed("POST /api/hosts", api.AddHost)
	authed("GET /api/hosts/{name}", api.Host)
	authed("PUT /api/hosts/{name}", api.UpdateHost)
	authed("DELETE /api/hosts/{name}", api.DeleteHost)
	authed("POST /api/hosts/{name}/power", api.HostPower)
	authed("GET /api/hosts/{name}/status", api.HostStatus)
	authed("GET /api/hosts/{name}/vms", api.Guests)
	authed("POST /api/hosts/{name}/vms", api.CreateGuest)
	authed("POST /api/hosts/{name}/vms/scan", api.ScanGuests)
	authed("GET /api/hosts/{name}/vms/{uuid}", api.Guest)
	authed("PUT /api/hosts/{name}/vms/{uuid}", api.UpdateGuest)
	authed("DELETE /api/hosts/{name}/vms/{uuid}", api.DeleteGuest)
	authed("POST /api/hosts/{name}/vms/{uuid}/power", api.GuestPower)
	authed("GET /api/hosts/{name}/vms/{uuid}/status", api.GuestStatus)
	authed("GET /api/hosts/{name}/vms/{uuid}/vconsole", api.GuestConsole)
	authed("GET /api/logs", api.Logs)
	authed("GET /api/engine/types", api.EngineTypes)
	authed("POST /api/system/save", api.SystemSave)
	authed("POST /api/system/load", api.SystemLoad)
	authed("GET /api/system/stats", api.SystemStats)
	return mux
}

// requireAuth gates a handler on the Authorization bearer token.
func (api *api) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !api.manager.VerifyBearer(bearerToken(r)) {
			h := api.newHelper(w, r)
			h.respond(http.StatusUnauthorized, "未授权访问", nil)
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return header[len(prefix):]
}

// Uniform response body. Data is null when an operation carries none.
type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data"`
}

// Helper to respond to the request with the envelope.
// Also adds monitoring for the time it took to handle the request.
type apihelper struct {
	api *api
	w   http.ResponseWriter
	r   *http.Request
	t   time.Time
}

func (api *api) newHelper(w http.ResponseWriter, r *http.Request) apihelper {
	return apihelper{api: api, w: w, r: r, t: time.Now()}
}

// Respond to the request with the given code, message and payload. The
// metric path label carries the route pattern, not the raw URL.
func (h apihelper) respond(code int, msg string, data any) {
	if h.api.monitor.apiRequestsTimer != nil {
		pattern := h.r.Pattern
		if pattern == "" {
			pattern = h.r.URL.Path
		}
		observer := h.api.monitor.apiRequestsTimer.WithLabelValues(
			h.r.Method,
			pattern,
			strconv.Itoa(code),
		)
		observer.Observe(time.Since(h.t).Seconds())
	}
	h.w.Header().Set("Content-Type", "application/json")
	h.w.WriteHeader(code)
	if err := json.NewEncoder(h.w).Encode(envelope{Code: code, Msg: msg, Data: data}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// fail maps err onto the HTTP status taxonomy and responds with it.
func (h apihelper) fail(err error) {
	code, msg := errorStatus(err)
	slog.Error("failed to handle request",
		"method", h.r.Method, "path", h.r.URL.Path, "error", err)
	h.respond(code, msg, nil)
}

// failWith responds like fail but with a fixed user facing message.
func (h apihelper) failWith(err error, msg string) {
	code, _ := errorStatus(err)
	slog.Error("failed to handle request",
		"method", h.r.Method, "path", h.r.URL.Path, "error", err)
	h.respond(code, msg, nil)
}

// respondResult forwards an operation outcome. Failed outcomes map their
// underlying error onto the HTTP status taxonomy and keep the operation's
// own message, so lookup text like 虚拟机不存在 passes through unchanged.
func (h apihelper) respondResult(result *machines.ActionResult) {
	if result == nil {
		h.respond(http.StatusOK, "success", nil)
		return
	}
	msg := result.Message
	if msg == "" {
		msg = "success"
	}
	if result.Success {
		h.respond(http.StatusOK, msg, result)
		return
	}
	code := http.StatusBadRequest
	if err := result.Err(); err != nil {
		code, _ = errorStatus(err)
		slog.Error("operation failed",
			"method", h.r.Method, "path", h.r.URL.Path, "error", err)
	}
	h.respond(code, msg, result)
}

// errorStatus maps an error onto the HTTP status taxonomy via its
// sentinel. The host lookup message is stable API text.
func errorStatus(err error) (code int, msg string) {
	msg = err.Error()
	if errors.Is(err, manager.ErrHostNotFound) {
		msg = "主机不存在"
	}
	switch {
	case errors.Is(err, machines.ErrNotFound):
		return http.StatusNotFound, msg
	case errors.Is(err, machines.ErrAlreadyExists):
		return http.StatusConflict, msg
	case errors.Is(err, machines.ErrUnsupported):
		return http.StatusBadRequest, msg
	case errors.Is(err, machines.ErrConfig):
		return http.StatusBadRequest, msg
	case errors.Is(err, machines.ErrAuthFailed):
		return http.StatusUnauthorized, msg
	default:
		return http.StatusInternalServerError, msg
	}
}

// decodeBody reads a JSON request body into v, tolerating an empty body
// so parameterless POST requests work without one.
func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("%w: reading request body: %s", machines.ErrConfig, err.Error())
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %s", machines.ErrConfig, err.Error())
	}
	return nil
}

// decodeStrict parses a configuration payload. Unknown fields are
// rejected so typos surface at ingestion instead of being dropped.
func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %s", machines.ErrConfig, err.Error())
	}
	return nil
}

func decodeStrictBody(r *http.Request, v any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("%w: reading request body: %s", machines.ErrConfig, err.Error())
	}
	return decodeStrict(body, v)
}

// isEmptyJSON reports whether raw is absent, null or an empty object.
func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 ||
		bytes.Equal(trimmed, []byte("null")) ||
		bytes.Equal(trimmed, []byte("{}"))
}

// Handle the GET request to check if the API is up.
func (api *api) Up(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	h.respond(http.StatusOK, "success", nil)
}

type loginRequest struct {
	Token string `json:"token"`
}

// Login verifies a token posted by an interactive client.
func (api *api) Login(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(err)
		return
	}
	if !api.manager.VerifyBearer(req.Token) {
		h.respond(http.StatusUnauthorized, "Token错误", nil)
		return
	}
	h.respond(http.StatusOK, "登录成功", nil)
}

func (api *api) TokenCurrent(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	h.respond(http.StatusOK, "success", map[string]string{"token": api.manager.Bearer()})
}

func (api *api) TokenSet(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(err)
		return
	}
	token, err := api.manager.SetBearer(req.Token)
	if err != nil {
		h.fail(err)
		return
	}
	h.respond(http.StatusOK, "Token已设置", map[string]string{"token": token})
}

func (api *api) TokenReset(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	token, err := api.manager.SetBearer("")
	if err != nil {
		h.fail(err)
		return
	}
	h.respond(http.StatusOK, "Token已重置", map[string]string{"token": token})
}

// Hosts lists the registered hosts keyed by name.
func (api *api) Hosts(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	hosts := api.manager.Hosts()
	data := make(map[string]manager.HostSummary, len(hosts))
	for _, host := range hosts {
		data[host.Name] = host
	}
	h.respond(http.StatusOK, "success", data)
}

type hostDetail struct {
	manager.HostSummary
	GuestList []string `json:"vm_list"`
}

// Host returns one host with its guest list. ?refresh=true replaces the
// cached hardware sample with a fresh probe, ?status=true guarantees a
// sample even before the first poll.
func (api *api) Host(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	name := r.PathValue("name")
	summary, err := api.manager.Host(name)
	if err != nil {
		h.fail(err)
		return
	}
	guests, err := api.manager.Guests(name)
	if err != nil {
		h.fail(err)
		return
	}
	detail := hostDetail{
		HostSummary: summary,
		GuestList:   slices.Sorted(maps.Keys(guests)),
	}
	query := r.URL.Query()
	refresh := query.Get("refresh") == "true"
	if refresh || query.Get("status") == "true" {
		status, err := api.manager.HostStatus(r.Context(), name, refresh)
		if err != nil {
			h.fail(err)
			return
		}
		detail.Status = &status
	}
	h.respond(http.StatusOK, "success", detail)
}

type hostRequest struct {
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

func (api *api) AddHost(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	var req hostRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(err)
		return
	}
	if req.Name == "" || req.Type == "" {
		h.respond(http.StatusBadRequest, "主机名称和类型不能为空", nil)
		return
	}
	var config machines.HostConfig
	if !isEmptyJSON(req.Config) {
		if err := decodeStrict(req.Config, &config); err != nil {
			h.fail(err)
			return
		}
	}
	// The top level type wins over whatever the config payload carries.
	config.ServerType = req.Type
	if err := api.manager.AddHost(r.Context(), req.Name, config); err != nil {
		h.fail(err)
		return
	}
	h.respond(http.StatusOK, "主机已添加", nil)
}

type hostUpdateRequest struct {
	Config json.RawMessage `json:"config"`
}

func (api *api) UpdateHost(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	var req hostUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(err)
		return
	}
	if isEmptyJSON(req.Config) {
		h.respond(http.StatusBadRequest, "配置不能为空", nil)
		return
	}
	var config machines.HostConfig
	if err := decodeStrict(req.Config, &config); err != nil {
		h.fail(err)
		return
	}
	if err := api.manager.UpdateHost(r.Context(), r.PathValue("name"), config); err != nil {
		h.fail(err)
		return
	}
	h.respond(http.StatusOK, "主机已更新", nil)
}

func (api *api) DeleteHost(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	if err := api.manager.DeleteHost(r.Context(), r.PathValue("name")); err != nil {
		h.fail(err)
		return
	}
	h.respond(http.StatusOK, "主机已删除", nil)
}

type hostPowerRequest struct {
	// Defaults to true when the body carries no value.
	Enable *bool `json:"enable"`
}

func (api *api) HostPower(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	var req hostPowerRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(err)
		return
	}
	enable := true
	if req.Enable != nil {
		enable = *req.Enable
	}
	result, err := api.manager.PowerHost(r.Context(), r.PathValue("name"), enable)
	if err != nil {
		h.fail(err)
		return
	}
	h.respondResult(result)
}

func (api *api) HostStatus(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	refresh := r.URL.Query().Get("refresh") == "true"
	status, err := api.manager.HostStatus(r.Context(), r.PathValue("name"), refresh)
	if err != nil {
		h.fail(err)
		return
	}
	h.respond(http.StatusOK, "success", status)
}

type guestEntry struct {
	UUID   string               `json:"uuid"`
	Config machines.GuestConfig `json:"config"`
	// Newest retained sample, null before the first poll.
	Status *machines.HWStatus `json:"status"`
}

// Guests lists the guests of one host keyed by uuid.
func (api *api) Guests(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	name := r.PathValue("name")
	guests, err := api.manager.Guests(name)
	if err != nil {
		h.fail(err)
		return
	}
	statuses, err := api.manager.GuestStatus(name, "")
	if err != nil {
		h.fail(err)
		return
	}
	data := make(map[string]guestEntry, len(guests))
	for uuid, config := range guests {
		entry := guestEntry{UUID: uuid, Config: config}
		if ring := statuses[uuid]; len(ring) > 0 {
			latest := ring[len(ring)-1]
			entry.Status = &latest
		}
		data[uuid] = entry
	}
	h.respond(http.StatusOK, "success", data)
}

func (api *api) CreateGuest(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	var config machines.GuestConfig
	if err := decodeStrictBody(r, &config); err != nil {
		h.fail(err)
		return
	}
	result, err := api.manager.GuestCreate(r.Context(), r.PathValue("name"), config)
	if err != nil {
		h.fail(err)
		return
	}
	h.respondResult(result)
}

type scanRequest struct {
	// Empty falls back to the host's filter_name.
	Prefix string `json:"prefix"`
}

func (api *api) ScanGuests(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	var req scanRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(err)
		return
	}
	result, err := api.manager.ScanHost(r.Context(), r.PathValue("name"), req.Prefix)
	if err != nil {
		h.fail(err)
		return
	}
	h.respondResult(result)
}

type guestDetail struct {
	UUID   string               `json:"uuid"`
	Config machines.GuestConfig `json:"config"`
	// The retained samples of this guest.
	Status []machines.HWStatus `json:"status"`
}

func (api *api) Guest(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	name := r.PathValue("name")
	uuid := r.PathValue("uuid")
	guests, err := api.manager.Guests(name)
	if err != nil {
		h.fail(err)
		return
	}
	config, ok := guests[uuid]
	if !ok {
		h.respond(http.StatusNotFound, "虚拟机不存在", nil)
		return
	}
	statuses, err := api.manager.GuestStatus(name, uuid)
	if err != nil {
		h.fail(err)
		return
	}
	h.respond(http.StatusOK, "success", guestDetail{
		UUID:   uuid,
		Config: config,
		Status: statuses[uuid],
	})
}

func (api *api) UpdateGuest(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	var config machines.GuestConfig
	if err := decodeStrictBody(r, &config); err != nil {
		h.fail(err)
		return
	}
	// The uuid in the path wins over the one in the body.
	config.UUID = r.PathValue("uuid")
	result, err := api.manager.GuestUpdate(r.Context(), r.PathValue("name"), config)
	if err != nil {
		h.fail(err)
		return
	}
	h.respondResult(result)
}

func (api *api) DeleteGuest(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	result, err := api.manager.GuestDelete(r.Context(), r.PathValue("name"), r.PathValue("uuid"))
	if err != nil {
		h.fail(err)
		return
	}
	h.respondResult(result)
}

type guestPowerRequest struct {
	// Defaults to "start" when the body carries no value.
	Action string `json:"action"`
}

func (api *api) GuestPower(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	var req guestPowerRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(err)
		return
	}
	if req.Action == "" {
		req.Action = "start"
	}
	power, ok := machines.ParsePowerAction(req.Action)
	if !ok {
		h.respond(http.StatusBadRequest, fmt.Sprintf("不支持的操作: %s", req.Action), nil)
		return
	}
	result, err := api.manager.GuestPower(r.Context(), r.PathValue("name"), r.PathValue("uuid"), power)
	if err != nil {
		h.fail(err)
		return
	}
	h.respondResult(result)
}

// GuestStatus returns the retained samples of one guest.
func (api *api) GuestStatus(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	name := r.PathValue("name")
	uuid := r.PathValue("uuid")
	guests, err := api.manager.Guests(name)
	if err != nil {
		h.fail(err)
		return
	}
	if _, ok := guests[uuid]; !ok {
		h.respond(http.StatusNotFound, "虚拟机不存在", nil)
		return
	}
	statuses, err := api.manager.GuestStatus(name, uuid)
	if err != nil {
		h.fail(err)
		return
	}
	h.respond(http.StatusOK, "success", statuses[uuid])
}

// GuestConsole opens a console gateway mapping for the guest and returns
// the join URL in the result payload.
func (api *api) GuestConsole(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	result, err := api.manager.GuestConsole(r.Context(), r.PathValue("name"), r.PathValue("uuid"))
	if err != nil {
		h.fail(err)
		return
	}
	h.respondResult(result)
}

type logEntry struct {
	ID int64 `json:"id"`
	// Empty for controller wide entries.
	HostName  string    `json:"hs_name"`
	Data      string    `json:"data"`
	Level     string    `json:"level"`
	CreatedAt time.Time `json:"created_at"`
}

// Logs returns the audit log, host scoped via ?hs_name= and bounded to
// the newest ?limit= entries.
func (api *api) Logs(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	query := r.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.respond(http.StatusBadRequest, "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}
	logs, err := api.manager.Logs(query.Get("hs_name"), limit)
	if err != nil {
		h.fail(err)
		return
	}
	entries := make([]logEntry, 0, len(logs))
	for _, row := range logs {
		entries = append(entries, logEntry{
			ID:        row.ID,
			HostName:  row.HostName.String,
			Data:      row.Data,
			Level:     row.Level,
			CreatedAt: row.CreatedAt,
		})
	}
	h.respond(http.StatusOK, "success", entries)
}

func (api *api) EngineTypes(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	h.respond(http.StatusOK, "success", api.manager.EngineTypes())
}

func (api *api) SystemSave(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	if err := api.manager.SaveAll(); err != nil {
		h.failWith(err, "保存失败")
		return
	}
	h.respond(http.StatusOK, "配置已保存", nil)
}

func (api *api) SystemLoad(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	if err := api.manager.LoadAll(r.Context()); err != nil {
		h.failWith(err, fmt.Sprintf("加载失败: %s", err.Error()))
		return
	}
	h.respond(http.StatusOK, "配置已加载", nil)
}

func (api *api) SystemStats(w http.ResponseWriter, r *http.Request) {
	h := api.newHelper(w, r)
	h.respond(http.StatusOK, "success", api.manager.Stats())
}
