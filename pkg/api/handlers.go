package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/psaab/netboot/pkg/dhcp"
	"github.com/psaab/netboot/pkg/ipstat"
	"github.com/psaab/netboot/pkg/ipv6"
	"github.com/psaab/netboot/pkg/logging"
	"github.com/psaab/netboot/pkg/settings"
)

// loopTimeout bounds how long a request waits for the protocol loop.
const loopTimeout = 2 * time.Second

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

// onLoop runs fn on the protocol loop, answering 503 if the loop is gone.
func (s *Server) onLoop(w http.ResponseWriter, r *http.Request, fn func()) bool {
	if s.loop == nil {
		writeError(w, http.StatusServiceUnavailable, "protocol loop not available")
		return false
	}
	ctx, cancel := context.WithTimeout(r.Context(), loopTimeout)
	defer cancel()
	if err := s.loop.Do(ctx, fn); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return false
	}
	return true
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Uptime: time.Since(s.startTime).Truncate(time.Second).String(),
	}
	if !s.onLoop(w, r, func() {
		if s.devs != nil {
			resp.Interfaces = len(s.devs.All())
		}
		if s.engine != nil {
			resp.Routes = len(s.engine.Routes.Routes())
		}
		if s.neigh != nil {
			resp.Neighbours = len(s.neigh.Entries())
		}
	}) {
		return
	}
	if s.dhcp != nil {
		resp.DHCPLeases = len(s.dhcp.Leases())
		if sessions, err := s.dhcp.Sessions(r.Context()); err == nil {
			resp.DHCPSessions = len(sessions)
		}
	}
	writeOK(w, resp)
}

func (s *Server) interfacesHandler(w http.ResponseWriter, r *http.Request) {
	if s.devs == nil {
		writeError(w, http.StatusServiceUnavailable, "devices not available")
		return
	}
	var out []InterfaceInfo
	if !s.onLoop(w, r, func() {
		for _, d := range s.devs.All() {
			out = append(out, InterfaceInfo{
				Name:        d.Name,
				Index:       d.Index,
				MAC:         d.HWAddr.String(),
				MTU:         d.MTU,
				Open:        d.IsOpen(),
				LinkBlocked: d.LinkBlocked(),
			})
		}
	}) {
		return
	}
	writeOK(w, out)
}

func routeInfo(mr ipv6.Miniroute) RouteInfo {
	ri := RouteInfo{
		Address:   mr.Address.String(),
		PrefixLen: mr.PrefixLen,
		Scope:     mr.Scope.String(),
	}
	if mr.Dev != nil {
		ri.Interface = mr.Dev.Name
	}
	if mr.Router.IsValid() {
		ri.Router = mr.Router.String()
	}
	if mr.Flags&ipv6.HasAddress != 0 {
		ri.Flags = append(ri.Flags, "address")
	}
	if mr.Flags&ipv6.HasRouter != 0 {
		ri.Flags = append(ri.Flags, "router")
	}
	return ri
}

func (s *Server) routesHandler(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "IPv6 engine not available")
		return
	}
	out := []RouteInfo{}
	if !s.onLoop(w, r, func() {
		for _, mr := range s.engine.Routes.Routes() {
			out = append(out, routeInfo(mr))
		}
	}) {
		return
	}
	writeOK(w, out)
}

// settingsHandler shows the effective value of every known setting.
// ?scope= restricts the lookup to a block such as "net0" or "net0.dhcp".
func (s *Server) settingsHandler(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "settings not available")
		return
	}
	path := r.URL.Query().Get("scope")
	out := []SettingInfo{}
	found := true
	if !s.onLoop(w, r, func() {
		scope := s.store.Find(path)
		if scope == nil {
			found = false
			return
		}
		for _, st := range settings.Known {
			v, origin, err := s.store.Fetch(scope, st)
			if err != nil {
				continue
			}
			out = append(out, SettingInfo{
				Name:   st.Name,
				Value:  settings.Format(st, v),
				Origin: origin.Path(),
			})
		}
	}) {
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "settings block "+path+" not found")
		return
	}
	writeOK(w, out)
}

func (s *Server) blocksHandler(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "settings not available")
		return
	}
	out := []BlockInfo{}
	if !s.onLoop(w, r, func() {
		s.store.Walk(func(b *settings.Block, depth int) {
			out = append(out, BlockInfo{Path: b.Path(), Depth: depth, Order: b.Order})
		})
	}) {
		return
	}
	writeOK(w, out)
}

func (s *Server) neighboursHandler(w http.ResponseWriter, r *http.Request) {
	if s.neigh == nil {
		writeError(w, http.StatusServiceUnavailable, "neighbour cache not available")
		return
	}
	type neighbour struct {
		Interface string `json:"interface,omitempty"`
		Address   string `json:"address"`
		MAC       string `json:"mac"`
		Origin    string `json:"origin"`
	}
	out := []neighbour{}
	if !s.onLoop(w, r, func() {
		for _, e := range s.neigh.Entries() {
			n := neighbour{Address: e.Addr.String(), MAC: e.MAC, Origin: e.Source}
			if s.devs != nil {
				if d := s.devs.ByIndex(e.ScopeID); d != nil {
					n.Interface = d.Name
				}
			}
			out = append(out, n)
		}
	}) {
		return
	}
	writeOK(w, out)
}

func (s *Server) statisticsHandler(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "IPv6 engine not available")
		return
	}
	writeOK(w, Statistics{IP: []ipstat.Snapshot{s.engine.Stats.Snapshot()}})
}

func (s *Server) dhcpLeasesHandler(w http.ResponseWriter, _ *http.Request) {
	if s.dhcp == nil {
		writeError(w, http.StatusServiceUnavailable, "DHCP not available")
		return
	}
	writeOK(w, s.dhcp.Leases())
}

func (s *Server) dhcpSessionsHandler(w http.ResponseWriter, r *http.Request) {
	if s.dhcp == nil {
		writeError(w, http.StatusServiceUnavailable, "DHCP not available")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), loopTimeout)
	defer cancel()
	sessions, err := s.dhcp.Sessions(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if sessions == nil {
		sessions = []dhcp.SessionInfo{}
	}
	writeOK(w, sessions)
}

func (s *Server) dhcpRenewHandler(w http.ResponseWriter, r *http.Request) {
	if s.dhcp == nil {
		writeError(w, http.StatusServiceUnavailable, "DHCP not available")
		return
	}
	var req RenewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Interface == "" {
		writeError(w, http.StatusBadRequest, "interface is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), loopTimeout)
	defer cancel()
	if err := s.dhcp.Renew(ctx, req.Interface); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeOK(w, map[string]string{"interface": req.Interface, "status": "restarted"})
}

// logsHandler returns recent log records, newest first. Supports ?limit=,
// ?level= and ?match=.
func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "log buffer not available")
		return
	}
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit "+strconv.Quote(v))
			return
		}
		limit = n
	}
	recs := s.logs.Latest(limit, logging.Filter{Level: q.Get("level"), Match: q.Get("match")})
	if recs == nil {
		recs = []logging.Record{}
	}
	writeOK(w, recs)
}
