package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/psaab/dhcp6c/pkg/dhcp"
	"github.com/psaab/dhcp6c/pkg/logging"
)

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

// writeBackendError maps protocol errors to HTTP status codes.
func writeBackendError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dhcp.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dhcp.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, dhcp.ErrStateless), errors.Is(err, dhcp.ErrAlreadyRunning):
		status = http.StatusConflict
	}
	writeError(w, status, err.Error())
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.backend.Sessions(r.Context())
	if err != nil {
		writeBackendError(w, err)
		return
	}
	info := StatusInfo{
		Uptime:   time.Since(s.startTime).Truncate(time.Second).String(),
		Sessions: len(sessions),
	}
	for _, si := range sessions {
		if si.State == dhcp.StateBound {
			info.Bound++
		}
	}
	writeOK(w, info)
}

// sessionsHandler lists sessions. ?interface= filters by name.
func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.backend.Sessions(r.Context())
	if err != nil {
		writeBackendError(w, err)
		return
	}
	iface := r.URL.Query().Get("interface")
	result := []SessionEntry{}
	for _, si := range sessions {
		if iface != "" && si.Interface != iface {
			continue
		}
		result = append(result, sessionEntry(si))
	}
	writeOK(w, result)
}

func sessionEntry(si dhcp.SessionInfo) SessionEntry {
	e := SessionEntry{
		Interface:   si.Interface,
		Index:       si.Index,
		Mode:        si.Mode,
		State:       si.State.String(),
		Started:     si.Started,
		Addresses:   []string{},
		Prefixes:    []string{},
		Nameservers: []string{},
		Timeservers: []string{},
	}
	for _, a := range si.Addresses {
		e.Addresses = append(e.Addresses, a.String())
	}
	for _, p := range si.Prefixes {
		e.Prefixes = append(e.Prefixes, p.String())
	}
	e.Nameservers = append(e.Nameservers, si.Nameservers...)
	e.Timeservers = append(e.Timeservers, si.Timeservers...)
	if !si.Lease.Start.IsZero() {
		e.LeaseStart = si.Lease.Start.Format(time.RFC3339)
		e.T1 = si.Lease.T1.String()
		e.T2 = si.Lease.T2.String()
	}
	if !si.Lease.Expiry.IsZero() {
		e.Expiry = si.Lease.Expiry.Format(time.RFC3339)
	}
	return e
}

func (s *Server) renewHandler(w http.ResponseWriter, r *http.Request) {
	iface := r.PathValue("iface")
	if err := s.backend.Renew(r.Context(), iface); err != nil {
		writeBackendError(w, err)
		return
	}
	writeOK(w, map[string]string{"interface": iface, "action": "renew"})
}

func (s *Server) releaseHandler(w http.ResponseWriter, r *http.Request) {
	iface := r.PathValue("iface")
	if err := s.backend.Release(r.Context(), iface); err != nil {
		writeBackendError(w, err)
		return
	}
	writeOK(w, map[string]string{"interface": iface, "action": "release"})
}

func (s *Server) statisticsHandler(w http.ResponseWriter, _ *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "statistics not available")
		return
	}
	passed, defended, declines := s.stats.DAD()
	writeOK(w, StatisticsInfo{
		Retransmits: s.stats.Retransmits(),
		Callbacks:   s.stats.Callbacks(),
		DADPassed:   passed,
		DADDefended: defended,
		Declines:    declines,
	})
}

func (s *Server) identifiersHandler(w http.ResponseWriter, r *http.Request) {
	ids, err := s.backend.Identifiers(r.Context())
	if err != nil {
		writeBackendError(w, err)
		return
	}
	result := make([]IdentifierEntry, len(ids))
	for i, id := range ids {
		result[i] = IdentifierEntry{
			Service: id.Service,
			Type:    id.Type,
			DUID:    id.HexBytes,
			Display: id.Display,
		}
	}
	writeOK(w, result)
}

func (s *Server) clearIdentifierHandler(w http.ResponseWriter, r *http.Request) {
	iface := r.PathValue("iface")
	if err := s.backend.ClearIdentifier(r.Context(), iface); err != nil {
		writeBackendError(w, err)
		return
	}
	writeOK(w, map[string]string{"interface": iface, "action": "clear-identifier"})
}

// eventsHandler returns recent session outcomes, newest first.
// Supports ?interface= and ?limit= (default 50).
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeOK(w, []EventEntry{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	recs := s.eventBuf.Latest(limit, r.URL.Query().Get("interface"))
	result := make([]EventEntry, len(recs))
	for i, rec := range recs {
		result[i] = eventEntryFromRecord(rec)
	}
	writeOK(w, result)
}

func eventEntryFromRecord(rec logging.EventRecord) EventEntry {
	return EventEntry{
		Time:      rec.Time.Format(time.RFC3339),
		Interface: rec.Interface,
		Mode:      rec.Mode,
		Status:    rec.Status,
		Prefixes:  rec.Prefixes,
	}
}
