package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/psaab/vrhost/pkg/iface"
	"github.com/psaab/vrhost/pkg/logging"
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

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Uptime:      time.Since(s.startTime).Truncate(time.Second).String(),
		Strategy:    string(s.host.Strategy()),
		Passthrough: s.host.Registry().PassthroughEnabled(),
		Interfaces:  s.host.Registry().Len(),
	}
	if s.eventBuf != nil {
		resp.EventsTotal = s.eventBuf.Total()
	}
	writeOK(w, resp)
}

func (s *Server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.host.Stats())
}

func (s *Server) clearStatsHandler(w http.ResponseWriter, _ *http.Request) {
	s.host.ClearStats()
	writeOK(w, map[string]string{"message": "statistics cleared"})
}

func (s *Server) interfacesHandler(w http.ResponseWriter, _ *http.Request) {
	list := s.host.Registry().List()
	out := make([]InterfaceInfo, len(list))
	for i, ifc := range list {
		out[i] = interfaceInfo(ifc)
	}
	writeOK(w, out)
}

func (s *Server) interfaceHandler(w http.ResponseWriter, r *http.Request) {
	ifc, ok := s.host.Registry().Lookup(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "interface not found")
		return
	}
	writeOK(w, interfaceInfo(ifc))
}

func (s *Server) xconnectHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var err error
	if r.Method == http.MethodDelete {
		err = s.host.RemoveXConnect(name)
	} else {
		err = s.host.XConnect(name)
	}
	switch {
	case errors.Is(err, iface.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		ifc, _ := s.host.Registry().Lookup(name)
		writeOK(w, interfaceInfo(ifc))
	}
}

func interfaceInfo(i *iface.Interface) InterfaceInfo {
	info := InterfaceInfo{
		Name:     i.Name,
		Kind:     i.Kind().String(),
		ID:       i.ID,
		MTU:      i.MTU,
		Port:     i.Port,
		NIC:      i.NIC,
		XConnect: i.XConnect,
	}
	if i.Bridge != nil {
		info.Bridge = i.Bridge.Name
	}
	switch spec := i.Spec.(type) {
	case iface.Physical:
		info.Ifindex = spec.Ifindex
		if spec.HardwareAddr != nil {
			info.HardwareAddr = spec.HardwareAddr.String()
		}
	case iface.Virtual:
		info.VRF = spec.VRF
	}
	return info
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeOK(w, []EventEntry{})
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit > 10000 {
		limit = 10000
	}
	filter := logging.EventFilter{
		Interface: r.URL.Query().Get("interface"),
		Type:      r.URL.Query().Get("type"),
	}

	events := s.eventBuf.LatestFiltered(limit, filter)
	result := make([]EventEntry, len(events))
	for i, ev := range events {
		result[i] = eventEntryFromRecord(ev)
	}
	writeOK(w, result)
}

func eventEntryFromRecord(rec logging.EventRecord) EventEntry {
	return EventEntry{
		Time:      rec.Time.Format(time.RFC3339),
		Type:      rec.Type,
		Interface: rec.Interface,
		Kind:      rec.Kind,
		Packet:    rec.Packet,
		Src:       rec.Src,
		Dst:       rec.Dst,
		Length:    rec.Length,
		MTU:       rec.MTU,
		Reason:    rec.Reason,
	}
}
