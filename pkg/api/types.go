// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime      string `json:"uptime"`
	Strategy    string `json:"checksum_strategy"`
	Passthrough bool   `json:"passthrough"`
	Interfaces  int    `json:"interfaces"`
	EventsTotal uint64 `json:"events_total"`
}

// InterfaceInfo describes a registered interface.
type InterfaceInfo struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	ID           uint32 `json:"id"`
	MTU          int    `json:"mtu"`
	Port         uint32 `json:"port,omitempty"`
	NIC          int    `json:"nic,omitempty"`
	Ifindex      int    `json:"ifindex,omitempty"`
	HardwareAddr string `json:"hardware_addr,omitempty"`
	VRF          uint32 `json:"vrf,omitempty"`
	Bridge       string `json:"bridge,omitempty"`
	XConnect     bool   `json:"xconnect"`
}

// EventEntry is a pipeline event.
type EventEntry struct {
	Time      string `json:"time"`
	Type      string `json:"type"`
	Interface string `json:"interface,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Packet    string `json:"packet,omitempty"`
	Src       string `json:"src,omitempty"`
	Dst       string `json:"dst,omitempty"`
	Length    int    `json:"length,omitempty"`
	MTU       int    `json:"mtu,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// LogStreamEntry is a log message sent via SSE.
type LogStreamEntry struct {
	Time     string `json:"time"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}
