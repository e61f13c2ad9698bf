// Package api implements the HTTP status API and Prometheus metrics endpoint.
package api

import (
	"github.com/psaab/netboot/pkg/ipstat"
)

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime       string `json:"uptime"`
	Interfaces   int    `json:"interfaces"`
	Routes       int    `json:"routes"`
	Neighbours   int    `json:"neighbours"`
	DHCPSessions int    `json:"dhcp_sessions"`
	DHCPLeases   int    `json:"dhcp_leases"`
}

// InterfaceInfo describes one network device.
type InterfaceInfo struct {
	Name        string `json:"name"`
	Index       int    `json:"index"`
	MAC         string `json:"mac"`
	MTU         int    `json:"mtu"`
	Open        bool   `json:"open"`
	LinkBlocked bool   `json:"link_blocked"`
}

// RouteInfo is one minirouting table entry.
type RouteInfo struct {
	Interface string   `json:"interface"`
	Address   string   `json:"address"`
	PrefixLen int      `json:"prefix_len"`
	Router    string   `json:"router,omitempty"`
	Scope     string   `json:"scope"`
	Flags     []string `json:"flags,omitempty"`
}

// SettingInfo is the effective value of one setting within a scope.
type SettingInfo struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Origin string `json:"origin"`
}

// BlockInfo is one node of the settings tree.
type BlockInfo struct {
	Path  string `json:"path"`
	Depth int    `json:"depth"`
	Order int    `json:"order"`
}

// Statistics holds the IP counters of every family.
type Statistics struct {
	IP []ipstat.Snapshot `json:"ip"`
}

// RenewRequest is the body of POST /api/v1/dhcp/renew.
type RenewRequest struct {
	Interface string `json:"interface"`
}
