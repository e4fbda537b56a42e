package api

import (
	"github.com/skobkin/diskstat-web/internal/blockdev"
	"github.com/skobkin/diskstat-web/internal/procscan"
	"github.com/skobkin/diskstat-web/internal/sampler"
	"github.com/skobkin/diskstat-web/internal/sysinfo"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int             `json:"interval_ms"`
	Devices    []blockdev.Info `json:"devices"`
	System     sysinfo.Info    `json:"system"`
	Features   map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, devices []blockdev.Info, system sysinfo.Info, features map[string]bool) HelloMessage {
	if devices == nil {
		devices = []blockdev.Info{}
	}
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		Devices:    devices,
		System:     system,
		Features:   features,
	}
}

// StatsMessage wraps a sampler report for transport.
type StatsMessage struct {
	Type string `json:"type"`
	sampler.Report
}

// NewStatsMessage constructs a stats payload.
func NewStatsMessage(report sampler.Report) StatsMessage {
	return StatsMessage{
		Type:   "stats",
		Report: report,
	}
}

// ProcsMessage wraps a process snapshot for transport.
type ProcsMessage struct {
	Type string `json:"type"`
	procscan.Snapshot
}

// NewProcsMessage constructs a procs payload.
func NewProcsMessage(snapshot procscan.Snapshot) ProcsMessage {
	return ProcsMessage{
		Type:     "procs",
		Snapshot: snapshot,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// SubscribeMessage restricts the stats stream to the listed devices. An
// empty list selects every tracked device.
type SubscribeMessage struct {
	Type    string   `json:"type"`
	Devices []string `json:"devices"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
