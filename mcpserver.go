package vxsdr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes read-only transport/throttle/async diagnostics as
// Model Context Protocol tools.
type MCPServer struct {
	device    *Device
	asyncLog  *AsyncLog
	linkStats *LinkStats
	mcpServer *server.MCPServer
	http      *server.StreamableHTTPServer
}

// NewMCPServer builds the tool registry for device. linkStats may be nil
// if round-trip/fill-percent history isn't being tracked.
func NewMCPServer(device *Device, asyncLog *AsyncLog, linkStats *LinkStats) *MCPServer {
	m := &MCPServer{device: device, asyncLog: asyncLog, linkStats: linkStats}

	m.mcpServer = server.NewMCPServer(
		"vxsdr",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	m.registerTools()
	m.http = server.NewStreamableHTTPServer(m.mcpServer)
	return m
}

func (m *MCPServer) registerTools() {
	m.mcpServer.AddTool(
		mcp.NewTool("get_transport_stats",
			mcp.WithDescription("Get command and data transport counters: sent/received packets, sequence errors, size errors, bytes transferred, and direction states."),
		),
		m.handleGetTransportStats,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("get_throttle_state",
			mcp.WithDescription("Get the current TX throttle state (none/normal/hard), tx_buffer_fill_percent, and packet out-of-sequence count reported by the device."),
		),
		m.handleGetThrottleState,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("get_async_log",
			mcp.WithDescription("Get recently dispatched async messages (affected system, error type, subdevice, timestamp)."),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of recent entries to return (default 50)"),
				mcp.DefaultNumber(50),
			),
		),
		m.handleGetAsyncLog,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("get_link_stats",
			mcp.WithDescription("Get rolling mean/stddev of command round-trip latency (microseconds) and TX buffer fill percent."),
		),
		m.handleGetLinkStats,
	)
}

func (m *MCPServer) handleGetTransportStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload := map[string]any{
		"command": m.device.CommandStats(),
		"data":    m.device.DataStats(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

func (m *MCPServer) handleGetThrottleState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload := map[string]any{
		"throttle_state":   m.device.ThrottleState().String(),
		"fill_percent":     m.device.FillPercent(),
		"packet_oos_count": m.device.PacketOOSCount(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal throttle state: %v", err)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

func (m *MCPServer) handleGetAsyncLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if m.asyncLog == nil {
		return mcp.NewToolResultError("async log is not enabled"), nil
	}
	limit := int(request.GetFloat("limit", 50))
	entries := m.asyncLog.Recent(limit)
	body, err := json.Marshal(entries)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal async log: %v", err)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

func (m *MCPServer) handleGetLinkStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if m.linkStats == nil {
		return mcp.NewToolResultError("link stats are not enabled"), nil
	}
	body, err := json.Marshal(m.linkStats.Summary())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal link stats: %v", err)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

// ServeHTTP exposes the MCP streamable-HTTP transport.
func (m *MCPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.http.ServeHTTP(w, r)
}

// AsyncLog keeps a bounded ring of recently dispatched async events for
// get_async_log, fed by an AsyncSink (see async.go). The dispatcher
// goroutine appends while MCP handlers read, so entries is guarded.
type AsyncLog struct {
	capacity int

	mu      sync.RWMutex
	entries []AsyncEvent
}

// NewAsyncLog constructs a log retaining up to capacity entries.
func NewAsyncLog(capacity int) *AsyncLog {
	if capacity <= 0 {
		capacity = 256
	}
	return &AsyncLog{capacity: capacity}
}

// Sink returns an AsyncSink that appends to the log.
func (l *AsyncLog) Sink() AsyncSink {
	return func(ev AsyncEvent) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.entries = append(l.entries, ev)
		if len(l.entries) > l.capacity {
			l.entries = l.entries[len(l.entries)-l.capacity:]
		}
	}
}

// Recent returns up to n most recent entries, newest last.
func (l *AsyncLog) Recent(n int) []AsyncEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]AsyncEvent, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}
