package rpc

import (
	"time"
)

// JSON-RPC 2.0 protocol structures

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string                 `json:"jsonrpc"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
	ID      interface{}            `json:"id"`
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC 2.0 error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603

	// ErrCodeNotReady is returned while the beacon clock is untrusted
	ErrCodeNotReady = -32001
)

// TokenInfo is the payload most recently issued to a channel
type TokenInfo struct {
	Token       string `json:"token"`
	URL         string `json:"url"`
	Method      string `json:"access_method"`
	DeviceIndex int    `json:"device_index"`
	IssuedAt    string `json:"issued_at"` // ISO 8601 format
	Trigger     string `json:"trigger"`
}

// BeaconStatusResult represents the result of beacon.status
type BeaconStatusResult struct {
	DeviceIndex   int           `json:"device_index"`
	Format        string        `json:"format"`
	Tolerance     string        `json:"tolerance"`
	Uptime        time.Duration `json:"uptime"`
	ClockValid    bool          `json:"clock_valid"`
	TimeSynced    bool          `json:"time_synced"`
	LastSync      string        `json:"last_sync,omitempty"`
	ClockOffset   string        `json:"clock_offset"`
	NFCEnabled    bool          `json:"nfc_enabled"`
	PortalAddr    string        `json:"portal_addr,omitempty"`
	Skipped       uint64        `json:"skipped_refreshes"`
	CurrentKeyID  string        `json:"current_key_id"`
	RotationGrace bool          `json:"rotation_in_grace"`
	Version       string        `json:"version"`
}

// TapResult represents the result of beacon.tap
type TapResult struct {
	Accepted bool `json:"accepted"`
}

// RotateKeyResult represents the result of beacon.rotate_key
type RotateKeyResult struct {
	OldKeyID    string `json:"old_key_id"`
	NewKeyID    string `json:"new_key_id"`
	GracePeriod string `json:"grace_period"`
	GraceUntil  string `json:"grace_until"`
}

// SyncResult represents the result of timesync.sync
type SyncResult struct {
	Synced      bool   `json:"synced"`
	ClockOffset string `json:"clock_offset"`
}

// DaemonPingResult represents the result of daemon.ping
type DaemonPingResult struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version"`
}
