package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotReady is returned by callbacks when the beacon cannot issue tokens
// yet. It maps to ErrCodeNotReady.
var ErrNotReady = errors.New("beacon clock not synchronized")

// TokenData is a payload issued by the beacon
type TokenData struct {
	Token       string
	URL         string
	Method      string
	DeviceIndex int
	IssuedAt    time.Time
	Trigger     string
}

// StatusData represents beacon status for RPC
type StatusData struct {
	DeviceIndex   int
	Format        string
	Tolerance     time.Duration
	Uptime        time.Duration
	ClockValid    bool
	TimeSynced    bool
	LastSync      time.Time
	ClockOffset   time.Duration
	NFCEnabled    bool
	PortalAddr    string
	Skipped       uint64
	CurrentKeyID  string
	RotationGrace bool
}

// RotationData describes a completed key rotation
type RotationData struct {
	OldKeyID    string
	NewKeyID    string
	GracePeriod time.Duration
	GraceUntil  time.Time
}

// ServerConfig configures the RPC server with callback functions
type ServerConfig struct {
	SocketPath string
	Version    string
	GetStatus  func() *StatusData
	Tap        func() bool
	GetToken   func() (*TokenData, bool)
	Refresh    func(ctx context.Context) (*TokenData, error)
	SyncTime   func(ctx context.Context) (offset time.Duration, err error)
	RotateKey  func(secret string, grace time.Duration) (*RotationData, error)
}

// Server implements an RPC server using Unix domain sockets
type Server struct {
	socketPath  string
	listener    net.Listener
	version     string
	ctx         context.Context
	cancel      context.CancelFunc
	getStatusFn func() *StatusData
	tapFn       func() bool
	getTokenFn  func() (*TokenData, bool)
	refreshFn   func(ctx context.Context) (*TokenData, error)
	syncTimeFn  func(ctx context.Context) (time.Duration, error)
	rotateKeyFn func(secret string, grace time.Duration) (*RotationData, error)
}

// NewServer creates a new RPC server
func NewServer(config ServerConfig) (*Server, error) {
	// Remove existing socket if it exists
	if _, err := os.Stat(config.SocketPath); err == nil {
		if err := os.Remove(config.SocketPath); err != nil {
			return nil, fmt.Errorf("failed to remove existing socket: %w", err)
		}
	}

	// Ensure directory exists
	dir := filepath.Dir(config.SocketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		socketPath:  config.SocketPath,
		version:     config.Version,
		ctx:         ctx,
		cancel:      cancel,
		getStatusFn: config.GetStatus,
		tapFn:       config.Tap,
		getTokenFn:  config.GetToken,
		refreshFn:   config.Refresh,
		syncTimeFn:  config.SyncTime,
		rotateKeyFn: config.RotateKey,
	}

	return s, nil
}

// Start starts the RPC server
func (s *Server) Start() error {
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	s.listener = listener

	// Set socket permissions to 0600 (owner only)
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	log.Printf("[RPC] Listening on %s", s.socketPath)

	go s.acceptLoop()

	return nil
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("[RPC] Accept error: %v", err)
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection handles a single connection
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			resp := &Response{
				JSONRPC: "2.0",
				Error: &Error{
					Code:    ErrCodeParseError,
					Message: fmt.Sprintf("failed to parse request: %v", err),
				},
				ID: nil,
			}
			s.writeResponse(writer, resp)
			continue
		}

		resp := s.handleRequest(&req)
		s.writeResponse(writer, resp)
	}

	if err := scanner.Err(); err != nil {
		log.Printf("[RPC] Connection error: %v", err)
	}
}

// writeResponse writes a response to the connection
func (s *Server) writeResponse(w *bufio.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("[RPC] Failed to encode response: %v", err)
		return
	}

	if _, err := w.Write(append(data, '\n')); err != nil {
		log.Printf("[RPC] Failed to write response: %v", err)
		return
	}

	if err := w.Flush(); err != nil {
		log.Printf("[RPC] Failed to flush response: %v", err)
	}
}

// handleRequest handles a single RPC request
func (s *Server) handleRequest(req *Request) *Response {
	resp := &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
	}

	if req.JSONRPC != "2.0" {
		resp.Error = &Error{
			Code:    ErrCodeInvalidRequest,
			Message: "invalid jsonrpc version, must be 2.0",
		}
		return resp
	}

	var (
		result interface{}
		rpcErr *Error
	)

	switch req.Method {
	case "daemon.ping":
		result, rpcErr = s.handleDaemonPing(req.Params)
	case "beacon.status":
		result, rpcErr = s.handleBeaconStatus(req.Params)
	case "beacon.tap":
		result, rpcErr = s.handleBeaconTap(req.Params)
	case "beacon.token":
		result, rpcErr = s.handleBeaconToken(req.Params)
	case "beacon.refresh":
		result, rpcErr = s.handleBeaconRefresh(req.Params)
	case "beacon.rotate_key":
		result, rpcErr = s.handleRotateKey(req.Params)
	case "timesync.sync":
		result, rpcErr = s.handleTimeSync(req.Params)
	default:
		rpcErr = &Error{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		}
	}

	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return resp
}

func notConfigured(method string) *Error {
	return &Error{Code: ErrCodeInternalError, Message: method + " not available"}
}

func internalError(err error) *Error {
	if errors.Is(err, ErrNotReady) {
		return &Error{Code: ErrCodeNotReady, Message: err.Error()}
	}
	return &Error{Code: ErrCodeInternalError, Message: err.Error()}
}

func tokenInfo(d *TokenData) *TokenInfo {
	return &TokenInfo{
		Token:       d.Token,
		URL:         d.URL,
		Method:      d.Method,
		DeviceIndex: d.DeviceIndex,
		IssuedAt:    d.IssuedAt.UTC().Format(time.RFC3339),
		Trigger:     d.Trigger,
	}
}

// handleDaemonPing implements daemon.ping
func (s *Server) handleDaemonPing(params map[string]interface{}) (*DaemonPingResult, *Error) {
	return &DaemonPingResult{
		Pong:    true,
		Version: s.version,
	}, nil
}

// handleBeaconStatus implements beacon.status
func (s *Server) handleBeaconStatus(params map[string]interface{}) (*BeaconStatusResult, *Error) {
	if s.getStatusFn == nil {
		return nil, notConfigured("beacon.status")
	}
	status := s.getStatusFn()

	result := &BeaconStatusResult{
		DeviceIndex:   status.DeviceIndex,
		Format:        status.Format,
		Tolerance:     status.Tolerance.String(),
		Uptime:        status.Uptime,
		ClockValid:    status.ClockValid,
		TimeSynced:    status.TimeSynced,
		ClockOffset:   status.ClockOffset.String(),
		NFCEnabled:    status.NFCEnabled,
		PortalAddr:    status.PortalAddr,
		Skipped:       status.Skipped,
		CurrentKeyID:  status.CurrentKeyID,
		RotationGrace: status.RotationGrace,
		Version:       s.version,
	}
	if !status.LastSync.IsZero() {
		result.LastSync = status.LastSync.UTC().Format(time.RFC3339)
	}
	return result, nil
}

// handleBeaconTap implements beacon.tap
func (s *Server) handleBeaconTap(params map[string]interface{}) (*TapResult, *Error) {
	if s.tapFn == nil {
		return nil, notConfigured("beacon.tap")
	}
	return &TapResult{Accepted: s.tapFn()}, nil
}

// handleBeaconToken implements beacon.token
func (s *Server) handleBeaconToken(params map[string]interface{}) (*TokenInfo, *Error) {
	if s.getTokenFn == nil {
		return nil, notConfigured("beacon.token")
	}
	d, ok := s.getTokenFn()
	if !ok {
		return nil, &Error{Code: ErrCodeNotReady, Message: "no token issued yet"}
	}
	return tokenInfo(d), nil
}

// handleBeaconRefresh implements beacon.refresh
func (s *Server) handleBeaconRefresh(params map[string]interface{}) (*TokenInfo, *Error) {
	if s.refreshFn == nil {
		return nil, notConfigured("beacon.refresh")
	}
	d, err := s.refreshFn(s.ctx)
	if err != nil {
		return nil, internalError(err)
	}
	return tokenInfo(d), nil
}

// handleRotateKey implements beacon.rotate_key
func (s *Server) handleRotateKey(params map[string]interface{}) (*RotateKeyResult, *Error) {
	if s.rotateKeyFn == nil {
		return nil, notConfigured("beacon.rotate_key")
	}
	secret, ok := params["secret"].(string)
	if !ok || secret == "" {
		return nil, &Error{
			Code:    ErrCodeInvalidParams,
			Message: "missing or invalid 'secret' parameter",
		}
	}

	grace := time.Duration(0)
	if g, ok := params["grace"].(string); ok && g != "" {
		d, err := time.ParseDuration(g)
		if err != nil || d < 0 {
			return nil, &Error{
				Code:    ErrCodeInvalidParams,
				Message: fmt.Sprintf("invalid 'grace' parameter: %q", g),
			}
		}
		grace = d
	}

	rot, err := s.rotateKeyFn(secret, grace)
	if err != nil {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: err.Error()}
	}
	return &RotateKeyResult{
		OldKeyID:    rot.OldKeyID,
		NewKeyID:    rot.NewKeyID,
		GracePeriod: rot.GracePeriod.String(),
		GraceUntil:  rot.GraceUntil.UTC().Format(time.RFC3339),
	}, nil
}

// handleTimeSync implements timesync.sync
func (s *Server) handleTimeSync(params map[string]interface{}) (*SyncResult, *Error) {
	if s.syncTimeFn == nil {
		return nil, notConfigured("timesync.sync")
	}
	offset, err := s.syncTimeFn(s.ctx)
	if err != nil {
		return nil, internalError(err)
	}
	return &SyncResult{Synced: true, ClockOffset: offset.String()}, nil
}

// Stop stops the RPC server
func (s *Server) Stop() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove socket: %w", err)
	}

	log.Printf("[RPC] Server stopped")
	return nil
}

// GetSocketPath determines the appropriate socket path
func GetSocketPath() string {
	if path := os.Getenv("TAPBEACON_SOCKET"); path != "" {
		return path
	}

	// Try /var/run (requires root)
	if IsWritable("/var/run") {
		return "/var/run/tapbeacon.sock"
	}

	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "tapbeacon.sock")
	}

	return "/tmp/tapbeacon.sock"
}

// IsWritable checks if a directory is writable
func IsWritable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	if !info.IsDir() {
		return false
	}

	testFile := filepath.Join(path, ".tapbeacon-test")
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(testFile)

	return true
}

// FormatSocketPath formats a socket path for display, shortening home directory
func FormatSocketPath(path string) string {
	home, err := os.UserHomeDir()
	if err == nil && strings.HasPrefix(path, home) {
		return "~" + strings.TrimPrefix(path, home)
	}
	return path
}
