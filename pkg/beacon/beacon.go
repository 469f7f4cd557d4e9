// Package beacon runs the device side of tapbeacon: it keeps the clock
// honest, refreshes the NFC tag and serves the captive portal.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/atvirokodosprendimai/tapbeacon/pkg/config"
	"github.com/atvirokodosprendimai/tapbeacon/pkg/presence"
	"github.com/atvirokodosprendimai/tapbeacon/pkg/timesync"
	"github.com/atvirokodosprendimai/tapbeacon/pkg/token"
)

const (
	StatusInterval    = 60 * time.Second
	ShutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Beacon manages the device lifecycle
type Beacon struct {
	config    *config.Config
	generator *token.Generator
	clock     timesync.Source
	syncer    *timesync.Syncer

	nfc       *presence.Refresher
	manual    *presence.Refresher // issues on demand when NFC is disabled
	nfcWriter *presence.NFCPublisher
	portal    *presence.Portal
	httpSrv   *http.Server

	// RPC server
	rpcServer RPCServer

	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RPCServer interface for the RPC server
type RPCServer interface {
	Start() error
	Stop() error
}

// Option customizes a Beacon at construction.
type Option func(*options)

type options struct {
	tagWriter presence.TagWriter
	query     timesync.QueryFunc
	clock     func() time.Time
}

// WithTagWriter replaces the file backed tag writer, e.g. with a driver for
// real NFC hardware.
func WithTagWriter(w presence.TagWriter) Option {
	return func(o *options) { o.tagWriter = w }
}

// WithNTPQuery replaces the SNTP client.
func WithNTPQuery(q timesync.QueryFunc) Option {
	return func(o *options) { o.query = q }
}

// WithLocalClock replaces the uncorrected local clock.
func WithLocalClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// parseLogLevel converts a log level string to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ConfigureLogging sets up the global logger with the given level.
// log.Printf output is routed through slog at that level so tagged
// component lines stay visible. Call once from main.
func ConfigureLogging(level string) {
	lvl := parseLogLevel(level)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	})
	slog.SetDefault(slog.New(handler))

	log.SetOutput(&slogWriter{level: lvl})
	log.SetFlags(0) // slog adds its own timestamp
}

// slogWriter adapts log.Printf output to slog at a fixed level.
type slogWriter struct {
	level slog.Level
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimRight(string(p), "\n")
	slog.Log(context.Background(), w.level, msg)
	return len(p), nil
}

// New creates a beacon from cfg. The token generator is built and self
// tested here, so a broken digest fails before anything is served.
func New(cfg *config.Config, opts ...Option) (*Beacon, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	b := &Beacon{config: cfg}

	if cfg.TimeSync.Disabled {
		b.clock = timesync.SystemClock{}
		if o.clock != nil {
			b.clock = localClock(o.clock)
		}
	} else {
		b.syncer = timesync.NewSyncer(timesync.SyncerConfig{
			Servers:     cfg.TimeSync.Servers,
			Interval:    cfg.TimeSync.Interval,
			Timeout:     cfg.TimeSync.Timeout,
			RequireSync: cfg.TimeSync.RequireSync,
			Query:       o.query,
			Clock:       o.clock,
		})
		b.clock = b.syncer
	}

	gen, err := cfg.NewGenerator(token.WithClock(b.clock.Now))
	if err != nil {
		return nil, err
	}
	b.generator = gen

	if cfg.NFC.Enabled {
		w := o.tagWriter
		if w == nil {
			w = presence.FileTagWriter{MailboxPath: cfg.NFC.MailboxPath, EEPROMPath: cfg.NFC.EEPROMPath}
		}
		b.nfcWriter = presence.NewNFCPublisher(w, cfg.NFC.StaticText)
		b.nfc, err = presence.NewRefresher(presence.RefresherConfig{
			Name:        "NFC",
			Method:      cfg.NFC.Method,
			DeviceIndex: cfg.DeviceIndex,
			BaseURL:     cfg.BaseURL,
			Interval:    cfg.NFC.Interval,
			Debounce:    cfg.NFC.Debounce,
		}, gen, b.clock, b.nfcWriter)
		if err != nil {
			return nil, fmt.Errorf("failed to create NFC refresher: %w", err)
		}
	} else {
		// no publishers: Refresh only issues
		b.manual, err = presence.NewRefresher(presence.RefresherConfig{
			Name:        "Manual",
			Method:      cfg.Portal.Method,
			DeviceIndex: cfg.DeviceIndex,
			BaseURL:     cfg.BaseURL,
		}, gen, b.clock)
		if err != nil {
			return nil, fmt.Errorf("failed to create refresher: %w", err)
		}
	}

	if cfg.Portal.Enabled {
		b.portal = presence.NewPortal(presence.PortalConfig{
			Title:       cfg.Portal.Title,
			Method:      cfg.Portal.Method,
			DeviceIndex: cfg.DeviceIndex,
			BaseURL:     cfg.BaseURL,
		}, gen, b.clock)
		b.httpSrv = &http.Server{
			Addr:              cfg.Portal.Listen,
			Handler:           b.portal,
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b, nil
}

// SetRPCServer sets the RPC server for the beacon
func (b *Beacon) SetRPCServer(server RPCServer) {
	b.rpcServer = server
}

// Generator returns the beacon's token generator.
func (b *Beacon) Generator() *token.Generator {
	return b.generator
}

// PortalHandler returns the captive portal handler, or nil when the portal
// is disabled.
func (b *Beacon) PortalHandler() http.Handler {
	if b.portal == nil {
		return nil
	}
	return b.portal
}

// Run starts the beacon and blocks until ctx is cancelled, Shutdown is
// called or the process receives SIGINT/SIGTERM.
func (b *Beacon) Run(ctx context.Context) error {
	b.startTime = time.Now()
	log.Printf("Starting tapbeacon device %d (format %s, key %s)...",
		b.config.DeviceIndex, b.generator.Format(), b.generator.KeyID())

	if b.nfcWriter != nil {
		if err := b.nfcWriter.WriteStatic(ctx); err != nil {
			log.Printf("[NFC] Failed to write static tag record: %v", err)
		}
	}

	var ln net.Listener
	if b.httpSrv != nil {
		var err error
		ln, err = net.Listen("tcp", b.httpSrv.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen for portal on %s: %w", b.httpSrv.Addr, err)
		}
	}

	if b.rpcServer != nil {
		if err := b.rpcServer.Start(); err != nil {
			if ln != nil {
				ln.Close()
			}
			return fmt.Errorf("failed to start RPC server: %w", err)
		}
		defer b.rpcServer.Stop()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if b.syncer != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.syncer.Run(runCtx)
		}()
	}

	if b.nfc != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.nfc.Run(runCtx)
		}()
	}

	if ln != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			log.Printf("[Portal] Listening on %s", ln.Addr())
			if err := b.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[Portal] Server error: %v", err)
			}
		}()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.statusLoop(runCtx)
	}()

	log.Printf("Beacon running. Press Ctrl+C to stop.")

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case <-runCtx.Done():
		log.Printf("Context cancelled, shutting down...")
	}
	cancel()

	if b.httpSrv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), ShutdownTimeout)
		if err := b.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[Portal] Shutdown error: %v", err)
		}
		done()
	}

	log.Printf("Waiting for background tasks to complete...")
	b.wg.Wait()
	return nil
}

// Shutdown cancels the beacon context. Wait for Run to return for full
// shutdown.
func (b *Beacon) Shutdown() {
	b.cancel()
}

func (b *Beacon) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.printStatus()
		}
	}
}

func (b *Beacon) printStatus() {
	s := b.Status()
	log.Printf("[Status] device=%d clock_valid=%v synced=%v offset=%v skipped=%d key=%s",
		s.DeviceIndex, s.ClockValid, s.TimeSynced, s.ClockOffset, s.Skipped, s.CurrentKeyID)
}

// GetUptime returns the beacon uptime
func (b *Beacon) GetUptime() time.Duration {
	if b.startTime.IsZero() {
		return 0
	}
	return time.Since(b.startTime)
}

// Tap reports an RF field detection to the NFC refresher. It returns false
// when NFC is disabled or the tap was debounced.
func (b *Beacon) Tap() bool {
	if b.nfc == nil {
		return false
	}
	accepted := b.nfc.Tap()
	if accepted {
		log.Printf("[NFC] Field detected")
	}
	return accepted
}

// CurrentToken returns the payload most recently written to the tag.
func (b *Beacon) CurrentToken() (presence.Payload, bool) {
	if b.nfc == nil {
		return presence.Payload{}, false
	}
	return b.nfc.Current()
}

// Refresh issues and publishes a token now. Without NFC the token is only
// generated.
func (b *Beacon) Refresh(ctx context.Context) (presence.Payload, error) {
	r := b.nfc
	if r == nil {
		r = b.manual
	}
	return r.Refresh(ctx, presence.TriggerManual)
}

// SyncNow runs one SNTP exchange and returns the measured offset.
func (b *Beacon) SyncNow(ctx context.Context) (time.Duration, error) {
	if b.syncer == nil {
		return 0, errors.New("time sync is disabled")
	}
	if err := b.syncer.SyncNow(ctx); err != nil {
		return 0, err
	}
	return b.syncer.Status().Offset, nil
}

// RotateKey switches to the signing key for secret. Tokens signed with the
// old key keep validating for grace.
func (b *Beacon) RotateKey(secret string, grace time.Duration) (*Rotation, error) {
	key, err := b.config.KeyFor(secret)
	if err != nil {
		return nil, err
	}
	state := b.generator.RotateKey(key, grace)
	metricKeyRotations.Add(context.Background(), 1)
	log.Printf("[Keys] Rotated signing key %s -> %s (grace %v)", state.OldKeyID, state.NewKeyID, grace)
	return &Rotation{
		OldKeyID:    state.OldKeyID,
		NewKeyID:    state.NewKeyID,
		GracePeriod: state.GracePeriod,
		GraceUntil:  state.GraceUntil(),
	}, nil
}

// Status returns a snapshot of the beacon state
func (b *Beacon) Status() *Status {
	s := &Status{
		DeviceIndex:   b.config.DeviceIndex,
		Format:        b.generator.Format().String(),
		Tolerance:     b.generator.Tolerance(),
		Uptime:        b.GetUptime(),
		ClockValid:    b.clock.Valid(),
		NFCEnabled:    b.nfc != nil,
		CurrentKeyID:  b.generator.KeyID(),
		RotationGrace: b.generator.InGrace(),
	}
	if b.syncer != nil {
		st := b.syncer.Status()
		s.TimeSynced = st.Synced
		s.LastSync = st.LastSync
		s.ClockOffset = st.Offset
	}
	if b.httpSrv != nil {
		s.PortalAddr = b.httpSrv.Addr
	}
	if b.nfc != nil {
		s.Skipped = b.nfc.Skipped()
	}
	return s
}

// Status is the beacon state reported over RPC (matches rpc.StatusData)
type Status struct {
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

// Rotation describes a completed key rotation (matches rpc.RotationData)
type Rotation struct {
	OldKeyID    string
	NewKeyID    string
	GracePeriod time.Duration
	GraceUntil  time.Time
}

// localClock is the uncorrected clock used when time sync is disabled.
type localClock func() time.Time

func (c localClock) Now() time.Time { return c() }

func (c localClock) Valid() bool { return timesync.IsPlausible(c()) }
