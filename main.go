package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/tapbeacon/pkg/beacon"
	"github.com/atvirokodosprendimai/tapbeacon/pkg/config"
	"github.com/atvirokodosprendimai/tapbeacon/pkg/crypto"
	"github.com/atvirokodosprendimai/tapbeacon/pkg/otel"
	"github.com/atvirokodosprendimai/tapbeacon/pkg/presence"
	"github.com/atvirokodosprendimai/tapbeacon/pkg/rpc"
	"github.com/atvirokodosprendimai/tapbeacon/pkg/timesync"
	"github.com/atvirokodosprendimai/tapbeacon/pkg/token"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Check for version flags first (--version or -v)
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			fmt.Println("tapbeacon " + version)
			return
		}
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Println("tapbeacon " + version)
	case "serve":
		serveCmd()
	case "generate":
		generateCmd()
	case "decode":
		decodeCmd()
	case "secret":
		secretCmd()
	case "rotate-key":
		rotateKeyCmd()
	case "status":
		statusCmd()
	case "tap":
		tapCmd()
	case "refresh":
		refreshCmd()
	case "sync":
		syncCmd()
	case "install-service":
		installServiceCmd()
	case "uninstall-service":
		uninstallServiceCmd()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`tapbeacon - attendance check-in beacon

FLAGS:
  --version, -v                 Show version information

DEVICE:
  serve [--config <file>]       Run the beacon (NFC tag refresh + captive portal)
        [--log-level <lvl>]     debug, info, warn, error
        [--socket-path <path>]  RPC socket path (auto-detected if empty)
  install-service [--config <file>] [--secret <SECRET>]
                                Install systemd service
  uninstall-service             Remove systemd service

TOKENS:
  generate [--method web|nfc] [--device N] [--format timestamp|window] [--at <unix>]
                                Print a token (and its scan URL)
  decode [--tolerance 30s] [--at <unix>] <TOKEN>
                                Validate a token and print its fields

SECRETS:
  secret generate               Generate a new device secret
  secret split --parts 5 --threshold 3
                                Split the secret into Shamir shares
  secret combine <SHARE>...     Recombine shares into the secret
  secret export                 Print a password-encrypted backup of the secret
  secret import <BACKUP>        Decrypt a backup and print the secret URI

QUERY SUBCOMMANDS (running beacon, via RPC socket):
  Each accepts --socket-path <path> and --config <file>; the socket is taken
  from the flag, then device.socket, then auto-detected.
  status                        Show beacon status
  tap                           Simulate an NFC field detection
  refresh                       Issue and publish a token now
  sync                          Synchronize the clock now
  rotate-key [--new <SECRET>] [--grace 10m]
                                Switch the signing key; old tokens stay valid for the grace period

Token commands read the secret from --secret, TAPBEACON_SECRET, or the config
file (--config, TAPBEACON_CONFIG, default /etc/tapbeacon/tapbeacon.yaml).

EXAMPLES:
  tapbeacon secret generate
  TAPBEACON_SECRET="tapbeacon://v1/K7x2..." tapbeacon serve
  tapbeacon generate --method nfc --device 3
  tapbeacon decode "1735689600:web_access:0:3f2a..."
  tapbeacon rotate-key --grace 5m`)
}

// secretFlags registers the flags shared by commands that need a signing key.
func secretFlags(fs *flag.FlagSet) (configPath, secret *string) {
	configPath = fs.String("config", config.Path(os.Getenv), "Path to YAML config file")
	secret = fs.String("secret", "", "Device secret or tapbeacon:// URI (overrides config and env)")
	return configPath, secret
}

// socketFlags registers the flags used to locate the beacon's RPC socket.
func socketFlags(fs *flag.FlagSet) (configPath, socketPath *string) {
	configPath = fs.String("config", config.Path(os.Getenv), "Path to YAML config file")
	socketPath = fs.String("socket-path", "", "RPC socket path (defaults to device.socket, then auto-detected)")
	return configPath, socketPath
}

// resolveSocketPath picks the RPC socket: flag, then configured, then the
// platform default.
func resolveSocketPath(flagPath, configured string) string {
	if flagPath != "" {
		return flagPath
	}
	if configured != "" {
		return configured
	}
	return rpc.GetSocketPath()
}

// configuredSocket reads device.socket without requiring a secret.
func configuredSocket(configPath string) string {
	f, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return ""
	}
	return f.Device.Socket
}

// loadConfig reads the config file and applies env and flag overrides.
func loadConfig(path, secret string, mutate func(*config.File)) (*config.Config, error) {
	f, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	f.ApplyEnv(os.Getenv)
	if secret != "" {
		f.Secret = secret
	}
	if mutate != nil {
		mutate(f)
	}
	return config.NewConfig(*f)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// serveCmd handles the "serve" subcommand
func serveCmd() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath, secret := secretFlags(fs)
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	socketPath := fs.String("socket-path", "", "RPC socket path (auto-detected if empty)")
	fs.Parse(os.Args[2:])

	cfg, err := loadConfig(*configPath, *secret, nil)
	if errors.Is(err, config.ErrNoSecret) {
		fatalf("Error: no secret configured\nSet TAPBEACON_SECRET, pass --secret, or add 'secret' to %s", *configPath)
	}
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}

	beacon.ConfigureLogging(*logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownOtel, err := otel.Init(ctx, "tapbeacon", version, otel.DeviceIndex(cfg.DeviceIndex))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: telemetry disabled: %v\n", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		shutdownOtel(sctx)
	}()

	b, err := beacon.New(cfg)
	if err != nil {
		fatalf("Failed to create beacon: %v", err)
	}

	rpcSocketPath := resolveSocketPath(*socketPath, cfg.SocketPath)

	rpcServer, err := createRPCServer(b, rpcSocketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to create RPC server: %v\n", err)
	} else {
		b.SetRPCServer(rpcServer)
		fmt.Printf("RPC socket: %s\n", rpcSocketPath)
	}

	fmt.Printf("Starting beacon device=%d format=%s\n", cfg.DeviceIndex, cfg.Format)
	if !cfg.NFC.Enabled {
		fmt.Println("NFC tag disabled")
	}
	if !cfg.Portal.Enabled {
		fmt.Println("Captive portal disabled")
	}
	if cfg.TimeSync.Disabled {
		fmt.Println("Time sync disabled, using the local clock")
	}

	if err := b.Run(ctx); err != nil {
		fatalf("Beacon error: %v", err)
	}
}

// createRPCServer creates an RPC server for the beacon
func createRPCServer(b *beacon.Beacon, socketPath string) (beacon.RPCServer, error) {
	// Callbacks bridge beacon types to RPC types
	cfg := rpc.ServerConfig{
		SocketPath: socketPath,
		Version:    version,
		GetStatus: func() *rpc.StatusData {
			return statusData(b.Status())
		},
		Tap: b.Tap,
		GetToken: func() (*rpc.TokenData, bool) {
			p, ok := b.CurrentToken()
			if !ok {
				return nil, false
			}
			return tokenData(p), true
		},
		Refresh: func(ctx context.Context) (*rpc.TokenData, error) {
			p, err := b.Refresh(ctx)
			if err != nil {
				return nil, rpcError(err)
			}
			return tokenData(p), nil
		},
		SyncTime: func(ctx context.Context) (time.Duration, error) {
			offset, err := b.SyncNow(ctx)
			return offset, rpcError(err)
		},
		RotateKey: func(secret string, grace time.Duration) (*rpc.RotationData, error) {
			rot, err := b.RotateKey(secret, grace)
			if err != nil {
				return nil, err
			}
			return &rpc.RotationData{
				OldKeyID:    rot.OldKeyID,
				NewKeyID:    rot.NewKeyID,
				GracePeriod: rot.GracePeriod,
				GraceUntil:  rot.GraceUntil,
			}, nil
		},
	}

	return rpc.NewServer(cfg)
}

func statusData(s *beacon.Status) *rpc.StatusData {
	return &rpc.StatusData{
		DeviceIndex:   s.DeviceIndex,
		Format:        s.Format,
		Tolerance:     s.Tolerance,
		Uptime:        s.Uptime,
		ClockValid:    s.ClockValid,
		TimeSynced:    s.TimeSynced,
		LastSync:      s.LastSync,
		ClockOffset:   s.ClockOffset,
		NFCEnabled:    s.NFCEnabled,
		PortalAddr:    s.PortalAddr,
		Skipped:       s.Skipped,
		CurrentKeyID:  s.CurrentKeyID,
		RotationGrace: s.RotationGrace,
	}
}

func tokenData(p presence.Payload) *rpc.TokenData {
	return &rpc.TokenData{
		Token:       p.Token,
		URL:         p.URL,
		Method:      string(p.Method),
		DeviceIndex: p.DeviceIndex,
		IssuedAt:    p.IssuedAt,
		Trigger:     string(p.Trigger),
	}
}

// rpcError maps beacon errors onto RPC sentinel errors.
func rpcError(err error) error {
	if errors.Is(err, presence.ErrClockNotReady) {
		return fmt.Errorf("%w: %v", rpc.ErrNotReady, err)
	}
	return err
}

// generateCmd handles the "generate" subcommand
func generateCmd() {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	configPath, secret := secretFlags(fs)
	method := fs.String("method", "web", "Access method (web, nfc, or a custom name)")
	device := fs.Int("device", -1, "Device index (defaults to the configured one)")
	format := fs.String("format", "", "Token format: timestamp or window (defaults to config)")
	at := fs.Int64("at", 0, "Unix time to issue at (defaults to now)")
	fs.Parse(os.Args[2:])

	cfg, err := loadConfig(*configPath, *secret, func(f *config.File) {
		if *format != "" {
			f.Format = *format
		}
		if *device >= 0 {
			f.Device.Index = *device
		}
	})
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}

	m, err := token.ParseAccessMethod(*method)
	if err != nil {
		fatalf("Invalid method: %v", err)
	}

	clock := clockAt(*at)
	if !clock.Valid() {
		fatalf("Refusing to issue at %s: clock is not plausible", clock.Now().UTC().Format(time.RFC3339))
	}
	gen, err := cfg.NewGenerator(token.WithClock(clock.Now))
	if err != nil {
		fatalf("Failed to create generator: %v", err)
	}

	var tokens []string
	if gen.Format() == token.FormatWindow {
		tokens = gen.GenerateWindow(m, cfg.DeviceIndex)
	} else {
		tokens = []string{gen.Generate(m, cfg.DeviceIndex)}
	}

	for _, tok := range tokens {
		fmt.Println(tok)
	}
	fmt.Println()
	fmt.Printf("Scan URL: %s\n", presence.ScanURL(cfg.BaseURL, tokens[0]))
}

// decodeCmd handles the "decode" subcommand
func decodeCmd() {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	configPath, secret := secretFlags(fs)
	tolerance := fs.Duration("tolerance", 0, "Accepted clock distance (defaults to config)")
	format := fs.String("format", "", "Token format: timestamp or window (defaults to config)")
	at := fs.Int64("at", 0, "Unix time to validate at (defaults to now)")
	fs.Parse(os.Args[2:])

	if fs.NArg() != 1 {
		fatalf("Usage: tapbeacon decode [--tolerance 30s] [--at <unix>] <TOKEN>")
	}
	raw := fs.Arg(0)
	// accept a full scan URL as well as a bare token
	if i := strings.LastIndex(raw, "?"); i >= 0 {
		raw = raw[i+1:]
	}

	cfg, err := loadConfig(*configPath, *secret, func(f *config.File) {
		if *format != "" {
			f.Format = *format
		}
	})
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}

	gen, err := cfg.NewGenerator(token.WithClock(clockAt(*at).Now))
	if err != nil {
		fatalf("Failed to create generator: %v", err)
	}

	tol := cfg.Tolerance
	if *tolerance > 0 {
		tol = *tolerance
	}

	info := gen.Decode(raw, tol)
	printTokenInfo(info)
	if !info.Valid {
		os.Exit(1)
	}
}

// clockAt returns the host clock, or one frozen at the unix time at when set.
func clockAt(at int64) timesync.Source {
	if at > 0 {
		return timesync.FixedClock(time.Unix(at, 0))
	}
	return timesync.SystemClock{}
}

func printTokenInfo(info token.TokenInfo) {
	fmt.Printf("Token Information\n")
	fmt.Printf("=================\n")
	fmt.Printf("Valid:          %v\n", info.Valid)
	fmt.Printf("Message:        %s\n", info.Message)
	if !info.Valid {
		if info.Err != nil {
			fmt.Printf("Reason:         %v\n", info.Err)
		}
		return
	}
	fmt.Printf("Format:         %s\n", info.Format)
	if info.Format == token.FormatWindow {
		fmt.Printf("Time Window:    %d (%s)\n", info.TimeWindow,
			time.Unix(int64(info.TimeWindow*token.WindowDuration), 0).UTC().Format(time.RFC3339))
		fmt.Printf("Token Index:    %d\n", info.TokenIndex)
	} else {
		fmt.Printf("Timestamp:      %d (%s)\n", info.Timestamp,
			time.Unix(int64(info.Timestamp), 0).UTC().Format(time.RFC3339))
	}
	fmt.Printf("Access Method:  %s\n", info.AccessMethod)
	fmt.Printf("Device Index:   %d\n", info.DeviceIndex)
}

// secretCmd handles the "secret" subcommand
func secretCmd() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: tapbeacon secret <generate|split|combine|export|import>")
		os.Exit(1)
	}

	action := os.Args[2]
	args := os.Args[3:]

	switch action {
	case "generate":
		secret, err := crypto.GenerateSecret()
		if err != nil {
			fatalf("Failed to generate secret: %v", err)
		}
		fmt.Println(config.FormatSecretURI(secret))
		fmt.Println()
		fmt.Println("Provision it on the beacon and the verifier:")
		fmt.Printf("  export %s=\"%s\"\n", config.EnvSecret, config.FormatSecretURI(secret))

	case "split":
		fs := flag.NewFlagSet("secret split", flag.ExitOnError)
		configPath, secret := secretFlags(fs)
		parts := fs.Int("parts", 5, "Number of shares")
		threshold := fs.Int("threshold", 3, "Shares needed to recombine")
		fs.Parse(args)

		s := resolveSecret(*configPath, *secret)
		shares, err := crypto.SplitSecret(s, *parts, *threshold)
		if err != nil {
			fatalf("Failed to split secret: %v", err)
		}
		fmt.Printf("Secret split into %d shares; any %d recombine it:\n\n", len(shares), *threshold)
		for i, share := range shares {
			fmt.Printf("  %d: %s\n", i+1, share)
		}

	case "combine":
		if len(args) < 2 {
			fatalf("Usage: tapbeacon secret combine <SHARE> <SHARE> [...]")
		}
		secret, err := crypto.CombineShares(args)
		if err != nil {
			fatalf("Failed to combine shares: %v", err)
		}
		fmt.Println(config.FormatSecretURI(secret))

	case "export":
		fs := flag.NewFlagSet("secret export", flag.ExitOnError)
		configPath, secret := secretFlags(fs)
		fs.Parse(args)

		s := resolveSecret(*configPath, *secret)
		password, err := crypto.ReadPasswordTwice("Enter backup password: ")
		if err != nil {
			fatalf("Failed to read password: %v", err)
		}
		backup, err := crypto.Encrypt([]byte(s), password)
		if err != nil {
			fatalf("Failed to encrypt secret: %v", err)
		}
		fmt.Println(backup)

	case "import":
		if len(args) != 1 {
			fatalf("Usage: tapbeacon secret import <BACKUP>")
		}
		password, err := crypto.ReadPassword("Enter backup password: ")
		if err != nil {
			fatalf("Failed to read password: %v", err)
		}
		secret, err := crypto.Decrypt(strings.TrimSpace(args[0]), password)
		if err != nil {
			fatalf("Failed to decrypt backup: %v", err)
		}
		fmt.Println(config.FormatSecretURI(string(secret)))

	default:
		fmt.Fprintf(os.Stderr, "Unknown action: %s\n", action)
		fmt.Fprintln(os.Stderr, "Available actions: generate, split, combine, export, import")
		os.Exit(1)
	}
}

// resolveSecret returns the raw secret from flag, env, or config file.
func resolveSecret(configPath, flagSecret string) string {
	if flagSecret != "" {
		return config.ParseSecret(flagSecret)
	}
	f, err := config.Load(configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	f.ApplyEnv(os.Getenv)
	s := config.ParseSecret(f.Secret)
	if s == "" {
		fatalf("Error: no secret configured (use --secret or %s)", config.EnvSecret)
	}
	return s
}

// dialDaemon connects to the running beacon's RPC socket.
func dialDaemon(socketPath string) *rpc.Client {
	client, err := rpc.NewClient(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to beacon: %v\n", err)
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Is the tapbeacon daemon running?")
		fmt.Fprintln(os.Stderr, "  Start with: tapbeacon serve")
		fmt.Fprintf(os.Stderr, "  Socket path: %s\n", socketPath)
		os.Exit(1)
	}
	return client
}

// callDaemon performs one RPC call and returns the result object.
func callDaemon(socketPath, method string, params map[string]interface{}) map[string]interface{} {
	client := dialDaemon(socketPath)
	defer client.Close()

	result, err := client.Call(method, params)
	if err != nil {
		fatalf("RPC error: %v", err)
	}
	m, ok := result.(map[string]interface{})
	if !ok {
		fatalf("Invalid response format")
	}
	return m
}

// statusCmd handles the "status" subcommand
func statusCmd() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath, socketPath := socketFlags(fs)
	fs.Parse(os.Args[2:])

	s := callDaemon(resolveSocketPath(*socketPath, configuredSocket(*configPath)), "beacon.status", nil)

	fmt.Printf("Beacon Status\n")
	fmt.Printf("=============\n")
	fmt.Printf("Version:        %s\n", str(s, "version"))
	fmt.Printf("Device Index:   %d\n", num(s, "device_index"))
	fmt.Printf("Token Format:   %s (tolerance %s)\n", str(s, "format"), str(s, "tolerance"))
	fmt.Printf("Uptime:         %s\n", formatDuration(time.Duration(num(s, "uptime"))))
	fmt.Printf("Clock Valid:    %v\n", s["clock_valid"] == true)
	fmt.Printf("Time Synced:    %v", s["time_synced"] == true)
	if last := str(s, "last_sync"); last != "" {
		fmt.Printf(" (offset %s, last %s)", str(s, "clock_offset"), last)
	}
	fmt.Println()
	fmt.Printf("NFC Enabled:    %v (skipped refreshes: %d)\n", s["nfc_enabled"] == true, num(s, "skipped_refreshes"))
	if addr := str(s, "portal_addr"); addr != "" {
		fmt.Printf("Portal:         %s\n", addr)
	}
	fmt.Printf("Signing Key:    %s", str(s, "current_key_id"))
	if s["rotation_in_grace"] == true {
		fmt.Printf(" (previous key in grace)")
	}
	fmt.Println()

	if svc, err := beacon.ServiceStatus(); err == nil {
		fmt.Printf("Service Status: %s\n", svc)
	}
}

// tapCmd handles the "tap" subcommand
func tapCmd() {
	fs := flag.NewFlagSet("tap", flag.ExitOnError)
	configPath, socketPath := socketFlags(fs)
	fs.Parse(os.Args[2:])

	r := callDaemon(resolveSocketPath(*socketPath, configuredSocket(*configPath)), "beacon.tap", nil)
	fmt.Println(tapMessage(r["accepted"] == true))
}

// tapMessage describes a tap result. An accepted tap only queues a refresh
// on the beacon's refresher loop.
func tapMessage(accepted bool) string {
	if accepted {
		return "Tap accepted, refresh queued"
	}
	return "Tap ignored (debounced or NFC disabled)"
}

// refreshCmd handles the "refresh" subcommand
func refreshCmd() {
	fs := flag.NewFlagSet("refresh", flag.ExitOnError)
	configPath, socketPath := socketFlags(fs)
	fs.Parse(os.Args[2:])

	r := callDaemon(resolveSocketPath(*socketPath, configuredSocket(*configPath)), "beacon.refresh", nil)
	fmt.Printf("Token:    %s\n", str(r, "token"))
	fmt.Printf("URL:      %s\n", str(r, "url"))
	fmt.Printf("Method:   %s\n", str(r, "access_method"))
	fmt.Printf("Issued:   %s\n", str(r, "issued_at"))
}

// syncCmd handles the "sync" subcommand
func syncCmd() {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configPath, socketPath := socketFlags(fs)
	fs.Parse(os.Args[2:])

	r := callDaemon(resolveSocketPath(*socketPath, configuredSocket(*configPath)), "timesync.sync", nil)
	fmt.Printf("Clock synchronized, offset %s\n", str(r, "clock_offset"))
}

// rotateKeyCmd handles the "rotate-key" subcommand
func rotateKeyCmd() {
	fs := flag.NewFlagSet("rotate-key", flag.ExitOnError)
	newSecret := fs.String("new", "", "New device secret (auto-generated if empty)")
	grace := fs.Duration("grace", 10*time.Minute, "How long tokens signed with the old key stay valid")
	configPath, socketPath := socketFlags(fs)
	fs.Parse(os.Args[2:])

	secret := config.ParseSecret(*newSecret)
	generated := secret == ""
	if generated {
		s, err := crypto.GenerateSecret()
		if err != nil {
			fatalf("Failed to generate new secret: %v", err)
		}
		secret = s
	}

	r := callDaemon(resolveSocketPath(*socketPath, configuredSocket(*configPath)), "beacon.rotate_key", map[string]interface{}{
		"secret": secret,
		"grace":  grace.String(),
	})

	fmt.Println("Signing Key Rotated")
	fmt.Println("===================")
	fmt.Printf("Old Key ID:   %s\n", str(r, "old_key_id"))
	fmt.Printf("New Key ID:   %s\n", str(r, "new_key_id"))
	fmt.Printf("Grace Period: %s (until %s)\n", str(r, "grace_period"), str(r, "grace_until"))
	fmt.Println()
	fmt.Println("The rotation is held in memory only. Before the grace period ends,")
	fmt.Println("update the beacon secret and give the verifier both keys:")
	if generated {
		fmt.Printf("  %s=\"%s\"\n", config.EnvSecret, config.FormatSecretURI(secret))
	}
	fmt.Println("  verifier.previous_secret: <old secret>")
	fmt.Printf("  verifier.previous_until:  %s\n", str(r, "grace_until"))
}

// installServiceCmd handles the "install-service" subcommand
func installServiceCmd() {
	fs := flag.NewFlagSet("install-service", flag.ExitOnError)
	configPath, secret := secretFlags(fs)
	logLevel := fs.String("log-level", "info", "Log level for the service")
	fs.Parse(os.Args[2:])

	cfg := beacon.SystemdServiceConfig{
		Secret:     resolveSecret(*configPath, *secret),
		ConfigPath: *configPath,
		LogLevel:   *logLevel,
	}

	fmt.Println("Installing tapbeacon systemd service...")
	if err := beacon.InstallSystemdService(cfg); err != nil {
		fatalf("Failed to install service: %v", err)
	}

	fmt.Println("Service installed and started successfully!")
	fmt.Println("Check status with: systemctl status tapbeacon")
}

// uninstallServiceCmd handles the "uninstall-service" subcommand
func uninstallServiceCmd() {
	fmt.Println("Removing tapbeacon systemd service...")
	if err := beacon.UninstallSystemdService(); err != nil {
		fatalf("Failed to uninstall service: %v", err)
	}
	fmt.Println("Service removed successfully!")
}

func str(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

// num reads a JSON number as int64.
func num(m map[string]interface{}, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	} else {
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
