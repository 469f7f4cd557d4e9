// Package config loads the YAML configuration shared by the beacon daemon
// and the verifier and turns it into validated runtime settings.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/tapbeacon/pkg/crypto"
	"github.com/atvirokodosprendimai/tapbeacon/pkg/token"
	"gopkg.in/yaml.v3"
)

const (
	URIPrefix  = "tapbeacon://"
	URIVersion = "v1"

	EnvSecret = "TAPBEACON_SECRET"
	EnvConfig = "TAPBEACON_CONFIG"

	DefaultConfigPath   = "/etc/tapbeacon/tapbeacon.yaml"
	DefaultBaseURL      = "https://localhost/scan"
	DefaultStaticText   = "RIG Attendance System"
	DefaultPortalListen = ":8080"
	DefaultVerifyListen = ":8090"
	DefaultMailboxPath  = "/var/lib/tapbeacon/mailbox.ndef"
	DefaultEEPROMPath   = "/var/lib/tapbeacon/eeprom.ndef"
	DefaultRetention    = 30 * 24 * time.Hour
)

// File is the on-disk YAML configuration. Zero values take defaults.
type File struct {
	Secret    string        `yaml:"secret,omitempty"`
	DeriveKey *bool         `yaml:"derive_key,omitempty"`
	Format    string        `yaml:"format,omitempty"`
	Tolerance time.Duration `yaml:"tolerance,omitempty"`

	Device   DeviceFile   `yaml:"device,omitempty"`
	NFC      NFCFile      `yaml:"nfc,omitempty"`
	Portal   PortalFile   `yaml:"portal,omitempty"`
	TimeSync TimeSyncFile `yaml:"timesync,omitempty"`
	Verifier VerifierFile `yaml:"verifier,omitempty"`
}

type DeviceFile struct {
	Index   int    `yaml:"index,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	Socket  string `yaml:"socket,omitempty"`
}

type NFCFile struct {
	Disabled    bool          `yaml:"disabled,omitempty"`
	Method      string        `yaml:"method,omitempty"`
	Interval    time.Duration `yaml:"interval,omitempty"`
	Debounce    time.Duration `yaml:"debounce,omitempty"`
	MailboxPath string        `yaml:"mailbox_path,omitempty"`
	EEPROMPath  string        `yaml:"eeprom_path,omitempty"`
	StaticText  string        `yaml:"static_text,omitempty"`
}

type PortalFile struct {
	Disabled bool   `yaml:"disabled,omitempty"`
	Listen   string `yaml:"listen,omitempty"`
	Title    string `yaml:"title,omitempty"`
	Method   string `yaml:"method,omitempty"`
}

type TimeSyncFile struct {
	Disabled    bool          `yaml:"disabled,omitempty"`
	Servers     []string      `yaml:"servers,omitempty"`
	Interval    time.Duration `yaml:"interval,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	RequireSync bool          `yaml:"require_sync,omitempty"`
}

type VerifierFile struct {
	Listen    string        `yaml:"listen,omitempty"`
	RedisAddr string        `yaml:"redis_addr,omitempty"`
	Retention time.Duration `yaml:"retention,omitempty"`
	RateLimit int           `yaml:"rate_limit,omitempty"`
	Burst     int           `yaml:"burst,omitempty"`

	// PreviousSecret keeps validating until PreviousUntil after the
	// beacons were rotated to Secret.
	PreviousSecret string    `yaml:"previous_secret,omitempty"`
	PreviousUntil  time.Time `yaml:"previous_until,omitempty"`
}

// Config holds all derived configuration.
type Config struct {
	Secret     string
	SigningKey []byte
	DeriveKey  bool
	Format     token.Format
	Tolerance  time.Duration

	DeviceIndex int
	BaseURL     string
	SocketPath  string

	NFC      NFCConfig
	Portal   PortalConfig
	TimeSync TimeSyncFile
	Verifier VerifierConfig
}

type NFCConfig struct {
	Enabled     bool
	Method      token.AccessMethod
	Interval    time.Duration
	Debounce    time.Duration
	MailboxPath string
	EEPROMPath  string
	StaticText  string
}

type PortalConfig struct {
	Enabled bool
	Listen  string
	Title   string
	Method  token.AccessMethod
}

type VerifierConfig struct {
	Listen    string
	RedisAddr string
	Retention time.Duration
	RateLimit int
	Burst     int

	PreviousKey   []byte
	PreviousUntil time.Time
}

var ErrNoSecret = errors.New("no secret configured")

// Load reads a YAML config file. A missing file yields an empty File.
func Load(path string) (*File, error) {
	f := &File{}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return f, nil
}

// Save writes f to path, creating the directory if needed. The file holds
// the secret and is written 0600.
func Save(path string, f *File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Path returns the config path from TAPBEACON_CONFIG or the default.
func Path(getenv func(string) string) string {
	if p := getenv(EnvConfig); p != "" {
		return p
	}
	return DefaultConfigPath
}

// ApplyEnv overrides file values with environment variables.
func (f *File) ApplyEnv(getenv func(string) string) {
	if s := getenv(EnvSecret); s != "" {
		f.Secret = s
	}
}

// NewConfig validates f and fills in defaults.
func NewConfig(f File) (*Config, error) {
	secret := ParseSecret(f.Secret)
	if secret == "" {
		return nil, ErrNoSecret
	}

	derive := f.DeriveKey == nil || *f.DeriveKey
	key, err := signingKey(secret, derive)
	if err != nil {
		return nil, err
	}

	format, err := token.ParseFormat(f.Format)
	if err != nil {
		return nil, err
	}

	tolerance := f.Tolerance
	if tolerance == 0 {
		tolerance = token.DefaultTolerance
	}
	if tolerance < 0 {
		return nil, fmt.Errorf("tolerance must not be negative: %v", tolerance)
	}

	if f.Device.Index < 0 {
		return nil, fmt.Errorf("device index must be >= 0, got %d", f.Device.Index)
	}

	nfcMethod, err := parseMethod(f.NFC.Method, token.MethodNFC)
	if err != nil {
		return nil, fmt.Errorf("nfc: %w", err)
	}
	portalMethod, err := parseMethod(f.Portal.Method, token.MethodWeb)
	if err != nil {
		return nil, fmt.Errorf("portal: %w", err)
	}

	baseURL := orDefault(f.Device.BaseURL, DefaultBaseURL)
	if err := checkBaseURL(baseURL); err != nil {
		return nil, err
	}

	cfg := &Config{
		Secret:      secret,
		SigningKey:  key,
		DeriveKey:   derive,
		Format:      format,
		Tolerance:   tolerance,
		DeviceIndex: f.Device.Index,
		BaseURL:     baseURL,
		SocketPath:  f.Device.Socket,
		NFC: NFCConfig{
			Enabled:     !f.NFC.Disabled,
			Method:      nfcMethod,
			Interval:    f.NFC.Interval,
			Debounce:    f.NFC.Debounce,
			MailboxPath: orDefault(f.NFC.MailboxPath, DefaultMailboxPath),
			EEPROMPath:  orDefault(f.NFC.EEPROMPath, DefaultEEPROMPath),
			StaticText:  orDefault(f.NFC.StaticText, DefaultStaticText),
		},
		Portal: PortalConfig{
			Enabled: !f.Portal.Disabled,
			Listen:  orDefault(f.Portal.Listen, DefaultPortalListen),
			Title:   f.Portal.Title,
			Method:  portalMethod,
		},
		TimeSync: f.TimeSync,
		Verifier: VerifierConfig{
			Listen:    orDefault(f.Verifier.Listen, DefaultVerifyListen),
			RedisAddr: f.Verifier.RedisAddr,
			Retention: f.Verifier.Retention,
			RateLimit: f.Verifier.RateLimit,
			Burst:     f.Verifier.Burst,
		},
	}
	if cfg.Verifier.Retention <= 0 {
		cfg.Verifier.Retention = DefaultRetention
	}
	if prev := ParseSecret(f.Verifier.PreviousSecret); prev != "" {
		if f.Verifier.PreviousUntil.IsZero() {
			return nil, fmt.Errorf("verifier: previous_secret needs previous_until")
		}
		cfg.Verifier.PreviousKey, err = signingKey(prev, derive)
		if err != nil {
			return nil, fmt.Errorf("verifier: previous secret: %w", err)
		}
		cfg.Verifier.PreviousUntil = f.Verifier.PreviousUntil
	}
	return cfg, nil
}

// KeyFor turns a replacement secret into a signing key using the same
// derivation rule as the configured one.
func (c *Config) KeyFor(secret string) ([]byte, error) {
	secret = ParseSecret(secret)
	if secret == "" {
		return nil, ErrNoSecret
	}
	return signingKey(secret, c.DeriveKey)
}

func signingKey(secret string, derive bool) ([]byte, error) {
	if !derive {
		// Raw secret, for devices already deployed with a plain HMAC key
		return []byte(secret), nil
	}
	key, err := crypto.DeriveSigningKey(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}
	return key, nil
}

// NewGenerator builds the token generator for cfg.
func (c *Config) NewGenerator(opts ...token.Option) (*token.Generator, error) {
	base := []token.Option{token.WithFormat(c.Format), token.WithTolerance(c.Tolerance)}
	return token.New(c.SigningKey, append(base, opts...)...)
}

// NewVerifierGenerator builds the generator the verifier validates with.
// Until Verifier.PreviousUntil, tokens signed with the previous secret are
// accepted as well.
func (c *Config) NewVerifierGenerator(opts ...token.Option) (*token.Generator, error) {
	if len(c.Verifier.PreviousKey) > 0 {
		opts = append([]token.Option{token.WithPreviousKey(c.Verifier.PreviousKey, c.Verifier.PreviousUntil)}, opts...)
	}
	return c.NewGenerator(opts...)
}

// FormatSecretURI formats a secret as a tapbeacon:// URI
func FormatSecretURI(secret string) string {
	return fmt.Sprintf("%s%s/%s", URIPrefix, URIVersion, secret)
}

// ParseSecret extracts the raw secret from a plain string or a
// tapbeacon://v1/<secret> URI.
func ParseSecret(input string) string {
	input = strings.TrimSpace(input)

	if strings.HasPrefix(input, URIPrefix) {
		input = strings.TrimPrefix(input, URIPrefix)
		parts := strings.SplitN(input, "/", 2)
		if len(parts) == 2 {
			secret := parts[1]
			if idx := strings.Index(secret, "?"); idx != -1 {
				secret = secret[:idx]
			}
			return secret
		}
		return parts[0]
	}

	return input
}

// checkBaseURL rejects scan URLs the token cannot be appended to. The
// verifier reads the whole query string as the token, so the base must not
// carry a query or fragment of its own.
func checkBaseURL(base string) error {
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("device: invalid base_url %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("device: base_url %q must be an http or https URL", base)
	}
	if u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return fmt.Errorf("device: base_url %q must not contain a query or fragment", base)
	}
	return nil
}

func parseMethod(s string, def token.AccessMethod) (token.AccessMethod, error) {
	if s == "" {
		return def, nil
	}
	return token.ParseAccessMethod(s)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
