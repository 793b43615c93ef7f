package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/haukened/rr-tcpd/internal/dns/domain"
)

// AppConfig holds configuration values parsed from defaults and environment variables.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	Log     LogConfig     `koanf:"log"`
	Server  ServerConfig  `koanf:"server"`
	TCP     TCPConfig     `koanf:"tcp"`
	Control ControlConfig `koanf:"control"`
	Metrics MetricsConfig `koanf:"metrics"`
	Cache   CacheConfig   `koanf:"cache"`
}

type LogConfig struct {
	// Level controls log verbosity: "debug", "info", "warn", or "error".
	Level string `koanf:"level" validate:"required,oneof=debug info warn error"`
}

type ServerConfig struct {
	// Listen is the host:port the DNS TCP listener binds to.
	Listen string `koanf:"listen" validate:"required,listen_addr"`

	// ZoneDir holds the YAML/JSON/TOML zone files served by the authority.
	ZoneDir string `koanf:"zone_dir" validate:"required"`

	// ShutdownTimeout bounds how long the supervisor waits for Terminated.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`

	// CloseLinger bounds how long a gracefully closed socket waits for the
	// peer's end-of-stream before it is released.
	CloseLinger time.Duration `koanf:"close_linger" validate:"gt=0"`
}

type TCPConfig struct {
	InitialTimeout    time.Duration `koanf:"initial_timeout" validate:"gt=0"`
	IdleTimeout       time.Duration `koanf:"idle_timeout" validate:"gt=0"`
	KeepaliveTimeout  time.Duration `koanf:"keepalive_timeout" validate:"gt=0"`
	AdvertisedTimeout time.Duration `koanf:"advertised_timeout" validate:"gte=0"`
	TransferIdleOut   time.Duration `koanf:"transfer_idle_out" validate:"gt=0"`
	TransferTimeOut   time.Duration `koanf:"transfer_time_out" validate:"gt=0"`
}

type ControlConfig struct {
	// Listen is the host:port of the control channel. Empty disables it.
	Listen string `koanf:"listen" validate:"omitempty,listen_addr"`

	// Secret is the shared key every control request must present.
	Secret string `koanf:"secret" validate:"required_with=Listen"`

	// ReadOnly restricts the channel to status-class commands.
	ReadOnly bool `koanf:"read_only"`

	// SessionTimeout bounds how long a control session may take to send its command.
	SessionTimeout time.Duration `koanf:"session_timeout" validate:"gt=0"`
}

type MetricsConfig struct {
	// Listen is the host:port for the Prometheus endpoint. Empty disables it.
	Listen string `koanf:"listen" validate:"omitempty,listen_addr"`
}

type CacheConfig struct {
	// Size is the number of answer sets kept in the authority's LRU.
	Size uint `koanf:"size" validate:"required,gte=1"`
}

// Timeouts converts the tcp section into connection timer settings.
func (c *AppConfig) Timeouts() domain.Timeouts {
	return domain.Timeouts{
		Initial:         c.TCP.InitialTimeout,
		Idle:            c.TCP.IdleTimeout,
		Keepalive:       c.TCP.KeepaliveTimeout,
		Advertised:      c.TCP.AdvertisedTimeout,
		TransferIdleOut: c.TCP.TransferIdleOut,
		TransferTimeOut: c.TCP.TransferTimeOut,
	}
}

// DEFAULT_APP_CONFIG defines the default application configuration.
var DEFAULT_APP_CONFIG = AppConfig{
	Env: "prod",
	Log: LogConfig{Level: "info"},
	Server: ServerConfig{
		Listen:          ":53",
		ZoneDir:         "/etc/rr-tcpd/zones/",
		ShutdownTimeout: 10 * time.Second,
		CloseLinger:     2 * time.Second,
	},
	TCP: TCPConfig{
		InitialTimeout:    2500 * time.Millisecond,
		IdleTimeout:       5 * time.Second,
		KeepaliveTimeout:  7 * time.Second,
		AdvertisedTimeout: 7 * time.Second,
		TransferIdleOut:   60 * time.Second,
		TransferTimeOut:   300 * time.Second,
	},
	Control: ControlConfig{
		Listen:         "",
		SessionTimeout: 30 * time.Second,
	},
	Cache: CacheConfig{Size: 1000},
}

// envKeys maps supported environment variables to configuration keys.
var envKeys = map[string]string{
	"DNS_ENV":                     "env",
	"DNS_LOG_LEVEL":               "log.level",
	"DNS_LISTEN":                  "server.listen",
	"DNS_ZONE_DIR":                "server.zone_dir",
	"DNS_SHUTDOWN_TIMEOUT":        "server.shutdown_timeout",
	"DNS_CLOSE_LINGER":            "server.close_linger",
	"DNS_TCP_INITIAL_TIMEOUT":     "tcp.initial_timeout",
	"DNS_TCP_IDLE_TIMEOUT":        "tcp.idle_timeout",
	"DNS_TCP_KEEPALIVE_TIMEOUT":   "tcp.keepalive_timeout",
	"DNS_TCP_ADVERTISED_TIMEOUT":  "tcp.advertised_timeout",
	"DNS_TCP_TRANSFER_IDLE_OUT":   "tcp.transfer_idle_out",
	"DNS_TCP_TRANSFER_TIME_OUT":   "tcp.transfer_time_out",
	"DNS_CONTROL_LISTEN":          "control.listen",
	"DNS_CONTROL_SECRET":          "control.secret",
	"DNS_CONTROL_READ_ONLY":       "control.read_only",
	"DNS_CONTROL_SESSION_TIMEOUT": "control.session_timeout",
	"DNS_METRICS_LISTEN":          "metrics.listen",
	"DNS_CACHE_SIZE":              "cache.size",
}

// validListenAddr accepts "host:port" where host is empty or an IP address
// and port is 0-65535.
func validListenAddr(fl validator.FieldLevel) bool {
	addr := fl.Field().String()
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return false
	}
	if host != "" && net.ParseIP(host) == nil {
		return false
	}
	_, err = strconv.ParseUint(port, 10, 16)
	return err == nil
}

// envLoader loads the variables listed in envKeys; unknown DNS_ variables are ignored.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "DNS_",
		TransformFunc: func(key, value string) (string, any) {
			mapped, ok := envKeys[key]
			if !ok {
				return "", nil
			}
			return mapped, strings.TrimSpace(value)
		},
	}), nil)
}

var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("listen_addr", validListenAddr)
}

// Load parses environment variables and returns an AppConfig instance.
// It applies default values and runs validation automatically.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
