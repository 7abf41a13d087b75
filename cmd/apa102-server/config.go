package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/kstaniek/go-apa102-server/internal/link"
)

type appConfig struct {
	configFile string

	listenAddr   string
	stripLength  int
	clientReadTO time.Duration
	readChunk    int

	backend      string
	spiPort      string
	spiClockHz   int
	serialDev    string
	baud         int
	serialReadTO time.Duration
	txQueue      int

	radio          string
	iface          string
	ssid           string
	credential     string
	auth           string
	joinAttempts   int
	joinBackoff    time.Duration
	joinTimeout    time.Duration
	healthInterval time.Duration
	probeTarget    string

	statusLED          string
	statusLEDActiveLow bool

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

// deviceSettings is the persisted per-device settings file.
type deviceSettings struct {
	SSID        string `toml:"ssid"`
	Credential  string `toml:"credential"`
	Auth        string `toml:"auth"`
	StripLength int    `toml:"strip_length"`
	Interface   string `toml:"interface"`
}

const envPrefix = "APA102_SERVER_"

func defaultConfig() *appConfig {
	rp := link.DefaultRetryPolicy()
	return &appConfig{
		listenAddr:     ":4242",
		stripLength:    60,
		clientReadTO:   60 * time.Second,
		readChunk:      1460,
		backend:        "spi",
		spiClockHz:     1_000_000,
		serialDev:      "/dev/ttyUSB0",
		baud:           115200,
		serialReadTO:   50 * time.Millisecond,
		txQueue:        2,
		radio:          "nmcli",
		iface:          "wlan0",
		auth:           string(link.AuthWPA2PSK),
		joinAttempts:   rp.MaxAttempts,
		joinBackoff:    rp.Backoff,
		joinTimeout:    rp.Timeout,
		healthInterval: 5 * time.Second,
		logFormat:      "text",
		logLevel:       "info",
	}
}

func registerFlags(fs *flag.FlagSet, c *appConfig) *bool {
	fs.StringVar(&c.configFile, "config", "", "Device settings file (TOML: ssid, credential, auth, strip_length, interface)")
	fs.StringVar(&c.listenAddr, "listen", c.listenAddr, "TCP listen address for frame data")
	fs.IntVar(&c.stripLength, "strip-length", c.stripLength, "Number of LEDs on the strip")
	fs.DurationVar(&c.clientReadTO, "client-read-timeout", c.clientReadTO, "Per-read deadline on the ingest connection")
	fs.IntVar(&c.readChunk, "read-chunk", c.readChunk, "Bytes per socket read (bytes past a frame boundary in one read are dropped)")
	fs.StringVar(&c.backend, "backend", c.backend, "Strip transport: spi|serial|null")
	fs.StringVar(&c.spiPort, "spi-port", c.spiPort, "SPI port name (empty selects the first)")
	fs.IntVar(&c.spiClockHz, "spi-clock", c.spiClockHz, "SPI clock in Hz")
	fs.StringVar(&c.serialDev, "serial", c.serialDev, "UART bridge device (when --backend=serial)")
	fs.IntVar(&c.baud, "baud", c.baud, "UART bridge baud rate")
	fs.DurationVar(&c.serialReadTO, "serial-read-timeout", c.serialReadTO, "UART read timeout")
	fs.IntVar(&c.txQueue, "tx-queue", c.txQueue, "Strip transmit queue depth")
	fs.StringVar(&c.radio, "radio", c.radio, "Radio backend: nmcli|sim")
	fs.StringVar(&c.iface, "iface", c.iface, "Wireless interface")
	fs.StringVar(&c.ssid, "ssid", c.ssid, "Network to join")
	fs.StringVar(&c.credential, "credential", c.credential, "Network passphrase (prefer the settings file or env)")
	fs.StringVar(&c.auth, "auth", c.auth, "Auth mode: open|wpa2-psk|wpa3-sae")
	fs.IntVar(&c.joinAttempts, "join-attempts", c.joinAttempts, "Association attempts per join cycle")
	fs.DurationVar(&c.joinBackoff, "join-backoff", c.joinBackoff, "Pause between failed attempts")
	fs.DurationVar(&c.joinTimeout, "join-timeout", c.joinTimeout, "Per-attempt timeout")
	fs.DurationVar(&c.healthInterval, "health-interval", c.healthInterval, "Link health check period")
	fs.StringVar(&c.probeTarget, "probe", c.probeTarget, "Optional host pinged as part of the link health check")
	fs.StringVar(&c.statusLED, "status-led", c.statusLED, "GPIO name of a link status LED (empty disables)")
	fs.BoolVar(&c.statusLEDActiveLow, "status-led-active-low", c.statusLEDActiveLow, "Status LED lights when the pin is low")
	fs.StringVar(&c.logFormat, "log-format", c.logFormat, "Log format: text|json|journal")
	fs.StringVar(&c.logLevel, "log-level", c.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&c.metricsAddr, "metrics-addr", c.metricsAddr, "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&c.logMetricsEvery, "log-metrics-interval", c.logMetricsEvery, "If >0, periodically log metrics counters")
	fs.BoolVar(&c.mdnsEnable, "mdns-enable", c.mdnsEnable, "Advertise the ingest port via mDNS")
	fs.StringVar(&c.mdnsName, "mdns-name", c.mdnsName, "mDNS instance name (default apa102-<hostname>)")
	return fs.Bool("version", false, "Print version and exit")
}

func parseFlags() (*appConfig, bool) {
	cfg, showVersion, err := loadConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, showVersion
	}
	return cfg, showVersion
}

// loadConfig resolves settings with precedence flag > env > settings file > default.
func loadConfig(fs *flag.FlagSet, args []string) (*appConfig, bool, error) {
	cfg := defaultConfig()
	showVersion := registerFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	// Track which flags were explicitly set to give them precedence.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if cfg.configFile == "" {
		cfg.configFile = strings.TrimSpace(os.Getenv(envPrefix + "CONFIG"))
	}
	if cfg.configFile != "" {
		if err := applySettingsFile(cfg, cfg.configFile, setFlags); err != nil {
			return nil, *showVersion, err
		}
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, *showVersion, fmt.Errorf("environment override: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, *showVersion, err
	}
	return cfg, *showVersion, nil
}

func applySettingsFile(c *appConfig, path string, set map[string]struct{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	var ds deviceSettings
	if err := toml.Unmarshal(data, &ds); err != nil {
		return fmt.Errorf("parse settings %s: %w", path, err)
	}
	apply := func(flagName, v string, dst *string) {
		if _, ok := set[flagName]; !ok && v != "" {
			*dst = v
		}
	}
	apply("ssid", ds.SSID, &c.ssid)
	apply("credential", ds.Credential, &c.credential)
	apply("auth", ds.Auth, &c.auth)
	apply("iface", ds.Interface, &c.iface)
	if _, ok := set["strip-length"]; !ok && ds.StripLength != 0 {
		c.stripLength = ds.StripLength
	}
	return nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners, only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json", "journal":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "spi", "serial", "null":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.radio {
	case "nmcli", "sim":
	default:
		return fmt.Errorf("invalid radio: %s", c.radio)
	}
	if _, err := link.ParseAuthMode(c.auth); err != nil {
		return err
	}
	if c.radio == "nmcli" && c.ssid == "" {
		return errors.New("ssid is required with the nmcli radio")
	}
	if c.stripLength < 1 || c.stripLength > 16000 {
		return fmt.Errorf("strip-length must be 1..16000 (got %d)", c.stripLength)
	}
	if c.backend == "serial" && (c.stripLength+2)*4 > 0xFFFE {
		return fmt.Errorf("strip-length %d too long for the serial bridge", c.stripLength)
	}
	if c.readChunk <= 0 {
		return fmt.Errorf("read-chunk must be > 0 (got %d)", c.readChunk)
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.spiClockHz <= 0 {
		return fmt.Errorf("spi-clock must be > 0 (got %d)", c.spiClockHz)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.txQueue <= 0 {
		return fmt.Errorf("tx-queue must be > 0 (got %d)", c.txQueue)
	}
	if c.joinAttempts <= 0 {
		return fmt.Errorf("join-attempts must be > 0 (got %d)", c.joinAttempts)
	}
	if c.joinBackoff < 0 {
		return fmt.Errorf("join-backoff must be >= 0")
	}
	if c.joinTimeout <= 0 {
		return fmt.Errorf("join-timeout must be > 0")
	}
	if c.healthInterval <= 0 {
		return fmt.Errorf("health-interval must be > 0")
	}
	return nil
}

// retryPolicy converts the join settings.
func (c *appConfig) retryPolicy() link.RetryPolicy {
	return link.RetryPolicy{MaxAttempts: c.joinAttempts, Backoff: c.joinBackoff, Timeout: c.joinTimeout}
}

// applyEnvOverrides maps APA102_SERVER_* environment variables to config fields
// unless the corresponding flag was explicitly set. Empty values are ignored.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	e := envApplier{set: set}
	e.str("listen", "LISTEN", &c.listenAddr)
	e.num("strip-length", "STRIP_LENGTH", &c.stripLength)
	e.dur("client-read-timeout", "CLIENT_READ_TIMEOUT", &c.clientReadTO)
	e.num("read-chunk", "READ_CHUNK", &c.readChunk)
	e.str("backend", "BACKEND", &c.backend)
	e.str("spi-port", "SPI_PORT", &c.spiPort)
	e.num("spi-clock", "SPI_CLOCK", &c.spiClockHz)
	e.str("serial", "SERIAL", &c.serialDev)
	e.num("baud", "BAUD", &c.baud)
	e.dur("serial-read-timeout", "SERIAL_READ_TIMEOUT", &c.serialReadTO)
	e.num("tx-queue", "TX_QUEUE", &c.txQueue)
	e.str("radio", "RADIO", &c.radio)
	e.str("iface", "IFACE", &c.iface)
	e.str("ssid", "SSID", &c.ssid)
	e.str("credential", "CREDENTIAL", &c.credential)
	e.str("auth", "AUTH", &c.auth)
	e.num("join-attempts", "JOIN_ATTEMPTS", &c.joinAttempts)
	e.dur("join-backoff", "JOIN_BACKOFF", &c.joinBackoff)
	e.dur("join-timeout", "JOIN_TIMEOUT", &c.joinTimeout)
	e.dur("health-interval", "HEALTH_INTERVAL", &c.healthInterval)
	e.str("probe", "PROBE", &c.probeTarget)
	e.str("status-led", "STATUS_LED", &c.statusLED)
	e.flag("status-led-active-low", "STATUS_LED_ACTIVE_LOW", &c.statusLEDActiveLow)
	e.str("log-format", "LOG_FORMAT", &c.logFormat)
	e.str("log-level", "LOG_LEVEL", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		// an empty value explicitly disables metrics
		if v, ok := os.LookupEnv(envPrefix + "METRICS"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	e.dur("log-metrics-interval", "LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	e.flag("mdns-enable", "MDNS_ENABLE", &c.mdnsEnable)
	e.str("mdns-name", "MDNS_NAME", &c.mdnsName)
	return e.err
}

// envApplier keeps the first parse error and skips explicitly set flags.
type envApplier struct {
	set map[string]struct{}
	err error
}

func (e *envApplier) lookup(flagName, key string) (string, string, bool) {
	if _, ok := e.set[flagName]; ok {
		return "", "", false
	}
	name := envPrefix + key
	v, ok := os.LookupEnv(name)
	v = strings.TrimSpace(v)
	return name, v, ok && v != ""
}

func (e *envApplier) fail(name string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s: %w", name, err)
	}
}

func (e *envApplier) str(flagName, key string, dst *string) {
	if _, v, ok := e.lookup(flagName, key); ok {
		*dst = v
	}
}

func (e *envApplier) num(flagName, key string, dst *int) {
	name, v, ok := e.lookup(flagName, key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = n
}

func (e *envApplier) dur(flagName, key string, dst *time.Duration) {
	name, v, ok := e.lookup(flagName, key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = d
}

func (e *envApplier) flag(flagName, key string, dst *bool) {
	name, v, ok := e.lookup(flagName, key)
	if !ok {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		e.fail(name, fmt.Errorf("not a boolean: %q", v))
	}
}
