package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del engine.
type Config struct {
	Trading TradingConfig `yaml:"trading"`
	Markets MarketsConfig `yaml:"markets"`
	API     APIConfig     `yaml:"api"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Alerts  AlertsConfig  `yaml:"alerts"`
	Admin   AdminConfig   `yaml:"admin"`

	// PrivateKey sólo llega por entorno (POLY_PRIVATE_KEY), nunca por YAML.
	PrivateKey string `yaml:"-"`
}

// TradingConfig agrupa los límites y tiempos del executor, tracker y risk monitor.
type TradingConfig struct {
	PositionSizePerMarket  float64       `yaml:"position_size_per_market"` // shares por pata
	MaxConcurrentPositions int           `yaml:"max_concurrent_positions"`
	DeltaLimitPct          float64       `yaml:"delta_limit_pct"`
	DailyLossLimit         float64       `yaml:"daily_loss_limit"` // USDC
	OrphanGraceTimeout     time.Duration `yaml:"orphan_grace_timeout"`
	StalenessThreshold     time.Duration `yaml:"staleness_threshold"`
	ReconciliationInterval time.Duration `yaml:"reconciliation_interval"`
	SubmissionSkewBound    time.Duration `yaml:"submission_skew_bound"`

	ReconciliationTolerance float64       `yaml:"reconciliation_tolerance"`
	RebalanceThreshold      float64       `yaml:"rebalance_threshold"`
	CancelMaxRetries        int           `yaml:"cancel_max_retries"`
	CancelBaseBackoff       time.Duration `yaml:"cancel_base_backoff"`
	StatusPollInterval      time.Duration `yaml:"status_poll_interval"`
	MonitorInterval         time.Duration `yaml:"monitor_interval"`
	UnwindLead              time.Duration `yaml:"unwind_lead"`
	SettleTimeout           time.Duration `yaml:"settle_timeout"`
	MinEdge                 float64       `yaml:"min_edge"`
	MaxSubmissionAttempts   int           `yaml:"max_submission_attempts"`
	FlattenOnKill           *bool         `yaml:"flatten_on_kill"`
	AutoRebalance           bool          `yaml:"auto_rebalance"`
	MismatchEscalation      int           `yaml:"mismatch_escalation_count"`
}

// MarketsConfig lista las ventanas a operar. Calcular los slugs es externo.
type MarketsConfig struct {
	Slugs             []string      `yaml:"slugs"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
}

// APIConfig contiene los endpoints del venue.
type APIConfig struct {
	CLOBBase  string `yaml:"clob_base"`
	GammaBase string `yaml:"gamma_base"`
	DataBase  string `yaml:"data_base"`
	UserWS    string `yaml:"user_ws"`
	Funder    string `yaml:"funder"` // dirección con las posiciones; vacío = la de la key
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level      string `yaml:"level"`  // debug | info | warn | error
	Format     string `yaml:"format"` // text | json
	File       string `yaml:"file"`   // vacío = sólo stdout
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AlertsConfig controla el envío de alertas.
type AlertsConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Throttle   time.Duration `yaml:"throttle"`
}

// AdminConfig controla la API de administración (status, kill switch, métricas).
type AdminConfig struct {
	Listen string `yaml:"listen"` // vacío = deshabilitada
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return cfg, nil
}

// Parse interpreta un YAML ya leído, aplica entorno y defaults, y valida.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FlattenOnKillEnabled devuelve el valor efectivo (default true).
func (t TradingConfig) FlattenOnKillEnabled() bool {
	return t.FlattenOnKill == nil || *t.FlattenOnKill
}

// Validate rechaza combinaciones imposibles.
func (c *Config) Validate() error {
	t := c.Trading
	switch {
	case t.DeltaLimitPct <= 0 || t.DeltaLimitPct > 100:
		return fmt.Errorf("config: delta_limit_pct must be in (0,100], got %.2f", t.DeltaLimitPct)
	case t.MinEdge < 0 || t.MinEdge >= 1:
		return fmt.Errorf("config: min_edge must be in [0,1), got %.4f", t.MinEdge)
	case t.UnwindLead < t.MonitorInterval:
		return fmt.Errorf("config: unwind_lead (%s) must be >= monitor_interval (%s)", t.UnwindLead, t.MonitorInterval)
	case t.ReconciliationTolerance < 0:
		return fmt.Errorf("config: reconciliation_tolerance must be >= 0")
	}
	return nil
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("POLY_PRIVATE_KEY"); v != "" {
		cfg.PrivateKey = v
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		cfg.Alerts.WebhookURL = v
	}
	if v := os.Getenv("DELTAMAKER_DB"); v != "" {
		cfg.Storage.DSN = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	t := &cfg.Trading
	if t.PositionSizePerMarket <= 0 {
		t.PositionSizePerMarket = 100
	}
	if t.MaxConcurrentPositions <= 0 {
		t.MaxConcurrentPositions = 5
	}
	if t.DeltaLimitPct == 0 {
		t.DeltaLimitPct = 50
	}
	if t.DailyLossLimit <= 0 {
		t.DailyLossLimit = 30
	}
	if t.OrphanGraceTimeout <= 0 {
		t.OrphanGraceTimeout = 30 * time.Second
	}
	if t.StalenessThreshold <= 0 {
		t.StalenessThreshold = 15 * time.Second
	}
	if t.ReconciliationInterval <= 0 {
		t.ReconciliationInterval = 60 * time.Second
	}
	if t.SubmissionSkewBound <= 0 {
		t.SubmissionSkewBound = 250 * time.Millisecond
	}
	if t.ReconciliationTolerance == 0 {
		t.ReconciliationTolerance = 0.01
	}
	if t.RebalanceThreshold <= 0 {
		t.RebalanceThreshold = 10
	}
	if t.CancelMaxRetries <= 0 {
		t.CancelMaxRetries = 4
	}
	if t.CancelBaseBackoff <= 0 {
		t.CancelBaseBackoff = 250 * time.Millisecond
	}
	if t.StatusPollInterval <= 0 {
		t.StatusPollInterval = 5 * time.Second
	}
	if t.MonitorInterval <= 0 {
		t.MonitorInterval = 2 * time.Second
	}
	if t.UnwindLead <= 0 {
		t.UnwindLead = 60 * time.Second
	}
	if t.SettleTimeout <= 0 {
		t.SettleTimeout = 30 * time.Second
	}
	if t.MinEdge == 0 {
		t.MinEdge = 0.01
	}
	if t.MaxSubmissionAttempts <= 0 {
		t.MaxSubmissionAttempts = 3
	}
	if t.MismatchEscalation <= 0 {
		t.MismatchEscalation = 3
	}
	if cfg.Markets.DiscoveryInterval <= 0 {
		cfg.Markets.DiscoveryInterval = 30 * time.Second
	}
	if cfg.API.CLOBBase == "" {
		cfg.API.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.API.GammaBase == "" {
		cfg.API.GammaBase = "https://gamma-api.polymarket.com"
	}
	if cfg.API.DataBase == "" {
		cfg.API.DataBase = "https://data-api.polymarket.com"
	}
	if cfg.API.UserWS == "" {
		cfg.API.UserWS = "wss://ws-subscriptions-clob.polymarket.com/ws/user"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "deltamaker.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 50
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 14
	}
	if cfg.Alerts.Throttle <= 0 {
		cfg.Alerts.Throttle = time.Minute
	}
}
