package config

import (
	"time"

	log "github.com/Sirupsen/logrus"

	"github.com/vrischmann/envconfig"
)

type LogConfig struct {

	// logging level, panic, fatal, error, warn, info, debug
	Level string `envconfig:"default=info"`

	// use mozlog format
	Mozlog bool `envconfig:"default=false"`
}

// FxAConfig points at the Firefox Accounts API used for the onepw
// credential pipeline (certificate signing, account/keys).
type FxAConfig struct {
	Host string `envconfig:"default=https://api.accounts.firefox.com/v1"`
}

// TokenServerConfig points at the Sync Token Server that exchanges a
// BrowserID assertion for scoped storage credentials.
type TokenServerConfig struct {
	URL string `envconfig:"default=https://token.services.mozilla.com/1.0/sync/1.5"`
}

var Config struct {
	Log *LogConfig

	FxA         *FxAConfig
	TokenServer *TokenServerConfig

	// HTTPTimeout bounds every outbound request the engine makes,
	// against FxA, the Token Server, and the storage server alike.
	HTTPTimeout time.Duration `envconfig:"default=30s"`

	// MinSyncIntervalMinutes is the interval cmd/epiphany-sync starts
	// the periodic sync timer with; the settings-store sync.frequency
	// is not read.
	MinSyncIntervalMinutes int `envconfig:"default=5"`

	// max skew for hawk timestamps in seconds
	HawkTimestampMaxSkew int `envconfig:"default=60"`

	UserAgent string `envconfig:"default=Epiphany-Sync/1.0"`
}

// so we can use config.UserAgent and not config.Config.UserAgent
var (
	Log *LogConfig

	FxA         *FxAConfig
	TokenServer *TokenServerConfig

	HTTPTimeout            time.Duration
	MinSyncIntervalMinutes int
	HawkTimestampMaxSkew   int
	UserAgent              string
)

func init() {
	if err := envconfig.Init(&Config); err != nil {
		log.Fatalf("Config Error: %s\n", err)
	}

	switch Config.Log.Level {
	case "panic", "fatal", "error", "warn", "info", "debug":
	default:
		log.Fatalf("Config Error: LOG_LEVEL must be [panic, fatal, error, warn, info, debug]")
	}

	if Config.FxA.Host == "" {
		log.Fatal("Config Error: FXA_HOST must not be empty")
	}
	if Config.TokenServer.URL == "" {
		log.Fatal("Config Error: TOKENSERVER_URL must not be empty")
	}
	if Config.HTTPTimeout <= 0 {
		log.Fatal("Config Error: HTTP_TIMEOUT must be > 0")
	}
	if Config.MinSyncIntervalMinutes < 1 {
		log.Fatal("Config Error: MIN_SYNC_INTERVAL_MINUTES must be >= 1")
	}
	if Config.HawkTimestampMaxSkew < 60 {
		log.Fatal("HAWK_TIMESTAMP_MAX_SKEW must be >= 60")
	}

	Log = Config.Log
	FxA = Config.FxA
	TokenServer = Config.TokenServer
	HTTPTimeout = Config.HTTPTimeout
	MinSyncIntervalMinutes = Config.MinSyncIntervalMinutes
	HawkTimestampMaxSkew = Config.HawkTimestampMaxSkew
	UserAgent = Config.UserAgent
}
