package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	// Payment holds the processor-facing settings. SigningSecret is the shared
	// secret the processor uses to sign webhook deliveries; an empty value is a
	// deployment fault, not a request error.
	Payment struct {
		SigningSecret      string        `mapstructure:"SIGNING_SECRET"`
		SignatureTolerance time.Duration `mapstructure:"SIGNATURE_TOLERANCE"`
	} `mapstructure:"PAYMENT"`
	Commission struct {
		Rate    float64 `mapstructure:"RATE"`
		Version string  `mapstructure:"VERSION"`
	} `mapstructure:"COMMISSION"`
	Anomaly struct {
		DeviationThresholdPct   float64 `mapstructure:"DEVIATION_THRESHOLD_PCT"`
		PriceChangeThresholdPct float64 `mapstructure:"PRICE_CHANGE_THRESHOLD_PCT"`
		StaleListingDays        int     `mapstructure:"STALE_LISTING_DAYS"`
	} `mapstructure:"ANOMALY"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		zap.L().Error("failed to read config file", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	cfg.ApplyDefaults()

	return &cfg
}

// ApplyDefaults fills business defaults for values the config file omits.
func (cfg *Config) ApplyDefaults() {
	if cfg.Commission.Rate == 0 {
		cfg.Commission.Rate = 0.20
	}
	if cfg.Commission.Version == "" {
		cfg.Commission.Version = "2024-01"
	}
	if cfg.Anomaly.DeviationThresholdPct == 0 {
		cfg.Anomaly.DeviationThresholdPct = 20
	}
	if cfg.Anomaly.PriceChangeThresholdPct == 0 {
		cfg.Anomaly.PriceChangeThresholdPct = 20
	}
	if cfg.Anomaly.StaleListingDays == 0 {
		cfg.Anomaly.StaleListingDays = 90
	}
	if cfg.Payment.SignatureTolerance == 0 {
		cfg.Payment.SignatureTolerance = 5 * time.Minute
	}
}
