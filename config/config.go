package config

import (
	"math/big"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/crowdfund/util"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	viper2 "github.com/spf13/viper"
)

const envPrefix = "CROWDFUND"

type Config struct {
	Log     Log     `mapstructure:"log"`
	HTTP    HTTP    `mapstructure:"http"`
	Admin   Admin   `mapstructure:"admin"`
	LevelDB LevelDB `mapstructure:"leveldb"`
	Redis   Redis   `mapstructure:"redis"`
	Auth    Auth    `mapstructure:"auth"`
	Ledger  Ledger  `mapstructure:"ledger"`
	Events  Events  `mapstructure:"events"`
}

type Log struct {
	Level string `mapstructure:"level"` // debug, info, warning, error
}

type HTTP struct {
	Addr        string `mapstructure:"addr"`
	SSLRedirect bool   `mapstructure:"ssl_redirect"`
	SSLHost     string `mapstructure:"ssl_host"`
}

type Admin struct {
	Addr string `mapstructure:"addr"`
}

type LevelDB struct {
	Path string `mapstructure:"path"`
}

type Redis struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	List     string `mapstructure:"list"`
	Channel  string `mapstructure:"channel"`
	MaxLen   int64  `mapstructure:"max_len"`
}

type Auth struct {
	MaxSkew time.Duration `mapstructure:"max_skew"`
}

type Ledger struct {
	Escrow         string `mapstructure:"escrow"`          // hex address, empty for the default
	InitialBalance string `mapstructure:"initial_balance"` // credited on account registration
}

type Events struct {
	ClientBuffer int `mapstructure:"client_buffer"` // per websocket client
}

func setDefaults(v *viper2.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("http.addr", ":9999")
	v.SetDefault("http.ssl_redirect", false)
	v.SetDefault("http.ssl_host", "")
	v.SetDefault("admin.addr", "127.0.0.1:9100")
	v.SetDefault("leveldb.path", "levelDB/db/crowdfund")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.list", "crowdfund:events")
	v.SetDefault("redis.channel", "crowdfund:events")
	v.SetDefault("redis.max_len", 10000)
	v.SetDefault("auth.max_skew", "5m")
	v.SetDefault("ledger.escrow", "")
	v.SetDefault("ledger.initial_balance", "100 ether")
	v.SetDefault("events.client_buffer", 64)
}

// Load reads the YAML file at path on top of the defaults. An empty path
// or a missing file yields the defaults. CROWDFUND_* environment variables
// override both, e.g. CROWDFUND_REDIS_ENABLED=true.
func Load(path string) (*Config, error) {
	viper := viper2.New()
	setDefaults(viper)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		if util.FileExists(path) {
			viper.SetConfigFile(path)
			if err := viper.ReadInConfig(); err != nil {
				return nil, errors.Wrapf(err, "read config %s", path)
			}
		} else {
			log.Warningf("config file %s not found, using defaults", path)
		}
	}

	var c Config
	if err := viper.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.Ledger.Escrow != "" && !common.IsHexAddress(c.Ledger.Escrow) {
		return errors.Errorf("ledger.escrow %q is not an address", c.Ledger.Escrow)
	}
	if _, err := c.InitialBalance(); err != nil {
		return err
	}
	if c.Events.ClientBuffer <= 0 {
		return errors.New("events.client_buffer must be positive")
	}
	if _, ok := levels[strings.ToLower(c.Log.Level)]; !ok {
		return errors.Errorf("unknown log.level %q", c.Log.Level)
	}
	return nil
}

// EscrowAddress returns the configured escrow, zero when unset.
func (c *Config) EscrowAddress() common.Address {
	if c.Ledger.Escrow == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Ledger.Escrow)
}

func (c *Config) InitialBalance() (*big.Int, error) {
	v, err := util.ParseAmount(c.Ledger.InitialBalance)
	if err != nil {
		return nil, errors.Wrap(err, "ledger.initial_balance")
	}
	if v.Sign() < 0 {
		return nil, errors.New("ledger.initial_balance must not be negative")
	}
	return v, nil
}

var levels = map[string]int{
	"debug":    log.LevelDebug,
	"info":     log.LevelInfo,
	"warning":  log.LevelWarning,
	"error":    log.LevelError,
	"critical": log.LevelCritical,
}

// ApplyLogLevel sets the process-wide cfssl log level.
func (c *Config) ApplyLogLevel() {
	log.Level = levels[strings.ToLower(c.Log.Level)]
}
