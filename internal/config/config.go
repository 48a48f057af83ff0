package config

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"avm.io/avm-wallet/pkg/errors"
	"avm.io/avm-wallet/pkg/log"
	"gopkg.in/yaml.v2"
)

// DBCredential struct
type DBCredential struct {
	Address  string `yaml:"address"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Port     string `yaml:"port"`
	Database string `yaml:"database"`
}

// GetRedisAddress returns host:port of the redis server.
func (c *DBCredential) GetRedisAddress() string {
	return fmt.Sprintf("%v:%v", c.Address, c.Port)
}

// Configuration struct
type Configuration struct {
	LogLevel         int           `yaml:"log_level"`
	Scope            string        `yaml:"scope"`
	Network          Network       `yaml:"network"`
	Wallets          []string      `yaml:"wallets"`
	WalletConnect    WalletConnect `yaml:"walletconnect"`
	RedisCredential  DBCredential  `yaml:"redis"`
	Auth             Auth          `yaml:"auth"`
	HTTP             HTTP          `yaml:"http"`
	SentryDSN        string        `yaml:"sentry_dsn"`
	LarkAlarmWebhook string        `yaml:"lark_alarm_webhook"`
}

// Network selects the AVM chain and the algod endpoint serving it.
type Network struct {
	Name         string `yaml:"name"`
	AlgodAddress string `yaml:"algod_address"`
	AlgodToken   string `yaml:"algod_token"`
}

type WalletConnect struct {
	ProjectID   string   `yaml:"project_id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	URL         string   `yaml:"url"`
	Icons       []string `yaml:"icons"`
	RelayURL    string   `yaml:"relay_url"`
	// PairingTimeout bounds how long a QR pairing may wait for approval.
	PairingTimeout time.Duration `yaml:"pairing_timeout"`
}

type Auth struct {
	Issuer  string `yaml:"issuer"`
	JWTSeed string `yaml:"jwt_seed"`
}

type HTTP struct {
	Listen        string `yaml:"listen"`
	RatePerMinute int    `yaml:"rate_per_minute"`
}

const (
	defaultScope          = "default"
	defaultPairingTimeout = 5 * time.Minute
	defaultListen         = ":8080"
	defaultRatePerMinute  = 30
)

func (c *Configuration) applyDefaults() {
	if c.Scope == "" {
		c.Scope = defaultScope
	}
	if c.WalletConnect.PairingTimeout <= 0 {
		c.WalletConnect.PairingTimeout = defaultPairingTimeout
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = defaultListen
	}
	if c.HTTP.RatePerMinute <= 0 {
		c.HTTP.RatePerMinute = defaultRatePerMinute
	}
}

// Load reads and decodes the yaml file at path.
func Load(path string) (*Configuration, error) {
	dat, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("file %s does not exist", path)
		}
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(dat)
}

// Parse decodes yaml content and fills defaults.
func Parse(dat []byte) (*Configuration, error) {
	t := Configuration{}
	if err := yaml.Unmarshal(dat, &t); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	t.applyDefaults()
	return &t, nil
}

var Global *Configuration

// Read reads configuration information from yml.
func Read() {
	configFilePath := flag.String("config-path", "internal/config/config.yml", "The path to the configuration file")
	flag.Parse()
	log.Infof("Loading configuration file from %s", *configFilePath)
	globalConfig, err := Load(*configFilePath)
	if err != nil {
		log.Fatal(err)
	}
	Global = globalConfig
}
