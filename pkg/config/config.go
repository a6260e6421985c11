package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Store     StoreConfig
	Client    ClientConfig
	Cache     CacheConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int    `mapstructure:"maxPerIP"`
	Mode     string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type StoreConfig struct {
	Driver string // "postgres" or "memory"
	DSN    string `mapstructure:"dsn"`
}

type ClientConfig struct {
	URL               string
	DialTimeout       time.Duration `mapstructure:"dialTimeout"`
	ReconnectAttempts int           `mapstructure:"reconnectAttempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnectDelay"`
}

type CacheConfig struct {
	DefaultTTL    time.Duration `mapstructure:"defaultTTL"`
	StaleTime     time.Duration `mapstructure:"staleTime"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

type LogConfig struct {
	Level string
}
