package config

import (
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env           string        `yaml:"env" env-default:"local"`
	Storage       string        `yaml:"storage" env-default:"sqlite"`
	StoragePath   string        `yaml:"storage_path"`
	Mongo         MongoConfig   `yaml:"mongo"`
	Redis         RedisConfig   `yaml:"redis"`
	JWTSecret     string        `yaml:"jwt_secret" env:"JWT_SECRET" env-required:"true"`
	TokenTTL      time.Duration `yaml:"token_ttl" env-default:"24h"`
	RefreshPepper string        `yaml:"refresh_pepper" env:"REFRESH_PEPPER"`
	SweepInterval time.Duration `yaml:"sweep_interval" env-default:"1h"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// RedisConfig is optional; when Addr is set, token state (refresh tokens
// and the blacklist) moves to redis while users stay in the primary store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
}

func LoadConfig(path string) *Config {
	var cfg Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config file not found: " + path)
	}

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}
