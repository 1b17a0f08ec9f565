package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Config carries everything the process reads from the environment. A local
// .env file is loaded first when present; real environment variables win.
type Config struct {
	DatabaseURL string
	AMQPURL     string
	ServerPort  string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		AMQPURL:     os.Getenv("AMQP_URL"),
		ServerPort:  os.Getenv("SERVER_PORT"),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL environment variable not set")
	}
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	return cfg, nil
}
