package tidal

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL      string
	UserID           UserID
	SettingsPath     string
	LogLevel         string
	DiscordToken     string
	DiscordChannelID string
}

func LoadConfig(isProd bool) (Config, error) {
	if isProd {
		_ = godotenv.Load(".env")
	} else {
		_ = godotenv.Load(".env.dev")
	}

	config := Config{
		DatabaseURL:      os.Getenv("TIDAL_DB_PATH"),
		UserID:           UserID(os.Getenv("TIDAL_USER_ID")),
		SettingsPath:     os.Getenv("TIDAL_SETTINGS_PATH"),
		LogLevel:         os.Getenv("TIDAL_LOG_LEVEL"),
		DiscordToken:     os.Getenv("TIDAL_DISCORD_TOKEN"),
		DiscordChannelID: os.Getenv("TIDAL_DISCORD_CHANNEL_ID"),
	}

	if config.DatabaseURL == "" {
		return Config{}, fmt.Errorf("required environment variable: TIDAL_DB_PATH")
	}

	if config.UserID == "" {
		config.UserID = UserID(os.Getenv("USER"))
	}
	if config.UserID == "" {
		config.UserID = "default"
	}

	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	if (config.DiscordToken == "") != (config.DiscordChannelID == "") {
		return Config{}, fmt.Errorf("TIDAL_DISCORD_TOKEN and TIDAL_DISCORD_CHANNEL_ID must be set together")
	}

	return config, nil
}
