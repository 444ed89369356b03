package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/sandrolain/mqtt-relay/src/cli"
)

func main() {
	// A missing .env file is fine; the environment wins either way.
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("MQTT_RELAY_DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}),
	))

	cli.Execute()
}
