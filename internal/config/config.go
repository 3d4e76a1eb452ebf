package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr string `env:"ADDR" envDefault:":8080"`

	// Grid dimensions in cells and the pixel size of one cell. Clients snap
	// tile:update coordinates to CellSize before sending.
	GridWidth  int `env:"GRID_WIDTH" envDefault:"25"`
	GridHeight int `env:"GRID_HEIGHT" envDefault:"18"`
	CellSize   int `env:"CELL_SIZE" envDefault:"32"`

	// How long an empty room lingers before the registry reclaims it.
	EmptyRoomGrace time.Duration `env:"EMPTY_ROOM_GRACE" envDefault:"30s"`
}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
