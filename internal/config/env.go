package config

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
)

// LoadEnv overlays path's KEY=VALUE pairs onto the process environment.
// cmd/server calls it after flag parsing, with the path the -env-file
// flag names. Grounded on f0oster-adSpy's LoadEnvConfig. Unlike
// that teacher usage, a missing file is not fatal here — the overlay is
// optional (spec §6 lists no required .env).
func LoadEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}
