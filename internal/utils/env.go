package utils

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadEnvironment loads .env files from the working directory and from the
// directory of the executable. Values already present in the environment
// are never overwritten. It returns the files that were loaded.
func LoadEnvironment() []string {
	candidates := []string{".env"}

	if execPath, err := os.Executable(); err == nil {
		appEnv := filepath.Join(filepath.Dir(execPath), ".env")
		if abs, err := filepath.Abs(".env"); err != nil || abs != appEnv {
			candidates = append(candidates, appEnv)
		}
	}

	var loaded []string
	for _, path := range candidates {
		if err := godotenv.Load(path); err == nil {
			loaded = append(loaded, path)
		}
	}
	return loaded
}
