// main executable.
package main

import (
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/elblogbruno/dashcam-v2-sub001/internal/core"
)

func main() {
	// load .env from the executable's directory, then the working
	// directory, then fall back to the system environment
	exePath, err := os.Executable()
	if err == nil {
		envPath := filepath.Join(filepath.Dir(exePath), ".env")

		if err := godotenv.Load(envPath); err != nil {
			if err := godotenv.Load(".env"); err != nil {
				log.Printf("Warning: .env file not found, using system environment variables")
			}
		}
	}

	s, ok := core.New(os.Args[1:])
	if !ok {
		os.Exit(1)
	}
	s.Wait()
}
