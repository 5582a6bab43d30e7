package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"finbot/cmd/export"
	"finbot/cmd/remind"
	"finbot/cmd/root"
	"finbot/cmd/serve"
)

func init() {
	loadEnvSilently()

	root.Init()
	root.Cmd.AddCommand(serve.Cmd)
	root.Cmd.AddCommand(remind.Cmd)
	root.Cmd.AddCommand(export.Cmd)
}

// loadEnvSilently loads environment variables before any logging is
// configured.
func loadEnvSilently() {
	envFile := ".env"
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		envFile = filepath.Join("..", ".env")
		if _, err := os.Stat(envFile); os.IsNotExist(err) {
			return
		}
	}
	_ = godotenv.Load(envFile)
}

func main() {
	if err := root.Cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
