package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/tripsafe/internal/config"
	"github.com/matheus3301/tripsafe/internal/daemon"
	"github.com/matheus3301/tripsafe/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		os.Exit(1)
	}

	name, err := profile.Resolve(*profileFlag, cfg.DefaultProfile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := daemon.New(daemon.Params{Profile: name, Config: cfg})
	app.Run()
}
