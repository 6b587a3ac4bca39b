package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/lucasreb/courier/internal/config"
	"github.com/lucasreb/courier/internal/daemon"
	"github.com/lucasreb/courier/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	userFlag := flag.String("user", "", "user id to act as (stored in the profile on first run)")
	flag.Parse()

	cfg := config.LoadOrDefault(profile.ConfigPath())

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			ProfileName: profileName,
			UserID:      *userFlag,
			Config:      cfg,
		}),
	)

	app.Run()
}
