package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/carewire/carewire/internal/daemon"
	"github.com/carewire/carewire/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	tokenFlag := flag.String("token", "", "bearer credential (overrides the profile credential file)")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	token := *tokenFlag
	if token == "" {
		token = os.Getenv("CAREWIRE_TOKEN")
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: profileName, Token: token}),
	)

	app.Run()
}
