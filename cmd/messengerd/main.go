package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/lumenhq/messenger/internal/config"
	"github.com/lumenhq/messenger/internal/daemon"
	"github.com/lumenhq/messenger/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot read %s: %v\n", session.ConfigPath(), err)
		os.Exit(1)
	}
	if cfg.ServerURL == "" || cfg.APIBaseURL == "" || cfg.AuthToken == "" || cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "error: config needs server_url, api_base_url, auth_token and user_id")
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName, Config: cfg}),
	)

	app.Run()
}
