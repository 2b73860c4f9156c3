package main

import (
	"context"
	"os"

	"github.com/paularlott/cli"
	"github.com/paularlott/cli/env"

	"github.com/martinsuchenak/netprov/cmd/activation"
	"github.com/martinsuchenak/netprov/cmd/customer"
	"github.com/martinsuchenak/netprov/cmd/device"
	"github.com/martinsuchenak/netprov/cmd/plan"
	"github.com/martinsuchenak/netprov/cmd/retry"
	"github.com/martinsuchenak/netprov/cmd/server"
	"github.com/martinsuchenak/netprov/internal/client"
	"github.com/martinsuchenak/netprov/internal/log"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Load .env file if it exists
	env.Load()

	log.Configure("info", "console")

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:         "log-level",
			Usage:        "Log level (trace, debug, info, warn, error)",
			DefaultValue: "info",
			EnvVars:      []string{"NETPROV_LOG_LEVEL"},
			Global:       true,
		},
		&cli.StringFlag{
			Name:         "log-format",
			Usage:        "Log format (console, json)",
			DefaultValue: "console",
			EnvVars:      []string{"NETPROV_LOG_FORMAT"},
			Global:       true,
		},
	}

	rootCmd := &cli.Command{
		Name:        "netprov",
		Version:     version,
		Usage:       "Network service provisioning for broadband subscribers",
		Description: "Activates, changes and releases customer services on network devices with compensating sagas, IP pools and a retry queue",
		Flags:       append(flags, client.Flags()...),
		PreRun: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			log.Configure(cmd.GetString("log-level"), cmd.GetString("log-format"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			server.Command(),
			{
				Name:        "activation",
				Usage:       "Activation commands",
				Description: "Request activations and inspect services",
				Commands:    activation.Commands(),
			},
			{
				Name:        "customer",
				Usage:       "Customer commands",
				Description: "Release customers",
				Commands:    customer.Commands(),
			},
			{
				Name:        "plan",
				Usage:       "Service plan commands",
				Description: "Manage the plan catalog",
				Commands:    plan.Commands(),
			},
			{
				Name:        "device",
				Usage:       "Device management commands",
				Description: "Manage network devices and their address pools",
				Commands:    device.Commands(),
			},
			{
				Name:        "retry",
				Usage:       "Retry queue commands",
				Description: "Inspect and drain the retry queue",
				Commands:    retry.Commands(),
			},
		},
	}

	if err := rootCmd.Execute(context.Background()); err != nil {
		log.Error("Command execution failed", "error", err, "version", version, "commit", commit, "built", date)
		os.Exit(1)
	}
}
