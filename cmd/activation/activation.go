package activation

import (
	"context"
	"fmt"

	"github.com/paularlott/cli"

	"github.com/martinsuchenak/netprov/internal/client"
	"github.com/martinsuchenak/netprov/internal/model"
	"github.com/martinsuchenak/netprov/internal/provision"
)

// Commands returns the activation subcommands
func Commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:        "request",
			Usage:       "Run an activation saga",
			Description: "Provision, change, suspend or resume a customer service. The command waits for the saga to finish.",
			Arguments: []cli.Argument{
				&cli.StringArg{Name: "service", Required: true},
			},
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "type", Usage: "new, upgrade, downgrade, suspend or resume", DefaultValue: "new"},
				&cli.StringFlag{Name: "customer", Usage: "Customer ID (new only)"},
				&cli.StringFlag{Name: "plan", Usage: "Plan ID (new, upgrade, downgrade)"},
				&cli.StringFlag{Name: "location", Usage: "Preferred device location"},
				&cli.StringFlag{Name: "device", Usage: "Preferred device"},
				&cli.StringFlag{Name: "username", Usage: "Subscriber username (generated when empty)"},
				&cli.IntFlag{Name: "download", Usage: "Download rate override in kbps"},
				&cli.IntFlag{Name: "upload", Usage: "Upload rate override in kbps"},
			},
			Run: func(ctx context.Context, cmd *cli.Command) error {
				res, err := client.FromCommand(cmd).RequestActivation(ctx, provision.Request{
					ServiceID:  cmd.GetStringArg("service"),
					CustomerID: cmd.GetString("customer"),
					PlanID:     cmd.GetString("plan"),
					Type:       model.ActivationType(cmd.GetString("type")),
					Overrides: model.Overrides{
						Location:     cmd.GetString("location"),
						DeviceID:     cmd.GetString("device"),
						Username:     cmd.GetString("username"),
						DownloadKbps: cmd.GetInt("download"),
						UploadKbps:   cmd.GetInt("upload"),
					},
				})
				if err != nil {
					return err
				}
				if !res.Success {
					if res.ActivationID != "" {
						fmt.Printf("Activation: %s\n", res.ActivationID)
					}
					return fmt.Errorf("activation failed (%s): %s", res.Code, res.Error)
				}
				fmt.Printf("Activation completed: %s\n", res.ActivationID)
				return nil
			},
		},
		{
			Name:  "get",
			Usage: "Show an activation and its step log",
			Arguments: []cli.Argument{
				&cli.StringArg{Name: "id", Required: true},
			},
			Run: func(ctx context.Context, cmd *cli.Command) error {
				act, err := client.FromCommand(cmd).Activation(ctx, cmd.GetStringArg("id"))
				if err != nil {
					return err
				}
				printActivation(act)
				return nil
			},
		},
		{
			Name:  "status",
			Usage: "Show a customer service with its binding and sync state",
			Arguments: []cli.Argument{
				&cli.StringArg{Name: "service", Required: true},
			},
			Run: func(ctx context.Context, cmd *cli.Command) error {
				st, err := client.FromCommand(cmd).ServiceStatus(ctx, cmd.GetStringArg("service"))
				if err != nil {
					return err
				}
				printServiceState(st)
				return nil
			},
		},
		{
			Name:  "resync",
			Usage: "Push a service's configuration to its device again",
			Arguments: []cli.Argument{
				&cli.StringArg{Name: "service", Required: true},
			},
			Run: func(ctx context.Context, cmd *cli.Command) error {
				id := cmd.GetStringArg("service")
				queued, err := client.FromCommand(cmd).Resync(ctx, id)
				if err != nil {
					return err
				}
				if queued {
					fmt.Printf("Service %s resync queued for retry\n", id)
				} else {
					fmt.Printf("Service %s resynced\n", id)
				}
				return nil
			},
		},
	}
}

func printActivation(act *model.Activation) {
	fmt.Printf("ID:       %s\n", act.ID)
	fmt.Printf("Service:  %s\n", act.ServiceID)
	fmt.Printf("Customer: %s\n", act.CustomerID)
	fmt.Printf("Type:     %s\n", act.Type)
	fmt.Printf("Status:   %s\n", act.Status)
	if act.FailureCode != "" {
		fmt.Printf("Failed:   %s (%s) %s\n", act.FailedStep, act.FailureCode, act.FailureReason)
	}
	fmt.Println("Steps:")
	for _, s := range act.Steps {
		fmt.Printf("  - %-9s %-24s %-10s %5dms %s\n", s.Phase, s.Step, s.Status, s.DurationMS, s.Error)
	}
}

func printServiceState(st *provision.ServiceState) {
	fmt.Printf("Service:  %s\n", st.Service.ID)
	fmt.Printf("Customer: %s\n", st.Service.CustomerID)
	fmt.Printf("Plan:     %s\n", st.Service.PlanID)
	fmt.Printf("Status:   %s\n", st.Service.Status)
	if st.Device != nil {
		fmt.Printf("Device:   %s (%s)\n", st.Device.Name, st.Device.Status)
	}
	if st.Address != nil {
		fmt.Printf("Address:  %s\n", st.Address.IP)
	}
	for _, s := range st.Sync {
		fmt.Printf("Sync:     %s after %s %s\n", s.State, s.LastOperation, s.LastError)
	}
}
