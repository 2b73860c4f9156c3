package plan

import (
	"context"
	"fmt"

	"github.com/paularlott/cli"

	"github.com/martinsuchenak/netprov/internal/client"
	"github.com/martinsuchenak/netprov/internal/model"
)

// Commands returns the plan subcommands
func Commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:        "save",
			Usage:       "Create or replace a service plan",
			Description: "Create or replace a service plan. Existing services keep their profile until upgraded.",
			Arguments: []cli.Argument{
				&cli.StringArg{Name: "id", Required: true},
			},
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "name", Usage: "Plan name", Required: true},
				&cli.IntFlag{Name: "download", Usage: "Download rate in kbps"},
				&cli.IntFlag{Name: "upload", Usage: "Upload rate in kbps"},
				&cli.IntFlag{Name: "burst-download", Usage: "Burst download rate in kbps"},
				&cli.IntFlag{Name: "burst-upload", Usage: "Burst upload rate in kbps"},
				&cli.IntFlag{Name: "priority", Usage: "Queue priority (0-8)"},
				&cli.BoolFlag{Name: "inactive", Usage: "Reject new activations on this plan"},
			},
			Run: func(ctx context.Context, cmd *cli.Command) error {
				plan, err := client.FromCommand(cmd).SavePlan(ctx, &model.ServicePlan{
					ID:                cmd.GetStringArg("id"),
					Name:              cmd.GetString("name"),
					DownloadKbps:      cmd.GetInt("download"),
					UploadKbps:        cmd.GetInt("upload"),
					BurstDownloadKbps: cmd.GetInt("burst-download"),
					BurstUploadKbps:   cmd.GetInt("burst-upload"),
					Priority:          cmd.GetInt("priority"),
					Active:            !cmd.GetBool("inactive"),
				})
				if err != nil {
					return err
				}
				fmt.Printf("Plan saved: %s (%s)\n", plan.Name, plan.ID)
				return nil
			},
		},
		{
			Name:  "list",
			Usage: "List service plans",
			Run: func(ctx context.Context, cmd *cli.Command) error {
				plans, err := client.FromCommand(cmd).Plans(ctx)
				if err != nil {
					return err
				}
				printPlans(plans)
				return nil
			},
		},
	}
}

func printPlans(plans []model.ServicePlan) {
	if len(plans) == 0 {
		fmt.Println("No plans found")
		return
	}
	for _, p := range plans {
		state := "active"
		if !p.Active {
			state = "inactive"
		}
		fmt.Printf("%s\t%s\t%d/%d kbps\t%s\n", p.ID, p.Name, p.DownloadKbps, p.UploadKbps, state)
	}
}
