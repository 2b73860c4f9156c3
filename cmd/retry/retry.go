package retry

import (
	"context"
	"fmt"

	"github.com/paularlott/cli"

	"github.com/martinsuchenak/netprov/internal/client"
	"github.com/martinsuchenak/netprov/internal/model"
)

// Commands returns the retry queue subcommands
func Commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "list",
			Usage: "List retry operations",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "status", Usage: "Filter by status (pending, succeeded, failed)"},
				&cli.IntFlag{Name: "limit", Usage: "Maximum number of operations", DefaultValue: 100},
			},
			Run: func(ctx context.Context, cmd *cli.Command) error {
				ops, err := client.FromCommand(cmd).RetryOperations(ctx, model.RetryStatus(cmd.GetString("status")), cmd.GetInt("limit"))
				if err != nil {
					return err
				}
				if len(ops) == 0 {
					fmt.Println("Retry queue is empty")
					return nil
				}
				for _, op := range ops {
					fmt.Printf("%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n", op.ID, op.DeviceID, op.Verb, op.Status,
						op.Attempts, op.MaxAttempts, op.NextAttemptAt.Format("2006-01-02 15:04:05"), op.LastError)
				}
				return nil
			},
		},
		{
			Name:  "drain",
			Usage: "Replay due retry operations now",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "batch", Usage: "Operations to replay", DefaultValue: 100},
			},
			Run: func(ctx context.Context, cmd *cli.Command) error {
				res, err := client.FromCommand(cmd).DrainRetries(ctx, cmd.GetInt("batch"))
				if err != nil {
					return err
				}
				fmt.Printf("Attempted %d: %d succeeded, %d rescheduled, %d failed\n",
					res.Attempted, res.Succeeded, res.Rescheduled, res.Failed)
				return nil
			},
		},
	}
}
