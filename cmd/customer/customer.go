package customer

import (
	"context"
	"fmt"

	"github.com/paularlott/cli"

	"github.com/martinsuchenak/netprov/internal/client"
)

// Commands returns the customer subcommands
func Commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:        "release",
			Usage:       "Release every service of a customer",
			Description: "Remove device configuration, return addresses to the pool and terminate every live service of a customer",
			Arguments: []cli.Argument{
				&cli.StringArg{Name: "id", Required: true},
			},
			Run: func(ctx context.Context, cmd *cli.Command) error {
				id := cmd.GetStringArg("id")
				res, err := client.FromCommand(cmd).ReleaseCustomer(ctx, id)
				if err != nil {
					return err
				}
				fmt.Printf("Released %d service(s) of customer %s\n", res.ReleasedCount, id)
				for _, e := range res.Errors {
					fmt.Printf("  error: %s\n", e)
				}
				if len(res.Errors) > 0 {
					return fmt.Errorf("%d service(s) could not be released", len(res.Errors))
				}
				return nil
			},
		},
	}
}
