package device

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/paularlott/cli"
	"golang.org/x/term"

	"github.com/martinsuchenak/netprov/internal/client"
	"github.com/martinsuchenak/netprov/internal/ipam"
	"github.com/martinsuchenak/netprov/internal/model"
)

// Commands returns the device subcommands
func Commands() []*cli.Command {
	return []*cli.Command{
		addCommand(),
		{
			Name:  "list",
			Usage: "List devices",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "location", Usage: "Filter by location"},
				&cli.StringFlag{Name: "status", Usage: "Filter by status (active, inactive, maintenance)"},
			},
			Run: func(ctx context.Context, cmd *cli.Command) error {
				devices, err := client.FromCommand(cmd).Devices(ctx, cmd.GetString("location"), model.DeviceStatus(cmd.GetString("status")))
				if err != nil {
					return err
				}
				printDevices(devices)
				return nil
			},
		},
		{
			Name:        "subnet-add",
			Usage:       "Add a subnet to a device's pool",
			Description: "Materialize every address of a CIDR block for a device. Network, broadcast and gateway addresses are reserved.",
			Arguments: []cli.Argument{
				&cli.StringArg{Name: "device", Required: true},
				&cli.StringArg{Name: "cidr", Required: true},
			},
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "gateway", Usage: "Gateway address (defaults to the first host)"},
				&cli.StringFlag{Name: "dns", Usage: "Comma-separated DNS servers"},
				&cli.IntFlag{Name: "vlan", Usage: "VLAN ID"},
			},
			Run: func(ctx context.Context, cmd *cli.Command) error {
				subnet, err := client.FromCommand(cmd).AddSubnet(ctx, ipam.SubnetRequest{
					DeviceID: cmd.GetStringArg("device"),
					CIDR:     cmd.GetStringArg("cidr"),
					Gateway:  cmd.GetString("gateway"),
					DNS:      parseList(cmd.GetString("dns")),
					VLAN:     cmd.GetInt("vlan"),
				})
				if err != nil {
					return err
				}
				fmt.Printf("Subnet added: %s gateway %s (ID: %s)\n", subnet.CIDR, subnet.Gateway, subnet.ID)
				return nil
			},
		},
		{
			Name:  "utilization",
			Usage: "Show address usage of a device",
			Arguments: []cli.Argument{
				&cli.StringArg{Name: "device", Required: true},
			},
			Run: func(ctx context.Context, cmd *cli.Command) error {
				usage, err := client.FromCommand(cmd).Utilization(ctx, cmd.GetStringArg("device"))
				if err != nil {
					return err
				}
				if len(usage) == 0 {
					fmt.Println("No subnets found")
					return nil
				}
				for _, u := range usage {
					fmt.Printf("%s\t%d/%d assigned\t%d available\t%.1f%%\n", u.CIDR, u.Assigned, u.Total, u.Available, u.Percent)
				}
				return nil
			},
		},
		{
			Name:  "probe",
			Usage: "Check device liveness now",
			Arguments: []cli.Argument{
				&cli.StringArg{Name: "device", Required: true},
			},
			Run: func(ctx context.Context, cmd *cli.Command) error {
				res, err := client.FromCommand(cmd).ProbeDevice(ctx, cmd.GetStringArg("device"))
				if err != nil {
					return err
				}
				state := "reachable"
				if !res.Reachable {
					state = "unreachable"
				}
				fmt.Printf("%s is %s (status %s): %s\n", res.Name, state, res.Status, res.Detail)
				return nil
			},
		},
		{
			Name:        "deactivate",
			Usage:       "Take a device out of allocation",
			Description: "Mark a device inactive. Existing services keep their binding; new activations avoid it.",
			Arguments: []cli.Argument{
				&cli.StringArg{Name: "device", Required: true},
			},
			Run: func(ctx context.Context, cmd *cli.Command) error {
				device, err := client.FromCommand(cmd).DeactivateDevice(ctx, cmd.GetStringArg("device"))
				if err != nil {
					return err
				}
				fmt.Printf("Device %s is now %s\n", device.Name, device.Status)
				return nil
			},
		},
	}
}

func addCommand() *cli.Command {
	return &cli.Command{
		Name:        "add",
		Usage:       "Register a device",
		Description: "Register a network element. Use --prompt-secret to type the device password without echo.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "Device name", Required: true},
			&cli.StringFlag{Name: "vendor", Usage: "Driver vendor (routeros, restapi)", Required: true},
			&cli.StringFlag{Name: "host", Usage: "Management host or base URL", Required: true},
			&cli.IntFlag{Name: "port", Usage: "Management port"},
			&cli.StringFlag{Name: "username", Usage: "Management username"},
			&cli.StringFlag{Name: "secret", Usage: "Management password", EnvVars: []string{"NETPROV_DEVICE_SECRET"}},
			&cli.BoolFlag{Name: "prompt-secret", Usage: "Read the password from the terminal"},
			&cli.StringFlag{Name: "host-key", Usage: "SSH host key in authorized_keys format"},
			&cli.StringFlag{Name: "snmp-community", Usage: "SNMP v2c community for health checks"},
			&cli.StringFlag{Name: "location", Usage: "Location used for device selection"},
			&cli.IntFlag{Name: "max-subscribers", Usage: "Subscriber limit (0 means unlimited)"},
			&cli.StringFlag{Name: "status", Usage: "Initial status (active, inactive, maintenance)"},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			secret := cmd.GetString("secret")
			if cmd.GetBool("prompt-secret") {
				var err error
				if secret, err = readSecret("Device password: "); err != nil {
					return err
				}
			}

			device, err := client.FromCommand(cmd).AddDevice(ctx, client.DeviceRequest{
				Device: model.Device{
					Name:           cmd.GetString("name"),
					Vendor:         cmd.GetString("vendor"),
					Host:           cmd.GetString("host"),
					Port:           cmd.GetInt("port"),
					Username:       cmd.GetString("username"),
					HostKey:        cmd.GetString("host-key"),
					Location:       cmd.GetString("location"),
					MaxSubscribers: cmd.GetInt("max-subscribers"),
					Status:         model.DeviceStatus(cmd.GetString("status")),
				},
				Secret:        secret,
				SNMPCommunity: cmd.GetString("snmp-community"),
			})
			if err != nil {
				return err
			}
			fmt.Printf("Device registered: %s (ID: %s)\n", device.Name, device.ID)
			return nil
		},
	}
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("--prompt-secret needs an interactive terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}

func printDevices(devices []model.Device) {
	if len(devices) == 0 {
		fmt.Println("No devices found")
		return
	}
	for _, d := range devices {
		fmt.Printf("%s\t%s\t%s\t%s\t%s\t%d\n", d.ID, d.Name, d.Vendor, d.Location, d.Status, d.ActiveSubscribers)
	}
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var result []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}
