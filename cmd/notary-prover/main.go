// Command notary-prover notarizes one HTTPS request against a notary server
// and prints the disclosed values.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Build information, set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// envPrefix keeps prover settings apart from the server's NOTARY_ variables.
const envPrefix = "NOTARY_PROVER_"

func main() {
	if err := app().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func app() *cli.App {
	return &cli.App{
		Name:      "notary-prover",
		Usage:     "Notarize an HTTPS request and reveal selected parts of it",
		UsageText: "notary-prover [options] URL",
		Version:   fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				EnvVars: []string{envPrefix + "CONFIG"},
			},
			&cli.StringFlag{
				Name:    "notary",
				Aliases: []string{"n"},
				Usage:   "Notary server url (ws:// or wss://)",
			},
			&cli.StringFlag{
				Name:  "proxy",
				Usage: "Proxy url for the target connection (default: the notary's /proxy)",
			},
			&cli.StringFlag{
				Name:    "method",
				Aliases: []string{"X"},
				Usage:   "HTTP method",
				Value:   "GET",
			},
			&cli.StringSliceFlag{
				Name:    "header",
				Aliases: []string{"H"},
				Usage:   "Request header as 'Name: value', repeatable",
			},
			&cli.StringFlag{
				Name:    "data",
				Aliases: []string{"d"},
				Usage:   "Request body",
			},
			&cli.StringSliceFlag{
				Name:    "reveal",
				Aliases: []string{"r"},
				Usage:   "Reveal rule DIR:PART[:KIND:ARG], e.g. RECV:BODY:json:balance, repeatable",
			},
			&cli.StringFlag{
				Name:  "handlers",
				Usage: "JSON file with a list of reveal handlers",
			},
			&cli.StringSliceFlag{
				Name:  "session-data",
				Usage: "Session metadata as key=value, repeatable",
			},
			&cli.IntFlag{
				Name:  "max-sent",
				Usage: "Maximum bytes sent to the target",
			},
			&cli.IntFlag{
				Name:  "max-recv",
				Usage: "Maximum bytes received from the target",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the notary's verdict",
			},
			&cli.BoolFlag{
				Name:    "insecure",
				Aliases: []string{"k"},
				Usage:   "Skip target certificate verification",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Show version information",
				Action: func(c *cli.Context) error {
					fmt.Fprintf(c.App.Writer, "%s %s (commit: %s, built: %s)\n", c.App.Name, version, commit, buildTime)
					return nil
				},
			},
		},
		Action: prove,
	}
}
