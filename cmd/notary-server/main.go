// Command notary-server accepts notarization sessions from provers, runs the
// verifier side of each one and bridges prover traffic to target servers.
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

func main() {
	if err := app().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func app() *cli.App {
	return &cli.App{
		Name:    "notary-server",
		Usage:   "TLS notarization verifier and proxy",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
		Flags:   serveFlags(),
		Action:  serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the server (default)",
				Flags:  serveFlags(),
				Action: serve,
			},
			{
				Name:   "check",
				Usage:  "Validate the configuration and exit",
				Flags:  serveFlags(),
				Action: check,
			},
			{
				Name:  "version",
				Usage: "Show version information",
				Action: func(c *cli.Context) error {
					fmt.Fprintf(c.App.Writer, "%s %s (commit: %s, built: %s)\n", c.App.Name, version, commit, buildTime)
					return nil
				},
			},
		},
	}
}

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to a YAML configuration file",
			EnvVars: []string{"NOTARY_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "listen",
			Usage: "HTTP listen address (e.g., :7047)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "Shorthand for --log-level=debug",
		},
		&cli.StringFlag{
			Name:  "redis-addr",
			Usage: "Share session records through Redis at this address",
		},
		&cli.BoolFlag{
			Name:  "no-proxy",
			Usage: "Disable the /proxy endpoint",
		},
	}
}
