// Command slicer inspects, instruments and re-encodes dex files.
package main

import (
	"context"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "slicer",
		Usage: "inspect, instrument and re-encode dex files",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log library debug output",
				EnvVars: []string{"SLICER_VERBOSE"},
			},
		},
		Before: func(c *cli.Context) error {
			setupLogging(c.Bool("verbose"))
			return nil
		},
		Commands: []*cli.Command{
			dumpCommand(),
			instrumentCommand(),
			rewriteCommand(),
			patchCommand(),
		},
	}
}

func setupLogging(verbose bool) {
	log.SetOutput(os.Stdout)
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	if verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, unix.SIGTERM)
	go func() {
		<-sigChan
		log.Println("[!] Received stop signal, shutting down...")
		cancel()
	}()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatalf("[-] %v", err)
	}
}
