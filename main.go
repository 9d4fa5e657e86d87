package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"
)

const AppVersion = "v1.2.0"

var buildVersion, buildTime string

var versionMessage = fmt.Sprintf(`krump version %s`, AppVersion)

func init() {
	if buildVersion == "" && buildTime == "" {
		return
	}

	versionMessage += " ("
	if buildVersion != "" {
		versionMessage += buildVersion
	}

	if buildTime != "" {
		if buildVersion != "" {
			versionMessage += " @ "
		}
		versionMessage += buildTime
	}
	versionMessage += ")"
}

type CLI struct {
	Consume *consumeCmd      `cmd:"" default:"withargs" help:"Consume, dump or count messages on a topic."`
	Version kong.VersionFlag `short:"v" help:"Show version and exit."`
}

func main() {
	defer flushOutput()
	sub, cli, err := parseKong(os.Args)
	if err != nil {
		failf("%v", err)
	}
	var runErr error
	switch sub {
	case "consume":
		runErr = cli.Consume.run()
	}
	if runErr != nil {
		failf("%v", runErr)
	}
}

func parseKong(args []string) (string, *CLI, error) {
	var cli CLI
	parser, err := kong.New(
		&cli,
		kong.Vars{"version": versionMessage},
		kong.Description(strings.TrimSpace(consumeDocString)),
		kong.WithHyphenPrefixedParameters(true),
	)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create kong parser: %w", err)
	}
	kongCtx, err := parser.Parse(args[1:])
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse args: %w", err)
	}
	return strings.Fields(kongCtx.Command())[0], &cli, nil
}
