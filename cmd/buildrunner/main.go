package main

import (
	"log/slog"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/buildrunner/cmd/buildrunner/commands"
	berrors "git.home.luguber.info/inful/buildrunner/internal/errors"
	"git.home.luguber.info/inful/buildrunner/internal/version"
)

func main() {
	var cli commands.CLI
	ctx := kong.Parse(&cli,
		kong.Name("buildrunner"),
		kong.Description("Single-host build pipeline: lock, diff, test, deploy, notify."),
		kong.UsageOnError(),
		kong.Vars{"version": version.String()},
	)

	global := &commands.Global{Logger: slog.Default(), Version: version.Version}
	err := ctx.Run(global, &cli)

	adapter := berrors.NewCLIErrorAdapter(cli.Verbose, slog.Default())
	adapter.HandleError(err)
}
