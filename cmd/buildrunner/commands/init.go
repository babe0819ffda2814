package commands

import (
	"fmt"
	"path/filepath"

	"git.home.luguber.info/inful/buildrunner/internal/config"
)

// InitCmd implements the 'init' command.
type InitCmd struct {
	Force bool   `help:"Overwrite an existing configuration file"`
	Dir   string `short:"o" name:"output" help:"Directory to write buildrunner.yaml into (default: --config path)"`
}

func (i *InitCmd) Run(_ *Global, root *CLI) error {
	path := root.Config
	if i.Dir != "" {
		path = filepath.Join(i.Dir, config.DefaultPath)
	}
	return RunInit(path, i.Force)
}

// RunInit writes the example configuration to path.
func RunInit(path string, force bool) error {
	if err := config.Init(path, force); err != nil {
		return fmt.Errorf("init %s: %w", path, err)
	}
	fmt.Printf("Wrote example configuration to %s\n", path)
	fmt.Println("Set BUILDRUNNER_WEBHOOK_URL or edit the notification section before the first run.")
	return nil
}
