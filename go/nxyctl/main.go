package main

import (
	"github.com/jessevdk/go-flags"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "nxyctl.ini"

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	agents, err := parser.Command.AddCommand("agents", "Interact with connected agents", "", &struct{}{})
	mbp.Must(err, "failed to add command")

	addCmd(agents, "list", "List known agents", `
List all agents known to the server, with their current system and
assigned configuration.
`, &cmdAgentsList{})

	addCmd(agents, "assign", "Assign a configuration to an agent", `
Assign a NixOS configuration to an agent. The server pushes new
evaluations of the configuration to the agent as they appear.
`, &cmdAgentsAssign{})

	addCmd(agents, "download", "Instruct an agent to download a store path", `
Instruct an agent to copy a store path from the server's substituter.
`, &cmdAgentsDownload{})

	addCmd(agents, "activate", "Instruct an agent to activate a store path", `
Instruct an agent to set the given system configuration as its profile
and switch to it.
`, &cmdAgentsActivate{})

	flakes, err := parser.Command.AddCommand("flakes", "Interact with registered flakes", "", &struct{}{})
	mbp.Must(err, "failed to add command")

	addCmd(flakes, "list", "List registered flakes", `
List registered flakes and their latest known revision.
`, &cmdFlakesList{})

	addCmd(flakes, "add", "Register a flake", `
Register a flake by URL. The server resolves its current revision and
evaluates its NixOS configurations in the background.
`, &cmdFlakesAdd{})

	addCmd(flakes, "update", "Refresh all registered flakes", `
Re-resolve every registered flake and evaluate any new revisions.
`, &cmdFlakesUpdate{})

	configs, err := parser.Command.AddCommand("configs", "Interact with NixOS configurations", "", &struct{}{})
	mbp.Must(err, "failed to add command")

	addCmd(configs, "list", "List known NixOS configurations", `
List the NixOS configurations declared by registered flakes.
`, &cmdConfigsList{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	mbp.Must(err, "failed to add flags parser command")
	return cmd
}
