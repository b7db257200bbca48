package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/nxy-sh/nxy/go/agent"
)

const iniFilename = "nxy-agent.ini"

// Config is the top-level configuration object of nxy-agent.
var Config = new(struct {
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type cmdRun struct {
	Args struct {
		StateDir string `positional-arg-name:"STATE_DIR" required:"true" description:"Directory holding the agent's durable identity"`
		Server   string `positional-arg-name:"SERVER_URL" required:"true" description:"URL of the nxyd server"`
	} `positional-args:"true"`
}

func (cmd cmdRun) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("nxy-agent configuration")

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		var sig = <-signalCh
		log.WithField("signal", sig).Info("caught signal")
		cancel()
	}()

	var err = agent.Run(ctx, cmd.Args.Server, cmd.Args.StateDir)
	if err == context.Canceled {
		err = nil
	}
	return err
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("run", "Run the nxy agent", `
Maintain a session with the nxyd server, reconnecting as needed, until
signaled to exit (via SIGTERM). The server drives system downloads and
activations over the session.
`, &cmdRun{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
