package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/nxy-sh/nxy/go/nix"
	"github.com/nxy-sh/nxy/go/server"
	"github.com/nxy-sh/nxy/go/store"
)

const iniFilename = "nxy.ini"

// Config is the top-level configuration object of nxyd.
var Config = new(struct {
	Nxy struct {
		Port        uint16 `long:"port" env:"PORT" default:"8080" description:"Port of the admin API and agent session endpoint"`
		Database    string `long:"database" env:"DATABASE" default:"nxy.db" description:"Path of the sqlite database"`
		ExternalURL string `long:"external-url" env:"EXTERNAL_URL" default:"http://localhost:8080" description:"URL under which agents reach this server as a substituter"`
	} `group:"nxy" namespace:"nxy" env-namespace:"NXY"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("nxyd configuration")

	var st, err = store.Open(Config.Nxy.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	var manager = server.NewManager(st, Config.Nxy.ExternalURL)
	var reconciler = server.NewReconciler(st, nix.CLI{}, manager)
	var api = server.NewAPI(st, manager, reconciler)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", Config.Nxy.Port))
	if err != nil {
		return fmt.Errorf("binding listener: %w", err)
	}
	var srv = &http.Server{Handler: api.Router()}

	var tasks = task.NewGroup(context.Background())
	manager.QueueTasks(tasks)

	tasks.Queue("http.Serve", func() error {
		if err := srv.Serve(listener); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	tasks.Queue("http.Shutdown", func() error {
		<-tasks.Context().Done()
		return srv.Shutdown(context.Background())
	})

	log.WithField("addr", listener.Addr()).Info("starting nxyd")

	// Install signal handler & start serving.
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
			return nil
		case <-tasks.Context().Done():
			return nil
		}
	})
	tasks.GoRun()

	// Block until all tasks complete.
	if err = tasks.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}

	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the nxy control plane", `
Serve the nxy admin API and agent session endpoint with the provided
configuration, until signaled to exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
