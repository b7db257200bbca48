// Package nix shells out to the nix command line tools. The server side
// queries flake metadata and evaluates configurations; the agent side
// downloads store paths and activates system profiles.
package nix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Swappable for tests.
var execCommand = exec.CommandContext

// Metadata is the parsed subset of `nix flake metadata --json`.
type Metadata struct {
	Revision     string `json:"revision"`
	LastModified int64  `json:"lastModified"`
	URL          string `json:"url"`
}

// ModifiedTime returns the revision's last-modified instant.
func (m Metadata) ModifiedTime() time.Time { return time.Unix(m.LastModified, 0).UTC() }

// CLI invokes nix subprocesses. The zero value is ready to use.
type CLI struct{}

// FlakeMetadata resolves |flakeURL| via `nix flake metadata`, returning the
// parsed metadata along with the raw JSON document.
func (CLI) FlakeMetadata(ctx context.Context, flakeURL string) (Metadata, json.RawMessage, error) {
	var raw json.RawMessage
	if err := jsonOutput(ctx, &raw, "nix", "flake", "metadata", "--json", flakeURL); err != nil {
		return Metadata{}, nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, nil, fmt.Errorf("parsing flake metadata: %w", err)
	}
	return meta, raw, nil
}

// ListConfigurations returns the names of all nixosConfigurations declared
// at |flakeURL|.
func (CLI) ListConfigurations(ctx context.Context, flakeURL string) ([]string, error) {
	var names []string
	var err = jsonOutput(ctx, &names, "nix",
		"eval", "--json", flakeURL+"#nixosConfigurations", "--apply", "builtins.attrNames")
	return names, err
}

// ConfigStorePath evaluates the toplevel derivation of one configuration
// and returns its store path.
func (CLI) ConfigStorePath(ctx context.Context, flakeURL, name string) (string, error) {
	log.WithFields(log.Fields{"flake": flakeURL, "name": name}).Info("evaluating configuration")

	var infos []struct {
		Path string `json:"path"`
	}
	var err = jsonOutput(ctx, &infos, "nix", "path-info", "--json",
		fmt.Sprintf("%s#nixosConfigurations.%s.config.system.build.toplevel", flakeURL, name))
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", fmt.Errorf("nix path-info returned no paths for %q", name)
	}
	return infos[len(infos)-1].Path, nil
}

// jsonOutput runs a command and unmarshals its stdout into |out|. A
// non-zero exit is an error carrying a stderr summary.
func jsonOutput(ctx context.Context, out interface{}, name string, args ...string) error {
	var stdout, _, err = run(ctx, name, args...)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(stdout, out); err != nil {
		return fmt.Errorf("parsing %s output: %w", name, err)
	}
	return nil
}

func run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error) {
	var cmd = execCommand(ctx, name, args...)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err = cmd.Run(); err != nil {
		return outBuf.Bytes(), errBuf.Bytes(),
			fmt.Errorf("%s %s: %s", name, args[0], summarize(errBuf.Bytes(), err))
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

// summarize reduces a subprocess stderr to a single-line error message.
func summarize(stderr []byte, cause error) string {
	var trimmed = strings.TrimSpace(string(stderr))
	if trimmed == "" {
		return cause.Error()
	}
	var lines = strings.Split(trimmed, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
