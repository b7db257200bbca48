package nix

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// SystemProfilesDir holds the nix system profiles an activation updates.
const SystemProfilesDir = "/nix/var/nix/profiles"

// CopyFromSubstituter downloads |storePath| from the substituter at |from|.
func CopyFromSubstituter(ctx context.Context, from, storePath string) error {
	var _, _, err = run(ctx, "nix", "copy",
		"--substitute-on-destination", "--verbose", "--no-check-sigs",
		"--from", from, storePath)
	return err
}

// SetProfile points the named system profile at |storePath|.
func SetProfile(ctx context.Context, profile, storePath string) error {
	var profileDir = filepath.Join(SystemProfilesDir, profile)
	var _, _, err = run(ctx, "nix-env", "--profile", profileDir, "--set", storePath)
	return err
}

// SwitchToConfiguration runs the activation script shipped inside a system
// store path. Activation may restart the agent process itself.
func SwitchToConfiguration(ctx context.Context, storePath string) error {
	var script = filepath.Join(storePath, "bin", "switch-to-configuration")

	var _, stderr, err = run(ctx, script, "switch")
	if err != nil {
		log.WithFields(log.Fields{"storePath": storePath, "stderr": string(stderr)}).
			Error("failed to switch configuration")
		return fmt.Errorf("switching to %s: %w", storePath, err)
	}
	return nil
}

// IsSystemConfiguration reports whether |storePath| carries the marker file
// identifying a NixOS system configuration.
func IsSystemConfiguration(storePath string) bool {
	var _, err = os.Stat(filepath.Join(storePath, "nixos-version"))
	return err == nil
}
