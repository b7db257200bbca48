package server

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/nxy-sh/nxy/go/nix"
	"github.com/nxy-sh/nxy/go/store"
)

// Evaluator is the subset of the nix CLI the reconciler drives.
// nix.CLI implements it; tests substitute a stub.
type Evaluator interface {
	FlakeMetadata(ctx context.Context, flakeURL string) (nix.Metadata, json.RawMessage, error)
	ListConfigurations(ctx context.Context, flakeURL string) ([]string, error)
	ConfigStorePath(ctx context.Context, flakeURL, name string) (string, error)
}

// Reconciler turns externally observed flake revisions into per-agent
// work: it refreshes flake metadata, evaluates the configurations each
// revision declares, persists the evaluations, and notifies the Manager so
// assigned agents begin downloading.
type Reconciler struct {
	store   *store.Store
	nix     Evaluator
	manager *Manager
}

// NewReconciler returns a Reconciler evaluating through |ev|.
func NewReconciler(st *store.Store, ev Evaluator, manager *Manager) *Reconciler {
	return &Reconciler{store: st, nix: ev, manager: manager}
}

// RegisterFlake resolves |flakeURL| and persists the flake with its first
// revision. The metadata call doubles as validation of the user-supplied
// URL, so its failure is returned to the caller. Processing of the new
// revision runs as a background task.
func (r *Reconciler) RegisterFlake(ctx context.Context, flakeURL string) (store.Flake, error) {
	var meta, raw, err = r.nix.FlakeMetadata(ctx, flakeURL)
	if err != nil {
		return store.Flake{}, fmt.Errorf("resolving flake %q: %w", flakeURL, err)
	}

	flake, err := r.store.InsertFlake(ctx, flakeURL, meta.Revision, meta.ModifiedTime(), meta.URL, raw)
	if err != nil {
		return store.Flake{}, err
	}

	var revisionID = flake.LatestRevision.FlakeRevisionID
	go func() {
		if err := r.ProcessRevision(context.Background(), revisionID); err != nil {
			log.WithFields(log.Fields{"flake": flakeURL, "err": err}).
				Error("failed to process flake revision")
		}
	}()

	return flake, nil
}

// UpdateFlakes re-fetches metadata of every known flake and processes any
// revision not seen before. A failure aborts only the current flake;
// remaining flakes continue.
func (r *Reconciler) UpdateFlakes(ctx context.Context) error {
	var flakes, err = r.store.ListFlakes(ctx)
	if err != nil {
		return err
	}

	for _, flake := range flakes {
		log.WithField("flake", flake.FlakeURL).Info("updating flake")

		var meta, raw, err = r.nix.FlakeMetadata(ctx, flake.FlakeURL)
		if err != nil {
			log.WithFields(log.Fields{"flake": flake.FlakeURL, "err": err}).
				Warn("failed to refresh flake metadata")
			continue
		}
		if meta.Revision == flake.LatestRevision.Revision {
			continue
		}

		revisionID, err := r.store.InsertRevision(ctx, flake.FlakeID,
			meta.Revision, meta.ModifiedTime(), meta.URL, raw)
		if err != nil {
			log.WithFields(log.Fields{"flake": flake.FlakeURL, "err": err}).
				Warn("failed to persist flake revision")
			continue
		}
		if err = r.ProcessRevision(ctx, revisionID); err != nil {
			log.WithFields(log.Fields{"flake": flake.FlakeURL, "err": err}).
				Warn("failed to process flake revision")
		}
	}
	return nil
}

// ProcessRevision lists the configurations declared at a revision's pinned
// URL and evaluates each to its store path, persisting configurations and
// evaluations as it goes. It is idempotent: re-running for the same
// revision yields the same rows. Configurations are evaluated serially.
func (r *Reconciler) ProcessRevision(ctx context.Context, flakeRevisionID int64) error {
	var flakeID, url, err = r.store.RevisionURL(ctx, flakeRevisionID)
	if err != nil {
		return fmt.Errorf("looking up revision %d: %w", flakeRevisionID, err)
	}

	names, err := r.nix.ListConfigurations(ctx, url)
	if err != nil {
		return fmt.Errorf("listing configurations of %q: %w", url, err)
	}

	for _, name := range names {
		configID, err := r.store.UpsertConfiguration(ctx, flakeID, name)
		if err != nil {
			return err
		}

		storePath, err := r.nix.ConfigStorePath(ctx, url, name)
		if err != nil {
			return fmt.Errorf("evaluating configuration %q: %w", name, err)
		}
		if err = r.store.InsertEvaluation(ctx, flakeRevisionID, configID, storePath); err != nil {
			return err
		}

		if err = r.manager.OnConfigurationUpdate(ctx, configID, flakeRevisionID); err != nil {
			// Dispatch is best-effort; the next heartbeat cycle or admin
			// action retries.
			log.WithFields(log.Fields{"config": name, "err": err}).
				Warn("failed to dispatch configuration update")
		}
	}
	return nil
}
