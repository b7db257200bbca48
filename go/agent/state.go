// Package agent implements the nxy agent: a durable identity, the handler
// of server-issued verbs, and the connect loop which keeps one session to
// the server alive.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// State is the agent's durable identity, persisted as state.json in the
// agent's state directory. It is generated once on first launch and read
// thereafter.
type State struct {
	ID uuid.UUID `json:"id"`
}

// LoadState reads the identity from |stateDir|, generating and persisting a
// fresh one if no state file exists yet.
func LoadState(stateDir string) (State, error) {
	var path = filepath.Join(stateDir, "state.json")

	var data, err = os.ReadFile(path)
	if err == nil {
		var state State
		if err = json.Unmarshal(data, &state); err != nil {
			return State{}, fmt.Errorf("parsing %s: %w", path, err)
		}
		log.WithFields(log.Fields{"file": path, "id": state.ID}).Info("loaded state")
		return state, nil
	} else if !os.IsNotExist(err) {
		return State{}, fmt.Errorf("reading %s: %w", path, err)
	}

	if err = os.MkdirAll(stateDir, 0o755); err != nil {
		return State{}, fmt.Errorf("creating state directory: %w", err)
	}

	var state = State{ID: uuid.New()}
	if data, err = json.MarshalIndent(state, "", "  "); err != nil {
		panic(err) // Marshal cannot fail.
	}
	if err = os.WriteFile(path, data, 0o600); err != nil {
		return State{}, fmt.Errorf("writing %s: %w", path, err)
	}
	log.WithFields(log.Fields{"file": path, "id": state.ID}).Info("created new state file")
	return state, nil
}
