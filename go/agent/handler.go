package agent

import (
	"context"
	"encoding/json"
	"os"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/nxy-sh/nxy/go/nix"
	"github.com/nxy-sh/nxy/go/rpc"
)

// Version identifies the agent build in $/status replies.
// Overridden at link time via -ldflags="-X ...agent.Version=...".
var Version = "0.1.0-dev"

// Status is the reply of $/status.
type Status struct {
	ID      uuid.UUID `json:"id"`
	System  System    `json:"system"`
	Version string    `json:"version"`
}

// System reports the store paths of the running and booted systems.
type System struct {
	Current string `json:"current"`
	Booted  string `json:"booted"`
}

// DownloadParams are the parameters of $/download.
type DownloadParams struct {
	StorePath string `json:"store_path"`
	From      string `json:"from"`
}

// ActivateParams are the parameters of $/activate.
type ActivateParams struct {
	StorePath string `json:"store_path"`
}

// Handler answers the server's verbs. All verbs run privileged local
// operations; the handler runs them synchronously on the session's inbound
// pump, one request at a time.
type Handler struct {
	state State

	// Overridable for tests.
	currentSystemLink string
	bootedSystemLink  string
	copy              func(ctx context.Context, from, storePath string) error
	setProfile        func(ctx context.Context, profile, storePath string) error
	switchTo          func(ctx context.Context, storePath string) error
	isSystem          func(storePath string) bool
}

// NewHandler returns a Handler answering for the identity in |state|.
func NewHandler(state State) *Handler {
	return &Handler{
		state:             state,
		currentSystemLink: "/run/current-system",
		bootedSystemLink:  "/run/booted-system",
		copy:              nix.CopyFromSubstituter,
		setProfile:        nix.SetProfile,
		switchTo:          nix.SwitchToConfiguration,
		isSystem:          nix.IsSystemConfiguration,
	}
}

// Handle dispatches one inbound request to its verb.
func (h *Handler) Handle(ctx context.Context, req *rpc.Message) *rpc.Message {
	log.WithFields(log.Fields{"id": *req.ID, "method": req.Method}).Debug("processing request")

	switch req.Method {
	case "$/ping":
		return rpc.NewResponse(*req.ID, "pong")
	case "$/status":
		return h.status(req)
	case "$/download":
		return h.download(ctx, req)
	case "$/activate":
		return h.activate(ctx, req)
	default:
		return rpc.NewErrorResponse(*req.ID, rpc.CodeMethodNotFound,
			"unknown method "+req.Method)
	}
}

func (h *Handler) status(req *rpc.Message) *rpc.Message {
	var current, err = os.Readlink(h.currentSystemLink)
	if err != nil {
		return rpc.NewErrorResponse(*req.ID, rpc.CodeInternalError, err.Error())
	}
	booted, err := os.Readlink(h.bootedSystemLink)
	if err != nil {
		return rpc.NewErrorResponse(*req.ID, rpc.CodeInternalError, err.Error())
	}

	return rpc.NewResponse(*req.ID, Status{
		ID:      h.state.ID,
		System:  System{Current: current, Booted: booted},
		Version: Version,
	})
}

func (h *Handler) download(ctx context.Context, req *rpc.Message) *rpc.Message {
	var params DownloadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpc.NewErrorResponse(*req.ID, rpc.CodeInvalidParams, err.Error())
	}
	log.WithFields(log.Fields{"storePath": params.StorePath, "from": params.From}).
		Info("downloading store path")

	if err := h.copy(ctx, params.From, params.StorePath); err != nil {
		return rpc.NewErrorResponse(*req.ID, rpc.CodeInternalError, err.Error())
	}
	return rpc.NewResponse(*req.ID, nil)
}

func (h *Handler) activate(ctx context.Context, req *rpc.Message) *rpc.Message {
	var params ActivateParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpc.NewErrorResponse(*req.ID, rpc.CodeInvalidParams, err.Error())
	}

	if !h.isSystem(params.StorePath) {
		return rpc.NewErrorResponse(*req.ID, rpc.CodeInvalidParams,
			"store path is not a NixOS system configuration")
	}

	log.WithField("storePath", params.StorePath).Info("activating configuration")

	if err := h.setProfile(ctx, "system", params.StorePath); err != nil {
		return rpc.NewErrorResponse(*req.ID, rpc.CodeInternalError, err.Error())
	}
	// Activation may restart this process before the response is written;
	// the server observes that as a dropped session.
	if err := h.switchTo(ctx, params.StorePath); err != nil {
		return rpc.NewErrorResponse(*req.ID, rpc.CodeInternalError, err.Error())
	}
	return rpc.NewResponse(*req.ID, nil)
}
