package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nxy-sh/nxy/go/rpc"
)

func testHandler(t *testing.T) *Handler {
	t.Helper()

	var dir = t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "store", "AAA-alpha"), 0o755))
	require.NoError(t, os.Symlink(
		filepath.Join(dir, "store", "AAA-alpha"), filepath.Join(dir, "current-system")))
	require.NoError(t, os.Symlink(
		filepath.Join(dir, "store", "AAA-alpha"), filepath.Join(dir, "booted-system")))

	var h = NewHandler(State{ID: uuid.New()})
	h.currentSystemLink = filepath.Join(dir, "current-system")
	h.bootedSystemLink = filepath.Join(dir, "booted-system")
	return h
}

func mustRequest(t *testing.T, id uint64, method string, params interface{}) *rpc.Message {
	t.Helper()
	var req, err = rpc.NewRequest(id, method, params)
	require.NoError(t, err)
	return req
}

func TestHandlerPing(t *testing.T) {
	var h = testHandler(t)
	var resp = h.Handle(context.Background(), mustRequest(t, 1, "$/ping", nil))

	require.True(t, resp.IsResponse())
	require.Equal(t, uint64(1), *resp.ID)
	require.Equal(t, json.RawMessage(`"pong"`), resp.Result)
}

func TestHandlerStatus(t *testing.T) {
	var h = testHandler(t)
	var resp = h.Handle(context.Background(), mustRequest(t, 2, "$/status", nil))
	require.Nil(t, resp.Error)

	var status Status
	require.NoError(t, json.Unmarshal(resp.Result, &status))
	require.Equal(t, h.state.ID, status.ID)
	require.Contains(t, status.System.Current, "AAA-alpha")
	require.Contains(t, status.System.Booted, "AAA-alpha")
	require.Equal(t, Version, status.Version)
}

func TestHandlerStatusSurfacesReadFailure(t *testing.T) {
	var h = testHandler(t)
	h.currentSystemLink = "/does/not/exist"

	var resp = h.Handle(context.Background(), mustRequest(t, 3, "$/status", nil))
	require.NotNil(t, resp.Error)
	require.Equal(t, rpc.CodeInternalError, resp.Error.Code)
}

func TestHandlerDownload(t *testing.T) {
	var h = testHandler(t)

	var gotFrom, gotPath string
	h.copy = func(ctx context.Context, from, storePath string) error {
		gotFrom, gotPath = from, storePath
		return nil
	}

	var resp = h.Handle(context.Background(), mustRequest(t, 4, "$/download",
		DownloadParams{StorePath: "/nix/store/AAA-alpha", From: "http://server:8080"}))
	require.Nil(t, resp.Error)
	require.Equal(t, "http://server:8080", gotFrom)
	require.Equal(t, "/nix/store/AAA-alpha", gotPath)

	// A failed copy surfaces as InternalError with the stderr summary.
	h.copy = func(context.Context, string, string) error {
		return fmt.Errorf("error: cannot substitute path")
	}
	resp = h.Handle(context.Background(), mustRequest(t, 5, "$/download",
		DownloadParams{StorePath: "/nix/store/AAA-alpha", From: "http://server:8080"}))
	require.NotNil(t, resp.Error)
	require.Equal(t, rpc.CodeInternalError, resp.Error.Code)
	require.Contains(t, resp.Error.Message, "cannot substitute")
}

func TestHandlerActivate(t *testing.T) {
	var h = testHandler(t)

	var setPath, switchedPath string
	h.isSystem = func(string) bool { return true }
	h.setProfile = func(ctx context.Context, profile, storePath string) error {
		require.Equal(t, "system", profile)
		setPath = storePath
		return nil
	}
	h.switchTo = func(ctx context.Context, storePath string) error {
		switchedPath = storePath
		return nil
	}

	var resp = h.Handle(context.Background(), mustRequest(t, 6, "$/activate",
		ActivateParams{StorePath: "/nix/store/AAA-alpha"}))
	require.Nil(t, resp.Error)
	require.Equal(t, "/nix/store/AAA-alpha", setPath)
	require.Equal(t, "/nix/store/AAA-alpha", switchedPath)
}

func TestHandlerActivateRefusesNonSystemPath(t *testing.T) {
	var h = testHandler(t)
	h.isSystem = func(string) bool { return false }
	h.setProfile = func(context.Context, string, string) error {
		t.Fatal("must not set profile for a non-system path")
		return nil
	}

	var resp = h.Handle(context.Background(), mustRequest(t, 7, "$/activate",
		ActivateParams{StorePath: "/nix/store/BBB-not-a-system"}))
	require.NotNil(t, resp.Error)
	require.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)
}

func TestHandlerUnknownMethod(t *testing.T) {
	var h = testHandler(t)
	var resp = h.Handle(context.Background(), mustRequest(t, 8, "$/explode", nil))

	require.NotNil(t, resp.Error)
	require.Equal(t, rpc.CodeMethodNotFound, resp.Error.Code)
}
