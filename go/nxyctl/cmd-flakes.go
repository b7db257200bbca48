package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/nxy-sh/nxy/go/store"
)

type cmdFlakesList struct {
	clientConfig
}

func (cmd cmdFlakesList) Execute(_ []string) error {
	cmd.init()

	var flakes []store.Flake
	if err := cmd.get("/api/v1/flake", &flakes); err != nil {
		return err
	}

	if cmd.Format == "json" {
		return renderJSON(flakes)
	}
	var rows [][]string
	for _, f := range flakes {
		var revision, modified = "-", "-"
		if f.LatestRevision != nil {
			revision = f.LatestRevision.Revision
			modified = f.LatestRevision.LastModified.Format(time.RFC3339)
		}
		rows = append(rows, []string{
			strconv.FormatInt(f.FlakeID, 10), f.FlakeURL, revision, modified})
	}
	renderTable([]string{"ID", "URL", "REVISION", "LAST MODIFIED"}, rows)
	return nil
}

type cmdFlakesAdd struct {
	clientConfig
	Args struct {
		FlakeURL string `positional-arg-name:"FLAKE_URL" required:"true" description:"Flake URL, e.g. github:owner/repo"`
	} `positional-args:"true"`
}

func (cmd cmdFlakesAdd) Execute(_ []string) error {
	cmd.init()

	var body = struct {
		Flake struct {
			FlakeURL string `json:"flake_url"`
		} `json:"flake"`
	}{}
	body.Flake.FlakeURL = cmd.Args.FlakeURL

	var created struct {
		Flake store.Flake `json:"flake"`
	}
	if err := cmd.post("POST", "/api/v1/flake", body, &created); err != nil {
		return err
	}

	if cmd.Format == "json" {
		return renderJSON(created.Flake)
	}
	fmt.Printf("registered flake %s at revision %s\n",
		created.Flake.FlakeURL, created.Flake.LatestRevision.Revision)
	return nil
}

type cmdFlakesUpdate struct {
	clientConfig
}

func (cmd cmdFlakesUpdate) Execute(_ []string) error {
	cmd.init()

	if err := cmd.post("PUT", "/api/v1/flake", nil, nil); err != nil {
		return err
	}
	fmt.Println("flakes updated")
	return nil
}
