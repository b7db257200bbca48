package main

import (
	"strconv"

	"github.com/nxy-sh/nxy/go/store"
)

type cmdConfigsList struct {
	clientConfig
}

func (cmd cmdConfigsList) Execute(_ []string) error {
	cmd.init()

	var configs []store.Configuration
	if err := cmd.get("/api/v1/configuration", &configs); err != nil {
		return err
	}

	if cmd.Format == "json" {
		return renderJSON(configs)
	}
	var rows [][]string
	for _, c := range configs {
		rows = append(rows, []string{
			strconv.FormatInt(c.ID, 10), c.Name, c.FlakeURL})
	}
	renderTable([]string{"ID", "NAME", "FLAKE"}, rows)
	return nil
}
