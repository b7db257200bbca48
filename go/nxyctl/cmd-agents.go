package main

import (
	"fmt"
)

type agentListing struct {
	ID            string  `json:"id"`
	CurrentSystem *string `json:"current_system"`
}

type cmdAgentsList struct {
	clientConfig
}

func (cmd cmdAgentsList) Execute(_ []string) error {
	cmd.init()

	var agents []agentListing
	if err := cmd.get("/api/v1/agent", &agents); err != nil {
		return err
	}

	if cmd.Format == "json" {
		return renderJSON(agents)
	}
	var rows [][]string
	for _, a := range agents {
		var system = "-"
		if a.CurrentSystem != nil {
			system = *a.CurrentSystem
		}
		rows = append(rows, []string{a.ID, system})
	}
	renderTable([]string{"ID", "CURRENT SYSTEM"}, rows)
	return nil
}

type cmdAgentsAssign struct {
	clientConfig
	Args struct {
		AgentID  string `positional-arg-name:"AGENT_ID" required:"true" description:"Agent id"`
		ConfigID int64  `positional-arg-name:"CONFIG_ID" required:"true" description:"Configuration id"`
	} `positional-args:"true"`
}

func (cmd cmdAgentsAssign) Execute(_ []string) error {
	cmd.init()

	var body = struct {
		ConfigID int64 `json:"config_id"`
	}{cmd.Args.ConfigID}

	if err := cmd.post("POST", "/api/v1/agent/"+cmd.Args.AgentID, body, nil); err != nil {
		return err
	}
	fmt.Printf("assigned configuration %d to agent %s\n", cmd.Args.ConfigID, cmd.Args.AgentID)
	return nil
}

type storePathArgs struct {
	AgentID   string `positional-arg-name:"AGENT_ID" required:"true" description:"Agent id"`
	StorePath string `positional-arg-name:"STORE_PATH" required:"true" description:"Nix store path"`
}

type cmdAgentsDownload struct {
	clientConfig
	Args storePathArgs `positional-args:"true"`
}

func (cmd cmdAgentsDownload) Execute(_ []string) error {
	cmd.init()

	var body = struct {
		StorePath string `json:"store_path"`
	}{cmd.Args.StorePath}

	if err := cmd.post("POST", "/api/v1/agent/"+cmd.Args.AgentID+"/download", body, nil); err != nil {
		return err
	}
	fmt.Printf("agent %s downloaded %s\n", cmd.Args.AgentID, cmd.Args.StorePath)
	return nil
}

type cmdAgentsActivate struct {
	clientConfig
	Args storePathArgs `positional-args:"true"`
}

func (cmd cmdAgentsActivate) Execute(_ []string) error {
	cmd.init()

	var body = struct {
		StorePath string `json:"store_path"`
	}{cmd.Args.StorePath}

	if err := cmd.post("POST", "/api/v1/agent/"+cmd.Args.AgentID+"/activate", body, nil); err != nil {
		return err
	}
	fmt.Printf("agent %s activated %s\n", cmd.Args.AgentID, cmd.Args.StorePath)
	return nil
}
