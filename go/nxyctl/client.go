package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	mbp "go.gazette.dev/core/mainboilerplate"
)

// clientConfig is shared by every nxyctl command.
type clientConfig struct {
	Server string        `long:"server" env:"NXY_SERVER" default:"http://localhost:8080" description:"URL of the nxyd server"`
	Format string        `long:"format" choice:"table" choice:"json" default:"table" description:"Output format"`
	Log    mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (c clientConfig) init() { mbp.InitLog(c.Log) }

// apiError is the body of a non-2xx admin API response.
type apiError struct {
	Error string `json:"error"`
}

// get fetches |path| and decodes the JSON response into |out|.
func (c clientConfig) get(path string, out interface{}) error {
	var resp, err = http.Get(c.Server + path)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

// post sends |body| as JSON to |path| and decodes the response into |out|,
// which may be nil.
func (c clientConfig) post(method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, c.Server+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("server: %s", apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var header = color.New(color.Bold).SprintFunc()

// renderTable writes a tab-aligned table with a bold header row.
func renderTable(columns []string, rows [][]string) {
	var tw = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for i, col := range columns {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, header(col))
	}
	fmt.Fprintln(tw)

	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, cell)
		}
		fmt.Fprintln(tw)
	}
	tw.Flush()
}

// renderJSON pretty-prints |v| to stdout.
func renderJSON(v interface{}) error {
	var enc = json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
