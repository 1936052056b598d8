package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/lydakis/workerbus/internal/cad"
	"github.com/lydakis/workerbus/internal/workererr"
	"github.com/tidwall/jsonc"
	"github.com/urfave/cli/v2"
)

func documentFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "did", Usage: "document id"},
		&cli.StringFlag{Name: "wvm", Usage: "workspace selector: w, v or m"},
		&cli.StringFlag{Name: "wvmid", Usage: "workspace, version or microversion id"},
		&cli.StringFlag{Name: "eid", Usage: "element id"},
	}
}

func documentFromFlags(c *cli.Context) *cad.Context {
	doc := cad.Context{
		DocumentID:  c.String("did"),
		Workspace:   c.String("wvm"),
		WorkspaceID: c.String("wvmid"),
		ElementID:   c.String("eid"),
	}
	if doc == (cad.Context{}) {
		return nil
	}
	return &doc
}

func cadCommand() *cli.Command {
	return &cli.Command{
		Name:  "cad",
		Usage: "call tools in the CAD worker",
		Subcommands: []*cli.Command{
			{
				Name:   "tools",
				Usage:  "list the worker's tools",
				Flags:  []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "print full tool descriptors"}},
				Action: cadTools,
			},
			{
				Name:      "call",
				Usage:     "call a tool with JSON object arguments (comments allowed, @file reads a file)",
				ArgsUsage: "<tool> [json-args|@file]",
				Flags:     documentFlags(),
				Action:    cadCall,
			},
			{
				Name:   "serve-mcp",
				Usage:  "serve the worker's tools as an MCP server on stdio",
				Flags:  documentFlags(),
				Action: cadServeMCP,
			},
		},
	}
}

func withCAD(c *cli.Context, fn func(client *cad.Client) error) error {
	rt, err := loadRuntime(c)
	if err != nil {
		return err
	}
	defer rt.log.Sync() //nolint:errcheck

	client, err := rt.cad()
	if err != nil {
		return err
	}
	defer client.Shutdown()

	if err := client.Use(c.Context, cad.Credentials{}, documentFromFlags(c)); err != nil {
		return err
	}
	return fn(client)
}

func cadTools(c *cli.Context) error {
	return withCAD(c, func(client *cad.Client) error {
		tools, err := client.ListTools(c.Context)
		if err != nil {
			return err
		}
		if c.Bool("json") {
			enc := json.NewEncoder(rootStdout)
			enc.SetIndent("", "  ")
			return enc.Encode(tools)
		}
		for _, tool := range tools {
			fmt.Fprintf(rootStdout, "%s\t%s\n", tool.Name, firstLine(tool.Description))
		}
		return nil
	})
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func cadCall(c *cli.Context) error {
	if c.NArg() < 1 || c.NArg() > 2 {
		return usageErrorf("cad call: want <tool> [json-args|@file]")
	}
	name := c.Args().Get(0)
	args, err := parseToolArguments(c.Args().Get(1))
	if err != nil {
		return err
	}

	return withCAD(c, func(client *cad.Client) error {
		result, err := client.CallTool(c.Context, name, args)
		if result == nil {
			return err
		}

		out, code := cad.RenderResult(result)
		if code == workererr.ExitOK {
			rootStdout.Write(out) //nolint:errcheck
		} else {
			rootStderr.Write(out) //nolint:errcheck
		}
		var toolErr *workererr.ToolError
		if err != nil && !errors.As(err, &toolErr) {
			return err
		}
		if code != workererr.ExitOK {
			return exitStatus(code)
		}
		return nil
	})
}

// parseToolArguments decodes a JSON object that may carry comments and
// trailing commas. A leading @ names a file holding the object.
func parseToolArguments(raw string) (map[string]any, error) {
	args := map[string]any{}
	if raw == "" {
		return args, nil
	}
	data := []byte(raw)
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, usageErrorf("cad call: reading arguments: %v", err)
		}
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &args); err != nil {
		return nil, usageErrorf("cad call: arguments must be a JSON object: %v", err)
	}
	return args, nil
}

func cadServeMCP(c *cli.Context) error {
	return withCAD(c, func(client *cad.Client) error {
		bridge, err := cad.NewBridge(c.Context, client, buildVersion)
		if err != nil {
			return err
		}
		return bridge.ServeStdio()
	})
}
