package main

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-transport-go/pkg/errors"
	"github.com/ajitpratap0/mcp-transport-go/pkg/server"
	"github.com/ajitpratap0/mcp-transport-go/pkg/session"
)

type echoArgs struct {
	Text   string `json:"text" jsonschema:"description=Text to echo back"`
	Repeat int    `json:"repeat,omitempty" jsonschema:"minimum=1,maximum=10"`
}

type greetArgs struct {
	Name string `json:"name"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolResult struct {
	Content []textContent `json:"content"`
}

func registerCapabilities(r *server.Registry, sessions *session.Manager) error {
	echo, err := server.NewTool("echo", "Echo text back, optionally repeated",
		func(_ context.Context, _ *server.Request, args echoArgs) (interface{}, error) {
			n := args.Repeat
			if n == 0 {
				n = 1
			}
			return toolResult{Content: []textContent{{Type: "text", Text: strings.Repeat(args.Text, n)}}}, nil
		})
	if err != nil {
		return err
	}
	if err := r.RegisterTool(echo); err != nil {
		return err
	}

	greetSchema, err := server.SchemaFor[greetArgs]()
	if err != nil {
		return err
	}
	if err := r.RegisterPrompt(server.Capability{
		Name:        "greet",
		Description: "A friendly greeting",
		InputSchema: greetSchema,
		Handler: func(_ context.Context, req *server.Request) (interface{}, error) {
			var args greetArgs
			if err := decodeArgs(req, &args); err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"messages": []map[string]interface{}{{
					"role":    "user",
					"content": textContent{Type: "text", Text: "Say hello to " + args.Name + "."},
				}},
			}, nil
		},
	}); err != nil {
		return err
	}

	return r.RegisterResource(server.Capability{
		Name:        "mcp://server/status",
		Description: "Live session count and server time",
		Handler: func(_ context.Context, req *server.Request) (interface{}, error) {
			status := map[string]interface{}{
				"sessions": sessions.Len(),
				"time":     time.Now().UTC().Format(time.RFC3339),
			}
			if req.Session != nil {
				status["session"] = req.Session.ID()
			}
			return map[string]interface{}{
				"contents": []map[string]interface{}{{"uri": req.Name, "mimeType": "application/json", "data": status}},
			}, nil
		},
	})
}

func decodeArgs(req *server.Request, v interface{}) error {
	if len(req.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Arguments, v); err != nil {
		return mcperrors.InvalidParams(err.Error())
	}
	return nil
}
