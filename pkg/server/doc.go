// Package server routes MCP requests to registered capabilities.
//
// Capabilities are registered up front on a Registry and frozen into a
// Snapshot. A Dispatcher answers each request from the snapshot and a Server
// pumps messages between a transport and the dispatcher.
//
// # Registering capabilities
//
//	reg := server.NewRegistry(server.WithDuplicatePolicy(server.DuplicateReject))
//
//	type echoArgs struct {
//	    Text string `json:"text" jsonschema:"required"`
//	}
//	echo, err := server.NewTool("echo", "Echo the text back",
//	    func(ctx context.Context, req *server.Request, args echoArgs) (interface{}, error) {
//	        return map[string]string{"text": args.Text}, nil
//	    })
//	if err != nil {
//	    return err
//	}
//	if err := reg.RegisterTool(echo); err != nil {
//	    return err
//	}
//
// # Serving
//
//	d := server.NewDispatcher(reg.Snapshot(), server.WithHandlerTimeout(30*time.Second))
//	srv := server.NewServer(d, server.WithLogger(logger))
//	err := srv.Serve(ctx, t)
//
// Handler errors are reported as Internal Error unless the handler returns an
// MCPError, which is sent as is. A panicking handler also yields Internal
// Error. Requests that run past their deadline are answered with Operation
// Timeout and cancelled ones with Operation Cancelled.
package server
