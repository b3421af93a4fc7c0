package protocol

import "encoding/json"

// ProtocolRevision is the MCP revision announced by initialize.
const ProtocolRevision = "2025-06-18"

// Method names routed by the dispatcher.
const (
	MethodInitialize = "initialize"
	MethodPing       = "ping"

	MethodListTools = "tools/list"
	MethodCallTool  = "tools/call"

	MethodListPrompts = "prompts/list"
	MethodGetPrompt   = "prompts/get"

	MethodListResources = "resources/list"
	MethodReadResource  = "resources/read"

	NotificationInitialized = "notifications/initialized"
	NotificationCancelled   = "notifications/cancelled"
	NotificationMessage     = "notifications/message"
)

// Capability groups.
const (
	GroupTools     = "tools"
	GroupPrompts   = "prompts"
	GroupResources = "resources"
)

// Implementation identifies a client or server.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is sent by the client to open the protocol.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ClientInfo      Implementation  `json:"clientInfo"`
}

// ServerCapabilities advertises which groups have registrations.
type ServerCapabilities struct {
	Tools     *struct{} `json:"tools,omitempty"`
	Prompts   *struct{} `json:"prompts,omitempty"`
	Resources *struct{} `json:"resources,omitempty"`
}

// InitializeResult answers initialize.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
}

// Tool describes a registered tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Prompt describes a registered prompt.
type Prompt struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource describes a registered resource.
type Resource struct {
	URI         string `json:"uri"`
	Description string `json:"description,omitempty"`
}

// ListToolsResult answers tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// ListPromptsResult answers prompts/list.
type ListPromptsResult struct {
	Prompts []Prompt `json:"prompts"`
}

// ListResourcesResult answers resources/list.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
}

// CallToolParams addresses a tool by name.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// GetPromptParams addresses a prompt by name.
type GetPromptParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ReadResourceParams addresses a resource by URI.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// CancelledParams is carried by notifications/cancelled.
type CancelledParams struct {
	RequestID *RequestID `json:"requestId"`
	Reason    string     `json:"reason,omitempty"`
}
