package client

import (
	"context"
	"encoding/json"
)

// Tool is one named capability an agent can invoke locally.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// Toolkit is a read-only collection of tools.
type Toolkit interface {
	Tool(name string) (Tool, bool)
}

// PlatformContext aggregates the capability handles a handler receives.
// Concrete implementations are chosen at construction: real HTTP clients in
// production, in-process fakes in tests.
type PlatformContext struct {
	Bus      Bus
	Registry Registry
	Memory   Memory
	Toolkit  Toolkit
}

// StaticToolkit is a fixed tool map.
type StaticToolkit map[string]Tool

// Tool looks a tool up by name.
func (t StaticToolkit) Tool(name string) (Tool, bool) {
	tool, ok := t[name]
	return tool, ok
}
