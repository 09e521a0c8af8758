package gateway

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// capabilitySet is the discovered remote capability surface. The local
// server advertises exactly this set, never more.
type capabilitySet struct {
	Tools                bool
	ToolsListChanged     bool
	Resources            bool
	ResourcesSubscribe   bool
	ResourcesListChanged bool
	Prompts              bool
	PromptsListChanged   bool
	Logging              bool
}

// discoverCapabilities reduces the remote's declared capabilities to the
// families the gateway can forward.
func discoverCapabilities(caps mcp.ServerCapabilities) capabilitySet {
	set := capabilitySet{}
	if caps.Tools != nil {
		set.Tools = true
		set.ToolsListChanged = caps.Tools.ListChanged
	}
	if caps.Resources != nil {
		set.Resources = true
		set.ResourcesSubscribe = caps.Resources.Subscribe
		set.ResourcesListChanged = caps.Resources.ListChanged
	}
	if caps.Prompts != nil {
		set.Prompts = true
		set.PromptsListChanged = caps.Prompts.ListChanged
	}
	if caps.Logging != nil {
		set.Logging = true
	}
	return set
}

// serverOptions maps the discovered set onto local server options.
func (c capabilitySet) serverOptions() []server.ServerOption {
	var opts []server.ServerOption
	if c.Tools {
		opts = append(opts, server.WithToolCapabilities(c.ToolsListChanged))
	}
	if c.Resources {
		opts = append(opts, server.WithResourceCapabilities(c.ResourcesSubscribe, c.ResourcesListChanged))
	}
	if c.Prompts {
		opts = append(opts, server.WithPromptCapabilities(c.PromptsListChanged))
	}
	if c.Logging {
		opts = append(opts, server.WithLogging())
	}
	return opts
}
