// Package mcpgateway fronts a set of backend MCP servers with a single MCP
// server. Clients connect over Streamable HTTP or stdio and see the union of
// every Ready backend's tools, prompts, and resources under namespaced names;
// calls are routed to the owning backend by the router package.
//
// The exposed capability set follows backend health: whenever a backend's
// state or capabilities change, the catalog is rebuilt and the server's
// registrations are brought in line with it, which in turn emits the
// list_changed notifications to connected clients.
//
// An optional admin listener serves /health, /metrics, /backends, and the
// restart and shutdown actions.
package mcpgateway
