// Package mcpmgr centralizes the supervision of the backend MCP servers a
// gateway aggregates. Backends are reached over a subprocess pipe, Streamable
// HTTP (with SSE fallback), or an in-process adapter, all behind the
// BackendTransport contract.
//
// # Core entry points
//
//   - Manager is the long-lived registry of sessions. Construct it with
//     NewManager from validated registry descriptors, then StartAll and
//     StopAll.
//   - Session owns one backend. Call forwards a request and waits for the
//     correlated response, relaying progress notifications when asked to.
//     Snapshot exposes the health State and the advertised Capabilities.
//   - ManagerOptions set the client identity, health-check interval, JSON-RPC
//     frame logging, metrics, and the change hooks used to rebuild the
//     gateway catalog.
//
// Each session moves through Starting, Ready, Degraded, and Dead. Failed
// attempts are retried with exponential backoff up to the descriptor's
// MaxRetries; a Dead session stays down until Restart.
package mcpmgr
