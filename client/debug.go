package client

import (
	"encoding/json"
	"fmt"
)

// GetDebugInfo returns a snapshot of client state for debugging.
func (c *Client) GetDebugInfo() map[string]interface{} {
	info := map[string]interface{}{
		"version": Version,
		"closed":  c.closed.Load(),
		"hooks":   c.GetHooks(),
	}

	stats := c.pools.Metrics()
	pools := map[string]interface{}{
		"connectionsCreated": stats.ConnectionsCreated,
		"connectionsActive":  stats.ConnectionsActive,
		"connectionsIdle":    stats.ConnectionsIdle,
		"hits":               stats.Hits,
		"misses":             stats.Misses,
		"exhausted":          stats.Exhausted,
		"errors":             stats.Errors,
	}
	if stats.LastError != nil {
		pools["lastError"] = stats.LastError.Error()
		pools["lastErrorTime"] = stats.LastErrorTime.Format("2006-01-02T15:04:05.000Z07:00")
	}
	info["pools"] = pools

	if c.mux != nil {
		buffers := c.mux.Buffers()
		info["pipeline"] = map[string]interface{}{
			"eventLoops":     c.loops.Size(),
			"openConns":      c.mux.OpenConns(),
			"sendBufferSize": buffers.Send,
			"recvBufferSize": buffers.Recv,
		}
	}

	info["options"] = map[string]interface{}{
		"connectTimeout":       c.opts.ConnectTimeout.String(),
		"maxConnsPerNode":      c.opts.MaxConnsPerNode,
		"idleTimeout":          c.opts.IdleTimeout.String(),
		"workerPoolSize":       c.workers.Size(),
		"pipelineConnsPerNode": c.opts.PipelineConnsPerNode,
		"tlsEnabled":           c.opts.TLSEnabled,
		"totalTimeout":         c.opts.Policy.TotalTimeout.String(),
		"socketTimeout":        c.opts.Policy.SocketTimeout.String(),
		"maxRetries":           c.opts.Policy.MaxRetries,
		"replica":              c.opts.Policy.Replica.String(),
	}

	return info
}

// DumpDebugInfoJSON returns debug info as formatted JSON string.
func (c *Client) DumpDebugInfoJSON() string {
	info := c.GetDebugInfo()
	bytes, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": "failed to marshal debug info: %s"}`, err.Error())
	}
	return string(bytes)
}
