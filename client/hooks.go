package client

import (
	"context"
	"time"

	"github.com/dan-strohschein/clusterbatch/batch"
	"github.com/dan-strohschein/clusterbatch/logging"
)

// Batch operation names reported to hooks and metrics.
const (
	OpRead       = "read"
	OpReadAsync  = "read_async"
	OpGet        = "get"
	OpGetBins    = "get_bins"
	OpGetObjects = "get_objects"
	OpExists     = "exists"
	OpGetStream  = "get_stream"
)

// HookContext contains information about the batch call being executed.
// This is passed to hooks to allow inspection.
type HookContext struct {
	// Operation names the client method (OpRead, OpGet, ...)
	Operation string

	// Records is the number of keys or records in the call
	Records int

	// Policy is the batch policy the call runs with
	Policy *batch.Policy

	// StartTime is when the call began
	StartTime time.Time

	// Metadata allows hooks to store arbitrary data for passing between Before/After
	Metadata map[string]interface{}

	// TraceID is the unique identifier for this call
	TraceID string

	// Error stores any error that occurred (available in After hook)
	Error error

	// Duration is the execution time (available in After hook)
	Duration time.Duration
}

// Hook is the interface that all hooks must implement.
// Hooks can inspect or abort batch calls.
type Hook interface {
	// Name returns the unique name of this hook
	Name() string

	// Before is called before the call executes.
	// Returning an error aborts the call and returns the error.
	Before(ctx context.Context, hookCtx *HookContext) error

	// After is called after the call completed (even if it failed).
	// Returning an error replaces any existing error.
	After(ctx context.Context, hookCtx *HookContext) error
}

// hookEntry wraps a Hook with its registration order for stable iteration.
type hookEntry struct {
	hook  Hook
	order int
}

// RegisterHook adds a hook to the client's hook chain.
// Hooks are executed in FIFO order (first registered, first executed).
// If a hook with the same name already exists, it is replaced.
func (c *Client) RegisterHook(hook Hook) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()

	for i, entry := range c.hooks {
		if entry.hook.Name() == hook.Name() {
			c.hooks[i].hook = hook
			c.logger.Info("hook replaced", logging.String("hook", hook.Name()))
			return
		}
	}

	order := len(c.hooks)
	c.hooks = append(c.hooks, hookEntry{hook: hook, order: order})
	c.logger.Info("hook registered", logging.String("hook", hook.Name()), logging.Int("order", order))
}

// UnregisterHook removes a hook by name.
// Returns true if the hook was found and removed, false otherwise.
func (c *Client) UnregisterHook(name string) bool {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()

	for i, entry := range c.hooks {
		if entry.hook.Name() == name {
			c.hooks = append(c.hooks[:i], c.hooks[i+1:]...)
			c.logger.Info("hook unregistered", logging.String("hook", name))
			return true
		}
	}

	return false
}

// GetHooks returns the names of all registered hooks in execution order.
func (c *Client) GetHooks() []string {
	c.hooksMu.RLock()
	defer c.hooksMu.RUnlock()

	names := make([]string, len(c.hooks))
	for i, entry := range c.hooks {
		names[i] = entry.hook.Name()
	}
	return names
}

func (c *Client) snapshotHooks() []Hook {
	c.hooksMu.RLock()
	defer c.hooksMu.RUnlock()

	hooks := make([]Hook, len(c.hooks))
	for i, entry := range c.hooks {
		hooks[i] = entry.hook
	}
	return hooks
}

// executeBeforeHooks runs all Before hooks in order.
// If any hook returns an error, execution stops and the error is returned.
func (c *Client) executeBeforeHooks(ctx context.Context, hookCtx *HookContext) error {
	for _, hook := range c.snapshotHooks() {
		if err := hook.Before(ctx, hookCtx); err != nil {
			c.logger.Debug("hook aborted batch call",
				logging.String("hook", hook.Name()),
				logging.String("operation", hookCtx.Operation),
				logging.Error("error", err))
			return err
		}
	}

	return nil
}

// executeAfterHooks runs all After hooks in order.
// All hooks are executed even if one returns an error.
// The last error returned (if any) is returned.
func (c *Client) executeAfterHooks(ctx context.Context, hookCtx *HookContext) error {
	var lastErr error
	for _, hook := range c.snapshotHooks() {
		if err := hook.After(ctx, hookCtx); err != nil {
			c.logger.Debug("hook returned error in After",
				logging.String("hook", hook.Name()),
				logging.String("operation", hookCtx.Operation),
				logging.Error("error", err))
			lastErr = err
		}
	}

	return lastErr
}
