package batch

import (
	"context"
	"errors"
	"time"

	"github.com/dan-strohschein/clusterbatch/cluster"
	"github.com/dan-strohschein/clusterbatch/logging"
	"github.com/dan-strohschein/clusterbatch/protocol"
	"github.com/dan-strohschein/clusterbatch/transport"
)

// command executes one node group synchronously, retrying on the same node or
// splitting the group across other nodes.
type command struct {
	exec  *execution
	slot  *errorSlot
	group *NodeGroup

	iteration     int
	master        bool
	masterSC      bool
	socketTimeout time.Duration
	deadline      time.Time

	// req is the encoded request, held until the command's outcome is final.
	req *protocol.Buffer
}

// newCommand creates the command for g. Commands created by a split retry
// carry on with the parent's retry state and deadline.
func newCommand(e *execution, slot *errorSlot, g *NodeGroup, parent *command) *command {
	c := &command{exec: e, slot: slot, group: g}
	if parent != nil {
		c.iteration = parent.iteration
		c.master = parent.master
		c.masterSC = parent.masterSC
		c.socketTimeout = parent.socketTimeout
		c.deadline = parent.deadline
		return c
	}

	c.master = true
	c.masterSC = true
	c.socketTimeout, _ = e.policy.timeouts()
	c.deadline = e.deadline
	return c
}

// run executes the command and gives records it left unanswered the error's
// result code.
func (c *command) run(ctx context.Context) error {
	err := c.execute(ctx)
	if err != nil {
		c.exec.x.observer.CommandFailed(c.group.Node.Name, err)
		c.exec.markPending(c.group.Offsets, err)
	}
	return err
}

func (c *command) execute(ctx context.Context) error {
	e := c.exec
	x := e.x
	node := c.group.Node

	req, err := protocol.EncodeBatch(e.records, c.group.Offsets, e.opts, e.policy.Compress)
	if err != nil {
		return err
	}
	c.req = req
	defer c.releaseRequest()

	for {
		if err = ctx.Err(); err != nil {
			return protocol.ClientAbortError().WithDetail("cause", err.Error())
		}

		err = c.attempt(ctx, c.req.B)
		if err == nil {
			return nil
		}
		if !protocol.IsRetryable(err) {
			return err
		}

		c.iteration++
		if c.iteration > e.policy.MaxRetries {
			return err
		}
		if !c.deadline.IsZero() {
			remaining := c.deadline.Sub(x.clock.Now()) - e.policy.SleepBetweenRetries
			if remaining <= 0 {
				return err
			}
		}
		if serr := c.sleep(ctx); serr != nil {
			return err
		}

		x.observer.Retry(node.Name, c.iteration)
		e.logger.Debug("retrying batch command",
			logging.String("node", node.Name),
			logging.Int("iteration", c.iteration),
			logging.Error("error", err),
		)

		if e.policy.Replica != cluster.ReplicaMaster {
			c.master = !c.master
		}

		groups, perr := c.splitGroups(err)
		if perr != nil {
			return perr
		}
		if groups != nil {
			// Split commands encode their own requests.
			c.releaseRequest()
			return e.dispatch(ctx, groups, c)
		}
	}
}

func (c *command) releaseRequest() {
	c.req.Release()
	c.req = nil
}

// attempt sends the request once and reads the whole response.
func (c *command) attempt(ctx context.Context, req []byte) error {
	e := c.exec
	x := e.x
	node := c.group.Node

	conn, err := x.conns.Get(ctx, node)
	if err != nil {
		return err
	}
	x.observer.CommandIssued(node.Name)

	err = conn.Write(req, c.socketTimeout, c.deadline)
	if err == nil {
		err = transport.ReadBatchResponse(conn, c.socketTimeout, c.deadline, len(e.records), e.policy.Deserialize, e.sink)
	}

	// A failed response may leave unread bytes on the socket.
	x.conns.Put(node, conn, err == nil)
	return err
}

func (c *command) sleep(ctx context.Context) error {
	d := c.exec.policy.SleepBetweenRetries
	if d <= 0 {
		return nil
	}
	t := c.exec.x.clock.NewTimer(d, "batch", "sleep")
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// splitGroups re-plans the group's offsets with retry routing. It returns no
// groups when the ordinary same-node retry should be used instead. Otherwise
// the new groups run sequentially and their outcome is the command's outcome.
func (c *command) splitGroups(cause error) ([]*NodeGroup, error) {
	e := c.exec
	p := e.policy

	if !p.Replica.Reassignable() || c.slot.isSet() {
		return nil, nil
	}

	if !errors.Is(cause, protocol.ErrTimeout) || p.ReadModeSC != protocol.ReadModeSCLinearize {
		c.masterSC = !c.masterSC
	}

	groups, err := Plan(e.x.router, e.records, c.group.Offsets, Routing{
		Replica:   p.Replica,
		ReplicaSC: e.replicaSC,
		Master:    c.master,
		MasterSC:  c.masterSC,
		IsRetry:   true,
	})
	if err != nil {
		return nil, err
	}

	if len(groups) == 1 && groups[0].Node == c.group.Node {
		return nil, nil
	}

	e.x.observer.SplitRetry(len(c.group.Offsets), len(groups))
	e.logger.Info("split retry",
		logging.String("node", c.group.Node.Name),
		logging.Int("offsets", len(c.group.Offsets)),
		logging.Int("groups", len(groups)),
		logging.Int("iteration", c.iteration),
	)
	return groups, nil
}
