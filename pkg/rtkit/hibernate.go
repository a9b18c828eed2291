package rtkit

import (
	"context"

	"github.com/strand-protocol/rtkit/pkg/model"
	"github.com/strand-protocol/rtkit/pkg/protocol"
)

// Hibernate asks a booted coprocessor to hibernate and waits for its
// acknowledgement. All shared buffers are released and the session is
// reset, so the coprocessor must be booted again before further use.
func (c *Core) Hibernate(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.hibernate != nil:
		c.mu.Unlock()
		return ErrHibernated
	case !c.booted:
		c.mu.Unlock()
		return ErrNotBooted
	}
	done := make(chan struct{})
	c.hibernate = done
	c.mu.Unlock()

	msg := protocol.PowerState{Type: protocol.MgmtIOPPowerState, State: protocol.PowerHibernate}.Encode()
	if err := c.sendWait(ctx, protocol.EndpointManagement, msg); err != nil {
		c.clearHibernate(done)
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.clearHibernate(done)
		return ctx.Err()
	}
}

func (c *Core) clearHibernate(done chan struct{}) {
	c.mu.Lock()
	if c.hibernate == done {
		c.hibernate = nil
	}
	c.mu.Unlock()
}

// completeHibernate runs on the worker when the coprocessor acknowledges a
// hibernate request.
func (c *Core) completeHibernate() {
	c.releaseBuffers()

	c.mu.Lock()
	wasBooted := c.booted
	c.booted = false
	c.state = StateHibernated
	c.version = 0
	c.present = epSet{}
	c.started = epSet{}
	c.syslog = model.SyslogGeometry{}
	c.syslogOK = false
	c.boot = nil
	done := c.hibernate
	c.hibernate = nil
	c.mu.Unlock()

	c.scratch = nil
	c.bootAcked = false
	if wasBooted {
		c.metrics.SetBooted(false)
	}
	if done != nil {
		close(done)
	}
	c.logger.Info("coprocessor hibernated")
}
