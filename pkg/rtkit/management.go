package rtkit

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/strand-protocol/rtkit/pkg/protocol"
)

func (c *Core) handleManagement(_ uint8, msg uint64) {
	typ := uint8(protocol.FieldType.Get(msg))
	switch typ {
	case protocol.MgmtHello:
		c.rxHello(msg)
	case protocol.MgmtEPMap:
		c.rxEndpointMap(msg)
	case protocol.MgmtIOPPowerAck:
		c.rxIOPPowerAck(msg)
	case protocol.MgmtAPPowerState:
		c.rxBootDone2()
	default:
		c.protocolError("unknown management message", msg)
	}
}

func (c *Core) protocolError(what string, msg uint64) {
	c.metrics.IncProtocolError()
	c.logger.Warn(what, zap.String("msg", hex(msg)))
}

// expect reports whether the handshake is in state want, logging and
// dropping msg otherwise.
func (c *Core) expect(want State, msg uint64) bool {
	c.mu.Lock()
	got := c.state
	c.mu.Unlock()
	if got == want {
		return true
	}
	c.metrics.IncProtocolError()
	c.logger.Warn("management message out of sequence",
		zap.String("msg", hex(msg)), zap.Stringer("state", got), zap.Stringer("expected", want))
	return false
}

func (c *Core) rxHello(msg uint64) {
	if !c.expect(StateAwaitingVersion, msg) {
		return
	}
	h := protocol.ParseHello(msg)
	c.logger.Debug("hello", zap.Uint16("min", h.Min), zap.Uint16("max", h.Max))

	if h.Min > c.maxVer {
		c.failBoot("version", fmt.Errorf("%w: firmware min version %d is too new", ErrVersionMismatch, h.Min))
		return
	}
	if h.Max < c.minVer {
		c.failBoot("version", fmt.Errorf("%w: firmware max version %d is too old", ErrVersionMismatch, h.Max))
		return
	}
	want := min(c.maxVer, h.Max)

	if err := c.sendInternal(protocol.EndpointManagement, protocol.Hello{Min: want, Max: want}.EncodeReply()); err != nil {
		c.failBoot("version", err)
		return
	}
	c.mu.Lock()
	c.version = int(want)
	c.state = StateAwaitingEndpointMap
	c.mu.Unlock()
	c.logger.Info("initializing", zap.Int("version", int(want)))
}

func (c *Core) rxEndpointMap(msg uint64) {
	if !c.expect(StateAwaitingEndpointMap, msg) {
		return
	}
	m := protocol.ParseEndpointMap(msg)

	c.mu.Lock()
	for _, ep := range m.Endpoints() {
		c.present.add(ep)
	}
	c.mu.Unlock()

	reply := protocol.EndpointMapReply{Base: m.Base, Last: m.Last}.Encode()
	if err := c.sendInternal(protocol.EndpointManagement, reply); err != nil {
		c.failBoot("endpoint-map", err)
		return
	}
	if !m.Last {
		return
	}

	c.mu.Lock()
	c.state = StateAwaitingBootDone
	eps := c.present.list()
	c.mu.Unlock()
	c.bootAcked = false

	for _, ep := range eps {
		switch {
		case ep == protocol.EndpointManagement:
		case protocol.IsSystemEndpoint(ep):
			msg := protocol.StartEndpoint{Endpoint: ep, Flag: true}.Encode()
			if err := c.sendInternal(protocol.EndpointManagement, msg); err != nil {
				c.failBoot("start-endpoint", err)
				return
			}
			c.markStarted(ep)
		case protocol.IsAppEndpoint(ep):
		default:
			c.logger.Warn("unknown system endpoint", zap.Uint8("endpoint", ep))
		}
	}
}

// rxIOPPowerAck handles both the first boot-done phase and the
// acknowledgement of a hibernate request.
func (c *Core) rxIOPPowerAck(msg uint64) {
	p := protocol.ParsePowerState(msg)

	c.mu.Lock()
	waiting, booted := c.hibernate != nil, c.booted
	c.mu.Unlock()
	// A hibernate ack after the caller gave up waiting still means the
	// coprocessor is down, so the session is reset either way.
	if p.State == protocol.PowerHibernate && (waiting || booted) {
		if !waiting {
			c.logger.Warn("hibernate acknowledged after the request was abandoned")
		}
		c.completeHibernate()
		return
	}

	if !c.expect(StateAwaitingBootDone, msg) {
		return
	}
	if err := c.sendInternal(protocol.EndpointManagement, protocol.EncodeBootDoneAck()); err != nil {
		c.failBoot("boot-done", err)
		return
	}
	c.bootAcked = true
}

func (c *Core) rxBootDone2() {
	c.mu.Lock()
	if c.booted {
		c.mu.Unlock()
		c.logger.Info("duplicate boot-done ignored")
		return
	}
	if c.state != StateAwaitingBootDone {
		state := c.state
		c.mu.Unlock()
		c.metrics.IncProtocolError()
		c.logger.Warn("boot-done out of sequence", zap.Stringer("state", state))
		return
	}
	c.booted = true
	c.state = StateBooted
	att := c.boot
	var took time.Duration
	if att != nil && !att.resolved {
		att.resolved = true
		took = time.Since(att.started)
	} else {
		att = nil
	}
	c.mu.Unlock()

	if !c.bootAcked {
		c.logger.Debug("boot completed without first-phase ack")
	}
	c.metrics.SetBooted(true)
	if att != nil {
		c.metrics.ObserveBoot(took)
		close(att.done)
	}
	c.logger.Info("system endpoints successfully initialized", zap.Duration("took", took))
}
