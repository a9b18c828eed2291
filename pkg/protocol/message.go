// Package protocol defines the RTKit mailbox wire protocol: endpoint ids,
// message type codes, payload bitfields, and the stream framing used by the
// socket transports.
package protocol

import "fmt"

// Reserved endpoint ids.
const (
	EndpointManagement uint8 = 0x00
	EndpointCrashLog   uint8 = 0x01
	EndpointSyslog     uint8 = 0x02
	EndpointDebug      uint8 = 0x03
	EndpointIOReport   uint8 = 0x04

	// EndpointAppFirst is the first application-defined endpoint. Everything
	// from here up to 0xFF is opaque to the core.
	EndpointAppFirst uint8 = 0x20
)

// EndpointNames maps the reserved endpoints to names for logging.
var EndpointNames = map[uint8]string{
	EndpointManagement: "management",
	EndpointCrashLog:   "crashlog",
	EndpointSyslog:     "syslog",
	EndpointDebug:      "debug",
	EndpointIOReport:   "ioreport",
}

// EndpointName returns a printable name for ep.
func EndpointName(ep uint8) string {
	if name, ok := EndpointNames[ep]; ok {
		return name
	}
	if IsAppEndpoint(ep) {
		return fmt.Sprintf("app-0x%02x", ep)
	}
	return fmt.Sprintf("unknown-0x%02x", ep)
}

// IsAppEndpoint reports whether ep is in the application range.
func IsAppEndpoint(ep uint8) bool { return ep >= EndpointAppFirst }

// IsSystemEndpoint reports whether ep is one of the endpoints that are
// started automatically once the endpoint map is complete.
func IsSystemEndpoint(ep uint8) bool {
	switch ep {
	case EndpointCrashLog, EndpointSyslog, EndpointDebug, EndpointIOReport:
		return true
	}
	return false
}

// Message is one mailbox transfer: a 64-bit payload plus the endpoint id
// carried in the low byte of the second mailbox word.
type Message struct {
	Data     uint64
	Endpoint uint8
}

// Type returns the message type field shared by the management and
// system-service namespaces.
func (m Message) Type() uint8 { return uint8(FieldType.Get(m.Data)) }

func (m Message) String() string {
	return fmt.Sprintf("%s msg=0x%016x", EndpointName(m.Endpoint), m.Data)
}

// Coprocessor CPU control register.
const (
	CPUControlReg        = 0x44
	CPUControlRun uint32 = 1 << 4
)
