// Package model defines the data types shared by the RTKit core, its stores,
// and the command-line tooling.
package model

import "time"

// Session is a point-in-time view of one RTKit core.
type Session struct {
	Name      string           `json:"name" yaml:"name"`
	State     string           `json:"state" yaml:"state"`
	Owner     string           `json:"owner" yaml:"owner"`
	Version   int              `json:"version" yaml:"version"`
	Booted    bool             `json:"booted" yaml:"booted"`
	Endpoints []Endpoint       `json:"endpoints" yaml:"endpoints"`
	Buffers   []Buffer         `json:"buffers" yaml:"buffers"`
	Syslog    *SyslogGeometry  `json:"syslog,omitempty" yaml:"syslog,omitempty"`
	Counters  map[string]int64 `json:"counters,omitempty" yaml:"counters,omitempty"`
	UpdatedAt time.Time        `json:"updated_at" yaml:"updated_at"`
}

// Endpoint describes a discovered endpoint.
type Endpoint struct {
	ID      uint8  `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Started bool   `json:"started" yaml:"started"`
}

// Buffer describes a negotiated shared-memory buffer.
type Buffer struct {
	Endpoint uint8  `json:"endpoint" yaml:"endpoint"`
	Name     string `json:"name" yaml:"name"`
	IOVA     uint64 `json:"iova" yaml:"iova"`
	Size     uint64 `json:"size" yaml:"size"`
	Owner    string `json:"owner" yaml:"owner"`
}

// SyslogGeometry is the ring layout announced by the coprocessor.
type SyslogGeometry struct {
	Entries int `json:"entries" yaml:"entries"`
	MsgSize int `json:"msg_size" yaml:"msg_size"`
}

// SyslogEntry is one decoded coprocessor log line.
type SyslogEntry struct {
	Session string    `json:"session" yaml:"session"`
	Index   int       `json:"index" yaml:"index"`
	Context string    `json:"context" yaml:"context"`
	Message string    `json:"message" yaml:"message"`
	Time    time.Time `json:"time" yaml:"time"`
}
