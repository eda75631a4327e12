// Package config models the Connection/Endpoint creation parameters from
// spec.md §6, with documented zero-value defaults normalized by Normalized
// before use.
package config

import (
	"time"

	"github.com/meshfabric/transport/transporterr"
)

// Direction is a Connection's traffic direction (spec.md §3).
type Direction int

const (
	DirectionSend Direction = iota
	DirectionReceive
	DirectionBidirectional
)

// DataType distinguishes the payload plane from the control plane
// (spec.md §3).
type DataType int

const (
	DataTypePayload DataType = iota
	DataTypeControl
)

// RxBufferType selects the Rx assembly strategy (spec.md §6).
type RxBufferType int

const (
	RxBufferSgl RxBufferType = iota
	RxBufferLinear
)

// BufferDelayDefault requests the implementation default buffer delay;
// BufferDelayOff disables the buffered-delay consumer entirely (spec.md §6).
const (
	BufferDelayDefault = -1
	BufferDelayOff     = 0
)

// ConnectionConfig configures a Connection, shared by both directions.
//
// A value of -1 for SharedThreadID and ThreadCore means "exclusive" and
// "unpinned" respectively. Since 0 is itself a valid thread/core id, the
// zero value does not mean exclusive/unpinned — set these fields explicitly.
type ConnectionConfig struct {
	Direction      Direction
	Port           int
	SharedThreadID int // -1 == exclusive poll thread
	ThreadCore     int // -1 == unpinned
	DataType       DataType
}

// RxConnectionConfig extends ConnectionConfig with Rx-only assembly
// settings (spec.md §6).
type RxConnectionConfig struct {
	ConnectionConfig

	RxBufferType           RxBufferType
	LinearBufferSize       int
	BufferDelayMs          int // BufferDelayDefault, BufferDelayOff, or 1..max
	MaxSimultaneousPayloads int
}

// DefaultMaxSimultaneousPayloads is applied when MaxSimultaneousPayloads<=0.
// It must be a power of two (spec.md §3: "WINDOW is a power of two").
const DefaultMaxSimultaneousPayloads = 1024

// DefaultBufferDelayMs is applied when BufferDelayMs == BufferDelayDefault.
const DefaultBufferDelayMs = 100

// Validate reports an *transporterr.Error with Kind InvalidParameter for
// any out-of-range field.
func (c ConnectionConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return transporterr.New(transporterr.InvalidParameter, "port out of range")
	}
	if c.SharedThreadID < -1 {
		return transporterr.New(transporterr.InvalidParameter, "shared thread id out of range")
	}
	if c.ThreadCore < -1 {
		return transporterr.New(transporterr.InvalidParameter, "thread core out of range")
	}
	return nil
}

// Validate reports an *transporterr.Error for any out-of-range field,
// including the Rx-only ones. It does not apply defaults; call Normalized
// first for that.
func (c RxConnectionConfig) Validate() error {
	if err := c.ConnectionConfig.Validate(); err != nil {
		return err
	}
	if c.RxBufferType == RxBufferLinear && c.LinearBufferSize <= 0 {
		return transporterr.New(transporterr.InvalidParameter, "linear buffer size must be positive for RxBufferLinear")
	}
	if c.BufferDelayMs < BufferDelayDefault {
		return transporterr.New(transporterr.InvalidParameter, "buffer delay out of range")
	}
	if c.MaxSimultaneousPayloads < 0 {
		return transporterr.New(transporterr.InvalidParameter, "max simultaneous payloads out of range")
	}
	if n := c.MaxSimultaneousPayloads; n > 0 && n&(n-1) != 0 {
		return transporterr.New(transporterr.InvalidParameter, "max simultaneous payloads must be a power of two")
	}
	return nil
}

// Normalized returns a copy of c with zero-value fields replaced by their
// documented defaults.
func (c RxConnectionConfig) Normalized() RxConnectionConfig {
	if c.MaxSimultaneousPayloads <= 0 {
		c.MaxSimultaneousPayloads = DefaultMaxSimultaneousPayloads
	}
	if c.BufferDelayMs == BufferDelayDefault {
		c.BufferDelayMs = DefaultBufferDelayMs
	}
	return c
}

// BufferDelay returns the effective delay, or 0 (disabled) for
// BufferDelayOff.
func (c RxConnectionConfig) BufferDelay() time.Duration {
	if c.BufferDelayMs <= 0 {
		return 0
	}
	return time.Duration(c.BufferDelayMs) * time.Millisecond
}
