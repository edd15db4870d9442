// Package device turns fire-and-wait hardware requests into single resolved
// or failed results. Peripherals follow a two-phase reply convention: an
// operation first reports "processing", then a terminal "success" or "error".
// The proxy correlates replies by (category, endpoint, type) on the bus and
// bounds every operation with a hard timeout.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/registerlabs/posbridge/internal/bus"
	"github.com/registerlabs/posbridge/internal/metrics"
	"github.com/registerlabs/posbridge/pkg/logger"
)

// AckStatus classifies a reply frame.
type AckStatus int

const (
	AckUnknown AckStatus = iota
	// AckProcessing is the interim phase; the operation stays pending.
	AckProcessing
	// AckSuccess and AckError are terminal.
	AckSuccess
	AckError
)

// ParseAckStatus maps the wire status field to an AckStatus.
func ParseAckStatus(s string) AckStatus {
	switch s {
	case "processing":
		return AckProcessing
	case "success":
		return AckSuccess
	case "error":
		return AckError
	default:
		return AckUnknown
	}
}

// Ack is one reply frame from a peripheral.
type Ack struct {
	Status  AckStatus
	Message string
}

// Terminal reports whether the ack settles the operation.
func (a Ack) Terminal() bool { return a.Status == AckSuccess || a.Status == AckError }

// OpError is a failure reported by the device itself.
type OpError struct {
	Device    string
	Operation string
	Message   string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s failed: %s", e.Device, e.Operation, e.Message)
}

// TimeoutError means no terminal reply arrived within the bounded window. It
// is distinct from a device-reported failure.
type TimeoutError struct {
	Device    string
	Operation string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s timed out after %s", e.Device, e.Operation, e.After)
}

// IsTimeout reports whether err is an operation timeout.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// Sender transmits one stamped message on a channel. The channel registry
// satisfies this.
type Sender interface {
	Send(category, endpoint, msgType string, fields map[string]any) error
}

// Proxy drives the two-phase request protocol for one peripheral endpoint.
type Proxy struct {
	sender   Sender
	bus      *bus.Bus
	log      *logger.Logger
	category string
	endpoint string
	timeout  time.Duration
}

// NewProxy constructs a proxy for the given endpoint with a default timeout.
func NewProxy(sender Sender, b *bus.Bus, log *logger.Logger, category, endpoint string, timeout time.Duration) *Proxy {
	if log == nil {
		log = logger.NewDefault("device")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Proxy{
		sender:   sender,
		bus:      b,
		log:      log,
		category: category,
		endpoint: endpoint,
		timeout:  timeout,
	}
}

// Do sends one operation request and blocks until the terminal reply, the
// timeout, or context cancellation. Interim "processing" replies invoke the
// optional progress callback. Callers serialize overlapping operations on the
// same device themselves.
func (p *Proxy) Do(ctx context.Context, operation string, fields map[string]any, progress func(Ack)) error {
	acks := make(chan Ack, 4)
	unsubscribe := p.bus.Subscribe(bus.Filter{
		Category: p.category,
		Endpoint: p.endpoint,
		Type:     operation,
	}, func(env bus.Envelope) {
		ack := Ack{
			Status:  ParseAckStatus(env.Field("status")),
			Message: env.Field("message"),
		}
		select {
		case acks <- ack:
		default:
			// Reply burst beyond the buffer; terminal acks always fit since
			// the device sends at most one interim per phase.
		}
	})
	defer unsubscribe()

	started := time.Now()
	if err := p.sender.Send(p.category, p.endpoint, operation, fields); err != nil {
		metrics.DeviceOp(p.endpoint, operation, err, time.Since(started))
		return fmt.Errorf("send %s to %s: %w", operation, p.endpoint, err)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			metrics.DeviceOp(p.endpoint, operation, ctx.Err(), time.Since(started))
			return ctx.Err()
		case <-timer.C:
			err := &TimeoutError{Device: p.endpoint, Operation: operation, After: p.timeout}
			metrics.DeviceOp(p.endpoint, operation, err, time.Since(started))
			p.log.WithField("operation", operation).Warn("device reply timed out")
			return err
		case ack := <-acks:
			switch ack.Status {
			case AckProcessing:
				if progress != nil {
					progress(ack)
				}
			case AckSuccess:
				metrics.DeviceOp(p.endpoint, operation, nil, time.Since(started))
				return nil
			case AckError:
				err := &OpError{Device: p.endpoint, Operation: operation, Message: ack.Message}
				metrics.DeviceOp(p.endpoint, operation, err, time.Since(started))
				return err
			default:
				// Unknown status frames are ignored; the timeout bounds us.
			}
		}
	}
}
