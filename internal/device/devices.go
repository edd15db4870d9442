package device

import (
	"context"
	"time"

	"github.com/registerlabs/posbridge/internal/bus"
	"github.com/registerlabs/posbridge/internal/channel"
	"github.com/registerlabs/posbridge/pkg/logger"
)

const (
	defaultDrawerTimeout  = 5 * time.Second
	defaultPrinterTimeout = 10 * time.Second
)

// CashDrawer exposes the drawer operations over its hardware channel.
type CashDrawer struct {
	proxy *Proxy
}

// NewCashDrawer builds a drawer proxy. A zero timeout selects the default.
func NewCashDrawer(sender Sender, b *bus.Bus, log *logger.Logger, timeout time.Duration) *CashDrawer {
	if timeout <= 0 {
		timeout = defaultDrawerTimeout
	}
	return &CashDrawer{
		proxy: NewProxy(sender, b, log, channel.CategoryHardware, channel.EndpointCashDrawer, timeout),
	}
}

// Open pops the drawer and waits for the terminal reply.
func (d *CashDrawer) Open(ctx context.Context) error {
	return d.proxy.Do(ctx, "open", nil, nil)
}

// Close requests the drawer closed state and waits for the terminal reply.
func (d *CashDrawer) Close(ctx context.Context) error {
	return d.proxy.Do(ctx, "close", nil, nil)
}

// ReceiptPrinter exposes printing over its hardware channel. Printing gets a
// longer window than the drawer since jobs spool.
type ReceiptPrinter struct {
	proxy *Proxy
}

// NewReceiptPrinter builds a printer proxy. A zero timeout selects the default.
func NewReceiptPrinter(sender Sender, b *bus.Bus, log *logger.Logger, timeout time.Duration) *ReceiptPrinter {
	if timeout <= 0 {
		timeout = defaultPrinterTimeout
	}
	return &ReceiptPrinter{
		proxy: NewProxy(sender, b, log, channel.CategoryHardware, channel.EndpointPrinter, timeout),
	}
}

// Print submits a render payload and waits for the terminal reply. Interim
// progress replies are reported through progress when non-nil.
func (p *ReceiptPrinter) Print(ctx context.Context, payload map[string]any, progress func(Ack)) error {
	return p.proxy.Do(ctx, "print", payload, progress)
}
