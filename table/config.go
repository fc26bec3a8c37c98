package table

import (
	"fmt"

	"github.com/qpipe/qpipe/device"
	"github.com/qpipe/qpipe/internal/mem"
)

// ConfigBlob is the opaque, fixed-size parameter buffer of one kernel
// invocation. Like a Table it exists as a host/device pair, minus columns
// and row counts.
type ConfigBlob struct {
	name string
	size int

	host []byte
	dev  device.Buffer
}

var _ device.Memory = (*ConfigBlob)(nil)

// NewConfigBlob creates a config blob with the given identity and payload
// size in bytes.
func NewConfigBlob(name string, size int) *ConfigBlob {
	return &ConfigBlob{name: name, size: size}
}

// AllocateHost reserves the host copy of the payload.
func (c *ConfigBlob) AllocateHost() error {
	if c.host != nil {
		return fmt.Errorf("config %q: %w", c.name, ErrAlreadyAllocated)
	}
	if c.size <= 0 {
		return fmt.Errorf("config %q: invalid size %d", c.name, c.size)
	}
	c.host = mem.AllocAligned(c.size, mem.DefaultAlignment)
	return nil
}

// AllocateDevice reserves the device copy of the payload.
func (c *ConfigBlob) AllocateDevice(dev device.Device, align int) error {
	if c.dev != nil {
		return fmt.Errorf("config %q: %w", c.name, ErrAlreadyAllocated)
	}
	if c.host == nil {
		return fmt.Errorf("config %q: %w", c.name, ErrHostNotAllocated)
	}
	buf, err := dev.AllocBuffer(c.size, align)
	if err != nil {
		return fmt.Errorf("config %q: %w", c.name, err)
	}
	c.dev = buf
	return nil
}

// Bytes returns the host payload for the caller to fill before the blob is
// transferred.
func (c *ConfigBlob) Bytes() []byte { return c.host }

// Label implements device.Memory.
func (c *ConfigBlob) Label() string { return c.name }

// HostBytes implements device.Memory.
func (c *ConfigBlob) HostBytes() []byte { return c.host }

// DeviceBuffer implements device.Memory.
func (c *ConfigBlob) DeviceBuffer() device.Buffer { return c.dev }

// RowCount implements device.Memory. Config blobs carry no rows.
func (c *ConfigBlob) RowCount() int { return 0 }

// SetRowCount implements device.Memory. Config blobs carry no rows.
func (c *ConfigBlob) SetRowCount(int) error { return nil }
