package disk

import "github.com/pkg/errors"

// ErrCrashed is returned by CrashDevice once its write budget is exhausted,
// simulating a power loss mid-transaction (spec.md §8 scenario S2).
var ErrCrashed = errors.New("disk: simulated crash")

// CrashDevice wraps a Device and fails every write once a fixed number of
// writes have succeeded, so tests can exercise "crash after the log-header
// commit point but before any home-block write".
type CrashDevice struct {
	Device
	writesLeft int
	crashed    bool
}

// NewCrashDevice wraps dev so that it accepts exactly n more successful
// writes before every subsequent write fails with ErrCrashed.
func NewCrashDevice(dev Device, n int) *CrashDevice {
	return &CrashDevice{Device: dev, writesLeft: n}
}

func (c *CrashDevice) WriteBlock(bno uint32, src []byte) error {
	if c.crashed || c.writesLeft <= 0 {
		c.crashed = true
		return ErrCrashed
	}
	c.writesLeft--
	return c.Device.WriteBlock(bno, src)
}

// Crashed reports whether the simulated crash has occurred.
func (c *CrashDevice) Crashed() bool { return c.crashed }
