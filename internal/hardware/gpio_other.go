//go:build !linux

package hardware

// OpenGPIOChip is only available on Linux.
func OpenGPIOChip(chip string, activeLow bool) (PinController, error) {
	return nil, ErrUnsupported
}
