package goble

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/ridelink/internal/peripheral"
)

// NormalizeError maps known go-ble error strings to the peripheral sentinel errors.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, peripheral.ErrBluetoothOff) || errors.Is(err, peripheral.ErrAdvertisementTooLarge) {
		return err
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "have=4 want=5"):
		return fmt.Errorf("%w: %v", peripheral.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"), containsIgnoreCase(msg, "is bluetooth turned on"):
		return fmt.Errorf("%w: %v", peripheral.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "too large"), containsIgnoreCase(msg, "too long"):
		return fmt.Errorf("%w: %v", peripheral.ErrAdvertisementTooLarge, err)
	case containsIgnoreCase(msg, "operation not permitted"), containsIgnoreCase(msg, "permission denied"):
		return fmt.Errorf("%w: %v", peripheral.ErrPermissionDenied, err)
	default:
		return err
	}
}

func isBluetoothOff(err error) bool {
	return errors.Is(err, peripheral.ErrBluetoothOff)
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
