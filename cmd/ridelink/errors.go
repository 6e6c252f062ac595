package main

import (
	"errors"
	"fmt"

	"github.com/srg/ridelink/internal/ingest"
	"github.com/srg/ridelink/internal/peripheral"
	"github.com/srg/ridelink/internal/store"
)

// Command-level errors
var (
	// ErrReplayRejected indicates the server acknowledged a replayed chunk with a non-success status.
	ErrReplayRejected = errors.New("write rejected")
)

// FormatUserError turns known failures into a short message with a hint.
func FormatUserError(err error) string {
	var notFound *peripheral.NotFoundError

	switch {
	case errors.Is(err, peripheral.ErrBluetoothOff):
		return "Bluetooth is turned off. Enable the adapter and try again."
	case errors.Is(err, peripheral.ErrPermissionDenied):
		return fmt.Sprintf("%v. Check Bluetooth permissions (on Linux run with CAP_NET_ADMIN or as root).", err)
	case errors.Is(err, peripheral.ErrAdvertisementTooLarge):
		return fmt.Sprintf("%v. Shorten advertising.key (max %d bytes) or advertising.local_name (max %d bytes).",
			err, peripheral.MaxManufacturerKeyLen, peripheral.MaxLocalNameLen)
	case errors.Is(err, store.ErrRideNotFound):
		return err.Error()
	case errors.Is(err, store.ErrInvalidRideID):
		return err.Error()
	case errors.Is(err, ingest.ErrWorkerStopped), errors.Is(err, peripheral.ErrServerStopped):
		return fmt.Sprintf("%v (shutting down)", err)
	case errors.As(err, &notFound):
		return notFound.Error()
	default:
		return err.Error()
	}
}
