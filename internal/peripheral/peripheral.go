package peripheral

import (
	"errors"
	"fmt"
	"strings"
)

// GATT identifiers of the telemetry service.
const (
	ServiceUUID        = "12345678-1234-5678-1234-56789abcdef0"
	CharacteristicUUID = "12345678-1234-5678-1234-56789abcdef0"
	CCCDUUID           = "2902"
)

// Advertising defaults.
const (
	DefaultCompanyID uint16 = 0xF0F0
	DefaultKey              = "Oficinas3"
)

// ClientID identifies a connected central, typically its address.
type ClientID string

// Status is the acknowledgement sent back for a write request.
type Status int

const (
	StatusSuccess Status = iota
	StatusWriteNotPermitted
	StatusRequestNotSupported
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusWriteNotPermitted:
		return "write_not_permitted"
	case StatusRequestNotSupported:
		return "request_not_supported"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// NotFoundError represents a write addressed to an unknown GATT attribute
type NotFoundError struct {
	Resource string // "characteristic", "descriptor"
	UUID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.UUID)
}

var (
	ErrServerStopped         = errors.New("server stopped")
	ErrAdvertisementTooLarge = errors.New("advertisement data too large")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrBluetoothOff          = errors.New("bluetooth is turned off")
	ErrBufferOverflow        = errors.New("reassembly buffer limit exceeded")
)

const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID lowercases a UUID, strips dashes and a 0x prefix, and shortens
// Bluetooth SIG base UUIDs to their 16-bit form.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")
	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	return u
}

// SameUUID reports whether two UUID strings name the same attribute.
func SameUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}
