package main

import (
	"context"
	"fmt"
	"time"

	"github.com/srg/ridelink/internal/peripheral"
)

// loopback drives a Server the way one connected central does over BLE:
// connect, write chunks with response one at a time, disconnect.
type loopback struct {
	srv     *peripheral.Server
	client  peripheral.ClientID
	timeout time.Duration
}

func (l *loopback) connect() error {
	return l.srv.Post(peripheral.Connected{Client: l.client})
}

func (l *loopback) disconnect() error {
	return l.srv.Post(peripheral.Disconnected{Client: l.client})
}

// write sends one chunk and waits for its acknowledgement.
func (l *loopback) write(ctx context.Context, chunk []byte) (peripheral.Status, error) {
	ack := make(chan peripheral.Status, 1)
	err := l.srv.Post(peripheral.CharacteristicWrite{
		Client:         l.client,
		Characteristic: peripheral.CharacteristicUUID,
		Data:           chunk,
		Respond: func(s peripheral.Status) {
			select {
			case ack <- s:
			default:
			}
		},
	})
	if err != nil {
		return peripheral.StatusFailure, err
	}

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case s := <-ack:
		return s, nil
	case <-ctx.Done():
		return peripheral.StatusFailure, ctx.Err()
	case <-timer.C:
		return peripheral.StatusFailure, fmt.Errorf("no acknowledgement within %s", l.timeout)
	}
}
