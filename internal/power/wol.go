// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package power

import (
	"context"
	"encoding/hex"
	"net"

	"github.com/juju/errors"
)

// WOLDriver powers machines on with Wake-on-LAN magic packets. Every
// other operation is unsupported; the Credentials address carries the
// target MAC.
type WOLDriver struct {
	// broadcast is the UDP destination; defaults to the limited
	// broadcast address on the discard port.
	broadcast string
}

// NewWOLDriver returns a WoL driver sending to the given broadcast
// address, or 255.255.255.255:9 when empty.
func NewWOLDriver(broadcast string) *WOLDriver {
	if broadcast == "" {
		broadcast = "255.255.255.255:9"
	}
	return &WOLDriver{broadcast: broadcast}
}

// magicPacket builds the WoL frame: six 0xff bytes then the MAC
// repeated sixteen times.
func magicPacket(mac string) ([]byte, error) {
	cleaned := ""
	for _, r := range mac {
		switch r {
		case ':', '-', '.':
		default:
			cleaned += string(r)
		}
	}
	hw, err := hex.DecodeString(cleaned)
	if err != nil || len(hw) != 6 {
		return nil, errors.NotValidf("MAC address %q", mac)
	}
	packet := make([]byte, 0, 102)
	for i := 0; i < 6; i++ {
		packet = append(packet, 0xff)
	}
	for i := 0; i < 16; i++ {
		packet = append(packet, hw...)
	}
	return packet, nil
}

// On implements Driver.
func (d *WOLDriver) On(ctx context.Context, creds Credentials) error {
	packet, err := magicPacket(creds.Address)
	if err != nil {
		return errors.Trace(err)
	}
	conn, err := net.Dial("udp", d.broadcast)
	if err != nil {
		return errors.Annotatef(ErrBackend, "dialing %s: %v", d.broadcast, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(packet); err != nil {
		return errors.Annotatef(ErrBackend, "sending magic packet: %v", err)
	}
	logger.Debugf("sent wake-on-lan packet for %s", creds.Address)
	return nil
}

// Off implements Driver.
func (d *WOLDriver) Off(context.Context, Credentials) error {
	return errors.Annotate(ErrUnsupported, "wake-on-lan cannot power off")
}

// Cycle implements Driver.
func (d *WOLDriver) Cycle(context.Context, Credentials) error {
	return errors.Annotate(ErrUnsupported, "wake-on-lan cannot power cycle")
}

// Reset implements Driver.
func (d *WOLDriver) Reset(context.Context, Credentials) error {
	return errors.Annotate(ErrUnsupported, "wake-on-lan cannot reset")
}

// Status implements Driver.
func (d *WOLDriver) Status(context.Context, Credentials) (State, error) {
	return StateUnknown, errors.Annotate(ErrUnsupported, "wake-on-lan cannot report state")
}

// SetNextBoot implements Driver.
func (d *WOLDriver) SetNextBoot(context.Context, Credentials, BootDevice, Persistence) error {
	return errors.Annotate(ErrUnsupported, "wake-on-lan cannot set boot device")
}
