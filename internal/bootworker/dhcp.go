// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bootworker

import (
	"context"
	"encoding/binary"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"
	"github.com/juju/errors"

	"github.com/canonical/hatchery/core/agent"
	"github.com/canonical/hatchery/core/bootevent"
)

// Loader filenames served over TFTP, selected by client architecture
// (DHCP option 93).
const (
	loaderBIOS = "undionly.kpxe"
	loaderEFI  = "ipxe.efi"
)

// leaseDuration is the lifetime handed out in full DHCP mode.
const leaseDuration = time.Hour

// pxeClassIdentifier is the vendor class PXE firmware sends; proxy
// mode answers nothing else.
const pxeClassIdentifier = "PXEClient"

// eventReporter forwards boot milestones to the control plane.
type eventReporter interface {
	ReportEvent(ctx context.Context, ev bootEventBody) error
}

// bootFileForArch maps the client architecture list to a loader
// filename. EFI variants (including HTTP boot) get the EFI binary;
// everything else is treated as legacy BIOS.
func bootFileForArch(archs []iana.Arch) string {
	for _, arch := range archs {
		switch arch {
		case iana.EFI_IA32, iana.EFI_BC, iana.EFI_X86_64,
			iana.EFI_ARM32, iana.EFI_ARM64,
			iana.EFI_X86_64_HTTP, iana.EFI_ARM64_HTTP:
			return loaderEFI
		}
	}
	return loaderBIOS
}

// leaseAllocator hands out addresses from a contiguous range,
// remembering the binding per MAC.
type leaseAllocator struct {
	start, end uint32

	mu     sync.Mutex
	byMAC  map[string]net.IP
	inUse  map[uint32]bool
	cursor uint32
}

func newLeaseAllocator(start, end net.IP) (*leaseAllocator, error) {
	lo, err := ipToUint32(start)
	if err != nil {
		return nil, errors.Trace(err)
	}
	hi, err := ipToUint32(end)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if hi < lo {
		return nil, errors.NotValidf("range %s-%s", start, end)
	}
	return &leaseAllocator{
		start:  lo,
		end:    hi,
		byMAC:  make(map[string]net.IP),
		inUse:  make(map[uint32]bool),
		cursor: lo,
	}, nil
}

// Allocate returns the existing binding for the MAC or the next free
// address in the range.
func (a *leaseAllocator) Allocate(mac string) (net.IP, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ip, ok := a.byMAC[mac]; ok {
		return ip, nil
	}
	for n := a.start; n <= a.end; n++ {
		candidate := a.cursor + (n - a.start)
		if candidate > a.end {
			candidate = a.start + (candidate - a.end - 1)
		}
		if a.inUse[candidate] {
			continue
		}
		a.inUse[candidate] = true
		a.cursor = candidate + 1
		ip := uint32ToIP(candidate)
		a.byMAC[mac] = ip
		return ip, nil
	}
	return nil, errors.Errorf("dhcp range exhausted (%d addresses)", a.end-a.start+1)
}

func ipToUint32(ip net.IP) (uint32, error) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, errors.NotValidf("address %s", ip)
	}
	return binary.BigEndian.Uint32(v4), nil
}

func uint32ToIP(n uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}

// dhcpResponder builds replies for full and proxy mode. The UDP
// plumbing lives in the worker; the responder is pure enough to test.
type dhcpResponder struct {
	mode     agent.DHCPMode
	serverIP net.IP
	subnet   *net.IPNet
	gateway  net.IP
	leases   *leaseAllocator
	reporter eventReporter
}

func newDHCPResponder(config Config, serverIP net.IP, reporter eventReporter) (*dhcpResponder, error) {
	r := &dhcpResponder{
		mode:     config.DHCPMode,
		serverIP: serverIP,
		reporter: reporter,
	}
	if config.DHCPMode == agent.DHCPModeFull {
		_, subnet, err := net.ParseCIDR(config.Subnet)
		if err != nil {
			return nil, errors.Trace(err)
		}
		leases, err := newLeaseAllocator(
			net.ParseIP(config.RangeStart), net.ParseIP(config.RangeEnd))
		if err != nil {
			return nil, errors.Trace(err)
		}
		r.subnet = subnet
		r.gateway = net.ParseIP(config.Gateway)
		r.leases = leases
	}
	return r, nil
}

// Respond builds the reply for one inbound message, or nil when the
// message should be ignored.
func (r *dhcpResponder) Respond(ctx context.Context, m *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error) {
	if m.OpCode != dhcpv4.OpcodeBootRequest {
		return nil, nil
	}
	msgType := m.MessageType()
	if msgType != dhcpv4.MessageTypeDiscover && msgType != dhcpv4.MessageTypeRequest {
		return nil, nil
	}

	mac := strings.ToLower(strings.ReplaceAll(m.ClientHWAddr.String(), ":", ""))
	r.report(ctx, mac)

	switch r.mode {
	case agent.DHCPModeFull:
		return r.respondFull(m, mac, msgType)
	case agent.DHCPModeProxy:
		return r.respondProxy(m, msgType)
	}
	return nil, nil
}

func (r *dhcpResponder) respondFull(m *dhcpv4.DHCPv4, mac string, msgType dhcpv4.MessageType) (*dhcpv4.DHCPv4, error) {
	ip, err := r.leases.Allocate(mac)
	if err != nil {
		return nil, errors.Trace(err)
	}
	replyType := dhcpv4.MessageTypeOffer
	if msgType == dhcpv4.MessageTypeRequest {
		replyType = dhcpv4.MessageTypeAck
	}
	reply, err := dhcpv4.NewReplyFromRequest(m,
		dhcpv4.WithMessageType(replyType),
		dhcpv4.WithYourIP(ip),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(r.serverIP)),
		dhcpv4.WithOption(dhcpv4.OptSubnetMask(r.subnet.Mask)),
		dhcpv4.WithOption(dhcpv4.OptRouter(r.gateway)),
		dhcpv4.WithOption(dhcpv4.OptIPAddressLeaseTime(leaseDuration)),
		dhcpv4.WithOption(dhcpv4.OptTFTPServerName(r.serverIP.String())),
		dhcpv4.WithOption(dhcpv4.OptBootFileName(bootFileForArch(m.ClientArch()))),
	)
	if err != nil {
		return nil, errors.Trace(err)
	}
	reply.ServerIPAddr = r.serverIP
	reply.BootFileName = bootFileForArch(m.ClientArch())
	return reply, nil
}

// respondProxy answers PXE firmware only, and only with boot
// parameters: no addresses are handed out.
func (r *dhcpResponder) respondProxy(m *dhcpv4.DHCPv4, msgType dhcpv4.MessageType) (*dhcpv4.DHCPv4, error) {
	if !strings.HasPrefix(m.ClassIdentifier(), pxeClassIdentifier) {
		return nil, nil
	}
	replyType := dhcpv4.MessageTypeOffer
	if msgType == dhcpv4.MessageTypeRequest {
		replyType = dhcpv4.MessageTypeAck
	}
	reply, err := dhcpv4.NewReplyFromRequest(m,
		dhcpv4.WithMessageType(replyType),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(r.serverIP)),
		dhcpv4.WithOption(dhcpv4.OptClassIdentifier(pxeClassIdentifier)),
		dhcpv4.WithOption(dhcpv4.OptTFTPServerName(r.serverIP.String())),
		dhcpv4.WithOption(dhcpv4.OptBootFileName(bootFileForArch(m.ClientArch()))),
	)
	if err != nil {
		return nil, errors.Trace(err)
	}
	reply.ServerIPAddr = r.serverIP
	reply.BootFileName = bootFileForArch(m.ClientArch())
	return reply, nil
}

// report forwards the DHCP sighting; control registers unknown MACs
// from these. Best effort: DHCP service never blocks on control.
func (r *dhcpResponder) report(ctx context.Context, mac string) {
	go func() {
		reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		err := r.reporter.ReportEvent(reportCtx, bootEventBody{
			MAC:  mac,
			Type: string(bootevent.TypeDHCPRequest),
		})
		if err != nil {
			logger.Debugf("reporting dhcp request for %s: %v", mac, err)
		}
	}()
}
