// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bootworker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
	"github.com/pin/tftp/v3"
	"gopkg.in/tomb.v2"

	"github.com/canonical/hatchery/core/agent"
)

var logger = loggo.GetLogger("hatchery.bootworker")

// dhcpPortFull and dhcpPortProxy are where each mode listens.
const (
	dhcpPortFull  = 67
	dhcpPortProxy = 4011
	tftpPort      = 69
)

// Worker runs the site boot services as one unit.
type Worker struct {
	tomb   tomb.Tomb
	config Config
	clock  clock.Clock
	client *ControlClient
}

// NewWorker starts the boot worker.
func NewWorker(config Config, clk clock.Clock) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		config: config,
		clock:  clk,
		client: NewControlClient(config, nil, clk),
	}
	w.tomb.Go(w.run)
	return w, nil
}

// Kill implements worker.Worker.
func (w *Worker) Kill() {
	w.tomb.Kill(nil)
}

// Wait implements worker.Worker.
func (w *Worker) Wait() error {
	return w.tomb.Wait()
}

func (w *Worker) run() error {
	ctx := w.tomb.Context(context.Background())

	// Keep trying to enroll until control answers or we are killed.
	err := retry.Call(retry.CallArgs{
		Func:        func() error { return w.client.Enroll(ctx) },
		Attempts:    retry.UnlimitedAttempts,
		Delay:       retryDelay,
		MaxDelay:    retryMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       w.clock,
		Stop:        w.tomb.Dying(),
	})
	if err != nil {
		return errors.Annotate(err, "enrolling with control plane")
	}

	serverIP, err := interfaceIPv4(w.config.DHCPInterface)
	if err != nil {
		if w.config.DHCPMode != agent.DHCPModeDisabled {
			return errors.Trace(err)
		}
		serverIP = net.IPv4zero
	}
	baseURL := w.config.baseURL(serverIP.String())

	svc := newHTTPService(w.config, w.client, newScriptCache(w.clock), baseURL)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", w.config.HTTPPort),
		Handler: svc.routes(),
	}
	w.tomb.Go(func() error {
		logger.Infof("http service on %s (base url %s)", httpServer.Addr, baseURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Trace(err)
		}
		return nil
	})

	tftpServer := tftp.NewServer(tftpReadHandler(w.config.TFTPRoot), nil)
	w.tomb.Go(func() error {
		logger.Infof("tftp service on :%d root %s", tftpPort, w.config.TFTPRoot)
		if err := tftpServer.ListenAndServe(fmt.Sprintf(":%d", tftpPort)); err != nil {
			// Shutdown also surfaces here; only report if still alive.
			select {
			case <-w.tomb.Dying():
				return nil
			default:
				return errors.Trace(err)
			}
		}
		return nil
	})

	var dhcpServer *server4.Server
	if w.config.DHCPMode != agent.DHCPModeDisabled {
		responder, err := newDHCPResponder(w.config, serverIP, w.client)
		if err != nil {
			return errors.Trace(err)
		}
		port := dhcpPortFull
		if w.config.DHCPMode == agent.DHCPModeProxy {
			port = dhcpPortProxy
		}
		dhcpServer, err = server4.NewServer(
			w.config.DHCPInterface,
			&net.UDPAddr{Port: port},
			w.dhcpHandler(responder),
		)
		if err != nil {
			return errors.Annotate(err, "binding dhcp listener")
		}
		w.tomb.Go(func() error {
			logger.Infof("dhcp service on :%d mode %s", port, w.config.DHCPMode)
			if err := dhcpServer.Serve(); err != nil {
				select {
				case <-w.tomb.Dying():
					return nil
				default:
					return errors.Trace(err)
				}
			}
			return nil
		})
	}

	w.tomb.Go(w.heartbeatLoop)

	<-w.tomb.Dying()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	tftpServer.Shutdown()
	if dhcpServer != nil {
		_ = dhcpServer.Close()
	}
	return tomb.ErrDying
}

func (w *Worker) dhcpHandler(responder *dhcpResponder) server4.Handler {
	return func(conn net.PacketConn, peer net.Addr, m *dhcpv4.DHCPv4) {
		ctx := w.tomb.Context(context.Background())
		reply, err := responder.Respond(ctx, m)
		if err != nil {
			logger.Warningf("dhcp: %v", err)
			return
		}
		if reply == nil {
			return
		}
		if _, err := conn.WriteTo(reply.ToBytes(), peer); err != nil {
			logger.Warningf("dhcp: writing reply to %s: %v", peer, err)
		}
	}
}

func (w *Worker) heartbeatLoop() error {
	interval := defaultHeartbeatInterval
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case <-w.clock.After(interval):
			ctx := w.tomb.Context(context.Background())
			next, err := w.client.Heartbeat(ctx)
			if err != nil {
				// Control being away is survivable; boot services keep
				// running on cached state.
				logger.Warningf("heartbeat: %v", err)
				continue
			}
			interval = next
		}
	}
}

// interfaceIPv4 returns the first IPv4 address bound to the named
// interface.
func interfaceIPv4(name string) (net.IP, error) {
	if name == "" {
		return nil, errors.NotValidf("empty interface name")
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			if v4 := ipNet.IP.To4(); v4 != nil {
				return v4, nil
			}
		}
	}
	return nil, errors.NotFoundf("ipv4 address on interface %q", name)
}
