// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package power

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

func TestPackage(t *testing.T) {
	gc.TestingT(t)
}

type ipmiSuite struct{}

var _ = gc.Suite(&ipmiSuite{})

func newRecordingIPMI(output string, err error) (*IPMIDriver, *[][]string) {
	var calls [][]string
	d := NewIPMIDriver("")
	d.runCommand = func(_ context.Context, _ Credentials, args ...string) (string, error) {
		calls = append(calls, args)
		return output, err
	}
	return d, &calls
}

func (s *ipmiSuite) TestPowerOnCommand(c *gc.C) {
	d, calls := newRecordingIPMI("", nil)
	err := d.On(context.Background(), Credentials{Address: "10.0.0.1"})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(*calls, gc.DeepEquals, [][]string{{"chassis", "power", "on"}})
}

func (s *ipmiSuite) TestStatusParsesOn(c *gc.C) {
	d, _ := newRecordingIPMI("Chassis Power is on\n", nil)
	state, err := d.Status(context.Background(), Credentials{})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(state, gc.Equals, StateOn)
}

func (s *ipmiSuite) TestStatusParsesOff(c *gc.C) {
	d, _ := newRecordingIPMI("Chassis Power is off\n", nil)
	state, err := d.Status(context.Background(), Credentials{})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(state, gc.Equals, StateOff)
}

func (s *ipmiSuite) TestStatusUnknownOutput(c *gc.C) {
	d, _ := newRecordingIPMI("garbled\n", nil)
	state, err := d.Status(context.Background(), Credentials{})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(state, gc.Equals, StateUnknown)
}

func (s *ipmiSuite) TestSetNextBootOneShot(c *gc.C) {
	d, calls := newRecordingIPMI("", nil)
	err := d.SetNextBoot(context.Background(), Credentials{}, BootDevicePXE, OneShot)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(*calls, gc.DeepEquals, [][]string{{"chassis", "bootdev", "pxe"}})
}

func (s *ipmiSuite) TestSetNextBootPersistent(c *gc.C) {
	d, calls := newRecordingIPMI("", nil)
	err := d.SetNextBoot(context.Background(), Credentials{}, BootDeviceDisk, Persistent)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(*calls, gc.DeepEquals, [][]string{{"chassis", "bootdev", "disk", "options=persistent"}})
}

func (s *ipmiSuite) TestSetNextBootRejectsUnknownDevice(c *gc.C) {
	d, _ := newRecordingIPMI("", nil)
	err := d.SetNextBoot(context.Background(), Credentials{}, BootDevice("floppy"), OneShot)
	c.Check(err, gc.ErrorMatches, `boot device "floppy" not valid`)
}

func (s *ipmiSuite) TestAuthErrorCoercion(c *gc.C) {
	err := coerceIPMIError(errContext, "RAKP 2 HMAC is invalid\n")
	c.Check(err, jc.ErrorIs, ErrAuth)
}

func (s *ipmiSuite) TestUnsupportedErrorCoercion(c *gc.C) {
	err := coerceIPMIError(errContext, "Invalid command\n")
	c.Check(err, jc.ErrorIs, ErrUnsupported)
}

func (s *ipmiSuite) TestBackendErrorCoercion(c *gc.C) {
	err := coerceIPMIError(errContext, "Unable to establish IPMI v2 / RMCP+ session\n")
	c.Check(err, jc.ErrorIs, ErrBackend)
}

var errContext = context.DeadlineExceeded

type redfishSuite struct{}

var _ = gc.Suite(&redfishSuite{})

// newRedfishServer serves a minimal Redfish system resource and
// records reset requests.
func newRedfishServer(c *gc.C, powerState string) (*httptest.Server, *[]map[string]string) {
	var resets []map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc(systemPath, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"PowerState": powerState})
		case http.MethodPatch:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc(systemPath+"/Actions/ComputerSystem.Reset", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		c.Assert(json.NewDecoder(r.Body).Decode(&body), jc.ErrorIsNil)
		resets = append(resets, body)
		w.WriteHeader(http.StatusNoContent)
	})
	return httptest.NewTLSServer(mux), &resets
}

func redfishCreds(srv *httptest.Server) Credentials {
	return Credentials{
		Address:  strings.TrimPrefix(srv.URL, "https://"),
		Username: "root",
		Password: "calvin",
	}
}

func (s *redfishSuite) TestStatus(c *gc.C) {
	srv, _ := newRedfishServer(c, "On")
	defer srv.Close()
	d := NewRedfishDriver(srv.Client())
	state, err := d.Status(context.Background(), redfishCreds(srv))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(state, gc.Equals, StateOn)
}

func (s *redfishSuite) TestOnSendsResetAction(c *gc.C) {
	srv, resets := newRedfishServer(c, "Off")
	defer srv.Close()
	d := NewRedfishDriver(srv.Client())
	err := d.On(context.Background(), redfishCreds(srv))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(*resets, gc.DeepEquals, []map[string]string{{"ResetType": "On"}})
}

func (s *redfishSuite) TestCycleSendsResetAction(c *gc.C) {
	srv, resets := newRedfishServer(c, "On")
	defer srv.Close()
	d := NewRedfishDriver(srv.Client())
	err := d.Cycle(context.Background(), redfishCreds(srv))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(*resets, gc.DeepEquals, []map[string]string{{"ResetType": "PowerCycle"}})
}

func (s *redfishSuite) TestUnauthorizedIsAuthError(c *gc.C) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	d := NewRedfishDriver(srv.Client())
	_, err := d.Status(context.Background(), redfishCreds(srv))
	c.Check(err, jc.ErrorIs, ErrAuth)
}

func (s *redfishSuite) TestNotFoundIsUnsupported(c *gc.C) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	d := NewRedfishDriver(srv.Client())
	err := d.Reset(context.Background(), redfishCreds(srv))
	c.Check(err, jc.ErrorIs, ErrUnsupported)
}

type wolSuite struct{}

var _ = gc.Suite(&wolSuite{})

func (s *wolSuite) TestMagicPacketLayout(c *gc.C) {
	packet, err := magicPacket("aa:bb:cc:dd:ee:ff")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(packet, gc.HasLen, 102)
	for i := 0; i < 6; i++ {
		c.Check(packet[i], gc.Equals, byte(0xff))
	}
	mac := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	for i := 0; i < 16; i++ {
		c.Check(packet[6+i*6:12+i*6], gc.DeepEquals, mac)
	}
}

func (s *wolSuite) TestMagicPacketRejectsBadMAC(c *gc.C) {
	_, err := magicPacket("not-a-mac")
	c.Check(err, jc.Satisfies, func(e error) bool { return e != nil })
}

func (s *wolSuite) TestOffUnsupported(c *gc.C) {
	d := NewWOLDriver("")
	c.Check(d.Off(context.Background(), Credentials{}), jc.ErrorIs, ErrUnsupported)
	c.Check(d.Cycle(context.Background(), Credentials{}), jc.ErrorIs, ErrUnsupported)
	c.Check(d.Reset(context.Background(), Credentials{}), jc.ErrorIs, ErrUnsupported)
	_, err := d.Status(context.Background(), Credentials{})
	c.Check(err, jc.ErrorIs, ErrUnsupported)
}

type registrySuite struct{}

var _ = gc.Suite(&registrySuite{})

func (s *registrySuite) TestKnownDrivers(c *gc.C) {
	r := NewRegistry()
	for _, powerType := range []string{"ipmi", "redfish", "wol"} {
		d, err := r.Driver(powerType)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(d, gc.NotNil)
	}
}

func (s *registrySuite) TestUnknownDriver(c *gc.C) {
	r := NewRegistry()
	_, err := r.Driver("teleport")
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}
