package transport

import (
	"net"
	"net/netip"
	"testing"
)

func TestRemoteIP(t *testing.T) {
	cases := []struct {
		addr net.Addr
		want string
	}{
		{&net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 80}, "10.0.0.7"},
		{&net.TCPAddr{IP: net.ParseIP("::ffff:192.168.1.2"), Port: 80}, "192.168.1.2"},
		{&net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 443}, "2001:db8::1"},
		{&net.UnixAddr{Name: "/tmp/sock", Net: "unix"}, ""},
	}
	for _, c := range cases {
		ip, ok := RemoteIP(c.addr)
		if c.want == "" {
			if ok {
				t.Fatalf("%v: expected no IP, got %v", c.addr, ip)
			}
			continue
		}
		if !ok || ip != netip.MustParseAddr(c.want) {
			t.Fatalf("%v: got %v, want %s", c.addr, ip, c.want)
		}
	}
}
