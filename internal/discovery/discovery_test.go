package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestEntryURL(t *testing.T) {
	e := &zeroconf.ServiceEntry{
		AddrIPv4: []net.IP{net.ParseIP("192.168.1.5")},
		Port:     8081,
		Text:     []string{"path=/sync"},
	}
	url, ok := entryURL(e)
	if !ok {
		t.Fatal("entry without address")
	}
	if url != "ws://192.168.1.5:8081/sync" {
		t.Errorf("unexpected url %s", url)
	}

	e = &zeroconf.ServiceEntry{
		AddrIPv6: []net.IP{net.ParseIP("fe80::1")},
		Port:     8081,
	}
	url, _ = entryURL(e)
	if url != "ws://[fe80::1]:8081/ws" {
		t.Errorf("unexpected url %s", url)
	}

	if _, ok := entryURL(&zeroconf.ServiceEntry{}); ok {
		t.Error("entry without address accepted")
	}
}
