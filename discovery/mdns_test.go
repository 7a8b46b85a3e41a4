package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestAdvertiseBuildsTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		HostID:         "host-a",
		Port:           6666,
		Version:        1,
		KeyFingerprint: "ab12",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	advertiser, err := Advertise(cfg)
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	advertiser.Stop()

	if gotInstance != "host-a" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService || gotDomain != DefaultDomain {
		t.Fatalf("unexpected service %q domain %q", gotService, gotDomain)
	}
	if gotPort != 6666 {
		t.Fatalf("unexpected port: %d", gotPort)
	}
	for _, want := range []string{"host_id=host-a", "version=1", "key_fingerprint=ab12"} {
		assertContainsTXT(t, gotTXT, want)
	}
}

func TestAdvertiseRequiresHostAndPort(t *testing.T) {
	register := func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		t.Fatal("register must not be called")
		return nil, nil
	}
	if _, err := Advertise(Config{Port: 1, registerFn: register}); err == nil {
		t.Fatal("expected error without host id")
	}
	if _, err := Advertise(Config{HostID: "h", registerFn: register}); err == nil {
		t.Fatal("expected error without port")
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
