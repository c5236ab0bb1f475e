package discovery

import (
	"net"
	"strings"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestParseServiceEntry(t *testing.T) {
	tests := []struct {
		name      string
		entry     *zeroconf.ServiceEntry
		wantNil   bool
		wantIP    string
		wantPort  int
		wantTLS   bool
		wantProto string
	}{
		{
			name: "plain listener",
			entry: &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: "iotgate-lab"},
				HostName:      "lab.local.",
				Port:          5050,
				AddrIPv4:      []net.IP{net.ParseIP("192.168.4.16")},
				Text:          []string{"proto=1.1", "tls=false"},
			},
			wantIP:    "192.168.4.16",
			wantPort:  5050,
			wantProto: "1.1",
		},
		{
			name: "tls listener over IPv6",
			entry: &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: "iotgate-edge"},
				HostName:      "edge.local.",
				Port:          5051,
				AddrIPv6:      []net.IP{net.ParseIP("fe80::1")},
				Text:          []string{"proto=1.1", "tls=true"},
			},
			wantIP:    "fe80::1",
			wantPort:  5051,
			wantTLS:   true,
			wantProto: "1.1",
		},
		{
			name: "no address",
			entry: &zeroconf.ServiceEntry{
				HostName: "lost.local.",
				Port:     5050,
			},
			wantNil: true,
		},
		{
			name: "no port",
			entry: &zeroconf.ServiceEntry{
				HostName: "lab.local.",
				AddrIPv4: []net.IP{net.ParseIP("10.0.0.5")},
			},
			wantNil: true,
		},
		{
			name:    "nil entry",
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := parseServiceEntry(tt.entry)
			if tt.wantNil {
				if g != nil {
					t.Errorf("parseServiceEntry() = %v, want nil", g)
				}
				return
			}
			if g == nil {
				t.Fatal("parseServiceEntry() returned nil")
			}
			if g.IP != tt.wantIP {
				t.Errorf("IP = %v, want %v", g.IP, tt.wantIP)
			}
			if g.Port != tt.wantPort {
				t.Errorf("Port = %v, want %v", g.Port, tt.wantPort)
			}
			if g.TLS != tt.wantTLS {
				t.Errorf("TLS = %v, want %v", g.TLS, tt.wantTLS)
			}
			if g.Proto != tt.wantProto {
				t.Errorf("Proto = %v, want %v", g.Proto, tt.wantProto)
			}
			if g.DiscoveredAt.IsZero() {
				t.Error("DiscoveredAt should be set")
			}
		})
	}
}

func TestTXTRoundTrip(t *testing.T) {
	records := formatTXT(ServerTXT(true))
	if strings.Join(records, ",") != "proto=1.1,tls=true" {
		t.Errorf("formatTXT(ServerTXT(true)) = %v", records)
	}

	parsed := parseTXT(append(records, "flag"))
	if parsed["proto"] != "1.1" || parsed["tls"] != "true" {
		t.Errorf("parseTXT() = %v", parsed)
	}
	if v, ok := parsed["flag"]; !ok || v != "" {
		t.Errorf("key without value: got %q, %v", v, ok)
	}
}

func TestGatewayString(t *testing.T) {
	g := &Gateway{Instance: "iotgate-lab", Hostname: "lab.local.", IP: "10.0.0.5", Port: 5050, TLS: true}
	want := "iotgate-lab (lab.local.) at tls://10.0.0.5:5050"
	if got := g.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestAdvertiseRejectsBadPort(t *testing.T) {
	if _, err := Advertise("test", 0, nil); err == nil {
		t.Error("Advertise() with port 0 should fail")
	}
}

func TestDefaultInstance(t *testing.T) {
	if !strings.HasPrefix(DefaultInstance(), "iotgate") {
		t.Errorf("DefaultInstance() = %q", DefaultInstance())
	}
}

func TestShutdownNil(t *testing.T) {
	var a *Advertisement
	a.Shutdown()
}
