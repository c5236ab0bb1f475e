package discovery

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/grandcat/zeroconf"
	"github.com/muurk/iotgate/internal/logging"
	"github.com/muurk/iotgate/internal/protocol"
	"go.uber.org/zap"
)

// Advertisement is a registered mDNS service.
type Advertisement struct {
	Instance string
	Port     int
	server   *zeroconf.Server
}

// ServerTXT returns the TXT records a server announces.
func ServerTXT(tls bool) map[string]string {
	return map[string]string{
		"proto": protocol.Version,
		"tls":   strconv.FormatBool(tls),
	}
}

// DefaultInstance names the service after the host.
func DefaultInstance() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "iotgate"
	}
	return "iotgate-" + host
}

// Advertise registers the listener on port. An empty instance uses
// DefaultInstance.
func Advertise(instance string, port int, txt map[string]string) (*Advertisement, error) {
	if instance == "" {
		instance = DefaultInstance()
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("cannot advertise invalid port %d", port)
	}

	server, err := zeroconf.Register(instance, ServiceType, ServiceDomain, port, formatTXT(txt), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}

	logging.Info("Advertising server via mDNS",
		zap.String("instance", instance),
		zap.String("service", ServiceType),
		zap.Int("port", port),
	)
	return &Advertisement{Instance: instance, Port: port, server: server}, nil
}

// Shutdown withdraws the announcement.
func (a *Advertisement) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	logging.Debug("mDNS advertisement withdrawn", zap.String("instance", a.Instance))
}

// formatTXT renders records as sorted key=value strings.
func formatTXT(txt map[string]string) []string {
	out := make([]string, 0, len(txt))
	for k, v := range txt {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
