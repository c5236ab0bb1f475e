// Package discovery announces and finds iotgate servers with mDNS.
//
// A server registers itself as an "_iotgate._tcp" service in the "local."
// domain with TXT records describing the protocol version and whether the
// listener expects TLS. Scanner browses for those announcements so operators
// can locate gateways on the local network.
//
// # Usage Example
//
//	adv, err := discovery.Advertise("", 5050, discovery.ServerTXT(false))
//	if err != nil {
//	    return err
//	}
//	defer adv.Shutdown()
//
//	gateways, err := discovery.ScanForGateways(3 * time.Second)
package discovery
