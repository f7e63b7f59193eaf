package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
)

// ClientID derives a stable identifier for this host from its hostname and
// the first hardware MAC address. The same machine always produces the same
// ID, so re-registration after a wipe reclaims the old identity.
func ClientID() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("get hostname: %w", err)
	}
	mac, err := firstHardwareAddr()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(hostname + ":" + mac))
	return hex.EncodeToString(sum[:])[:16], nil
}

func firstHardwareAddr() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}
	// Containers and odd network stacks may expose no MAC at all.
	return "no-mac", nil
}
