package security

import (
	"encoding/hex"
	"net"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/identityplane/sessioncore/internal/domain"
)

// Fingerprint derives a deterministic hash from device and network signals.
// It is an anomaly-detection signal only, never an authentication factor.
// The IP is masked to its subnet first so DHCP churn within one network does
// not change the fingerprint.
func Fingerprint(d domain.DeviceInfo) string {
	components := []string{
		d.Name,
		d.Platform,
		MaskIP(d.IPAddress),
		d.UserAgent,
	}

	var filtered []string
	for _, c := range components {
		if c != "" {
			filtered = append(filtered, c)
		}
	}

	sum := blake2b.Sum256([]byte(strings.Join(filtered, "|")))
	return hex.EncodeToString(sum[:16])
}

// MaskIP zeroes the host bits of an address before it is stored or hashed:
// /24 for IPv4, /48 for IPv6. Unparseable input is dropped entirely rather
// than stored raw.
func MaskIP(raw string) string {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return ip.Mask(net.CIDRMask(48, 128)).String()
}
