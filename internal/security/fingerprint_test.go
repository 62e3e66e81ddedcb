package security

import (
	"testing"

	"github.com/identityplane/sessioncore/internal/domain"
)

func TestFingerprintDeterministic(t *testing.T) {
	d := domain.DeviceInfo{
		Name:      "MacBook Pro",
		Platform:  "macOS",
		IPAddress: "203.0.113.42",
		UserAgent: "Mozilla/5.0",
	}
	a := Fingerprint(d)
	b := Fingerprint(d)
	if a == "" {
		t.Fatal("empty fingerprint")
	}
	if a != b {
		t.Fatalf("fingerprint not deterministic: %q vs %q", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("fingerprint length = %d, want 32 hex chars", len(a))
	}
}

func TestFingerprintStableWithinSubnet(t *testing.T) {
	base := domain.DeviceInfo{Name: "phone", Platform: "iOS", IPAddress: "203.0.113.10", UserAgent: "app/1.0"}
	moved := base
	moved.IPAddress = "203.0.113.250"
	if Fingerprint(base) != Fingerprint(moved) {
		t.Fatal("fingerprint changed within the same /24")
	}

	elsewhere := base
	elsewhere.IPAddress = "198.51.100.10"
	if Fingerprint(base) == Fingerprint(elsewhere) {
		t.Fatal("fingerprint identical across networks")
	}
}

func TestFingerprintDiffersByDevice(t *testing.T) {
	a := domain.DeviceInfo{Name: "laptop", Platform: "linux", IPAddress: "203.0.113.1", UserAgent: "ff"}
	b := a
	b.Platform = "windows"
	if Fingerprint(a) == Fingerprint(b) {
		t.Fatal("different platforms produced the same fingerprint")
	}
}

func TestFingerprintHandlesMissingFields(t *testing.T) {
	got := Fingerprint(domain.DeviceInfo{})
	if got == "" {
		t.Fatal("empty device info should still hash")
	}
	partial := Fingerprint(domain.DeviceInfo{UserAgent: "curl/8.0"})
	if partial == got {
		t.Fatal("partial info should differ from empty info")
	}
}

func TestMaskIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"203.0.113.42", "203.0.113.0"},
		{"10.1.2.3", "10.1.2.0"},
		{"2001:db8:abcd:1234::1", "2001:db8:abcd::"},
		{" 192.0.2.7 ", "192.0.2.0"},
		{"not-an-ip", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := MaskIP(tt.in); got != tt.want {
			t.Errorf("MaskIP(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
