package tun

import "testing"

func TestParseSubnet(t *testing.T) {
	tests := []struct {
		arg    string
		prefix string
		host   string
		mcu    string
	}{
		{"fd00::", "fd00::", "fd00::1", "fd00::2"},
		{"2001:db8:1:2::", "2001:db8:1:2::", "2001:db8:1:2::1", "2001:db8:1:2::2"},
		// Host bits are cleared before deriving the addresses.
		{"fd00::dead:beef", "fd00::", "fd00::1", "fd00::2"},
	}

	for _, test := range tests {
		sub, err := ParseSubnet(test.arg)
		if err != nil {
			t.Fatalf("%s: %v", test.arg, err)
		}

		if sub.Prefix.String() != test.prefix {
			t.Errorf("%s: prefix is %s, expected %s", test.arg, sub.Prefix, test.prefix)
		}
		if sub.Host.String() != test.host {
			t.Errorf("%s: host is %s, expected %s", test.arg, sub.Host, test.host)
		}
		if sub.MCU.String() != test.mcu {
			t.Errorf("%s: mcu is %s, expected %s", test.arg, sub.MCU, test.mcu)
		}
	}
}

func TestParseSubnetRejectsBadInput(t *testing.T) {
	for _, arg := range []string{"", "not an address", "192.0.2.1", "fd00::/64"} {
		if _, err := ParseSubnet(arg); err == nil {
			t.Errorf("%q was accepted as an IPv6 prefix", arg)
		}
	}
}
