package util

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// maxRangeSize bounds how many addresses a single range may expand to.
const maxRangeSize = 4096

// NormalizeKey lowercases and trims a template or datacenter name so that
// lookups are case insensitive.
func NormalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ParseSubnetMask accepts a dotted IPv4 mask ("255.255.255.0") or a bare
// prefix length ("24") and returns the dotted mask and its prefix length.
func ParseSubnetMask(s string) (string, int, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "/")
	if n, err := strconv.Atoi(s); err == nil {
		if n < 1 || n > 32 {
			return "", 0, fmt.Errorf("prefix length %d out of range 1-32", n)
		}
		mask := net.CIDRMask(n, 32)
		return net.IP(mask).String(), n, nil
	}

	ip := net.ParseIP(s).To4()
	if ip == nil {
		return "", 0, fmt.Errorf("invalid subnet mask %q", s)
	}
	ones, bits := net.IPMask(ip).Size()
	if bits == 0 || ones == 0 {
		return "", 0, fmt.Errorf("subnet mask %q is not contiguous", s)
	}
	return ip.String(), ones, nil
}

// ExpandAddressRange expands "10.0.0.10-10.0.0.20", "10.0.0.10-20", or a
// single address into the IPv4 addresses it covers, inclusive.
func ExpandAddressRange(spec string) ([]string, error) {
	first, last, found := strings.Cut(strings.TrimSpace(spec), "-")
	start := net.ParseIP(strings.TrimSpace(first)).To4()
	if start == nil {
		return nil, fmt.Errorf("invalid address %q", first)
	}
	if !found {
		return []string{start.String()}, nil
	}

	last = strings.TrimSpace(last)
	if !strings.Contains(last, ".") {
		octets := strings.Split(start.String(), ".")
		last = strings.Join(octets[:3], ".") + "." + last
	}
	end := net.ParseIP(last).To4()
	if end == nil {
		return nil, fmt.Errorf("invalid address %q", last)
	}

	lo, hi := binary.BigEndian.Uint32(start), binary.BigEndian.Uint32(end)
	if lo > hi {
		return nil, fmt.Errorf("range %s is reversed", spec)
	}
	if size := hi - lo + 1; size > maxRangeSize {
		return nil, fmt.Errorf("range %s covers %d addresses, at most %d allowed", spec, size, maxRangeSize)
	}

	addrs := make([]string, 0, hi-lo+1)
	for cur := uint64(lo); cur <= uint64(hi); cur++ {
		b := make(net.IP, 4)
		binary.BigEndian.PutUint32(b, uint32(cur))
		addrs = append(addrs, b.String())
	}
	return addrs, nil
}

// IPConfig renders a cloud-init style static address line such as
// "ip=10.0.0.5/24,gw=10.0.0.1".
func IPConfig(address string, prefix int, gateway string) string {
	return fmt.Sprintf("ip=%s/%d,gw=%s", address, prefix, gateway)
}
