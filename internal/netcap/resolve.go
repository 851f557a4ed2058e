package netcap

import (
	"fmt"
	"net"
)

// lookupIPv4 resolves host to a 4-byte IPv4 address, accepting both dotted
// quads and hostnames.
func lookupIPv4(host string) ([]byte, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return nil, err
		}
		for _, candidate := range ips {
			if v4 := candidate.To4(); v4 != nil {
				return v4, nil
			}
		}
		return nil, fmt.Errorf("netcap: no IPv4 address for %q", host)
	}
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("netcap: %q is not an IPv4 address", host)
	}
	return v4, nil
}
