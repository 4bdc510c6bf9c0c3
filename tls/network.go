package tls

import (
	"net"
	"slices"
)

// GetLANIPs returns the IPv4 addresses of interfaces that are up and not
// loopback.
func GetLANIPs() ([]string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ip := lanIPv4(addr); ip != nil {
				ips = append(ips, ip.String())
			}
		}
	}
	return ips, nil
}

func lanIPv4(addr net.Addr) net.IP {
	var ip net.IP
	switch v := addr.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	}
	if ip == nil || ip.IsLoopback() {
		return nil
	}
	return ip.To4()
}

// GetAllHosts returns localhost, extra and the LAN addresses without
// duplicates. The loopback names are returned even when enumeration fails.
func GetAllHosts(extra ...string) ([]string, error) {
	hosts := []string{"localhost", "127.0.0.1"}
	add := func(h string) {
		if h != "" && !slices.Contains(hosts, h) {
			hosts = append(hosts, h)
		}
	}
	for _, h := range extra {
		add(h)
	}

	lanIPs, err := GetLANIPs()
	for _, ip := range lanIPs {
		add(ip)
	}
	return hosts, err
}
