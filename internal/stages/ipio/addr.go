// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package ipio implements the UDP stages. Packets travel in datagrams of up
// to seven packets, optionally behind an RTP header on input.
package ipio

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var ErrInvalidAddress = errors.New("invalid socket address")

// parseAddress accepts "port", ":port" and "host:port".
func parseAddress(s string) (*net.UDPAddr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidAddress
	}
	if !strings.Contains(s, ":") {
		s = ":" + s
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: port %q", ErrInvalidAddress, portStr)
	}
	addr := &net.UDPAddr{Port: int(port)}
	if host != "" {
		ip := net.ParseIP(host)
		if ip == nil {
			ips, err := net.LookupIP(host)
			if err != nil || len(ips) == 0 {
				return nil, fmt.Errorf("%w: host %q", ErrInvalidAddress, host)
			}
			ip = ips[0]
		}
		if ip.To4() == nil {
			return nil, fmt.Errorf("%w: %s is not IPv4", ErrInvalidAddress, host)
		}
		addr.IP = ip.To4()
	}
	return addr, nil
}

// interfaceFor returns the interface holding the local address ip, or nil
// to let the system choose.
func interfaceFor(ip net.IP) (*net.Interface, error) {
	if ip == nil {
		return nil, nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if n, ok := a.(*net.IPNet); ok && n.IP.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no interface with address %s", ErrInvalidAddress, ip)
}
