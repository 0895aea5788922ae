// Package security guards server-side fetches of URLs taken from untrusted
// on-chain data.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrBlockedURL is returned for URLs that must not be fetched.
var ErrBlockedURL = errors.New("security: url not allowed")

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// CheckPublicURL reports whether rawURL is an http(s) URL whose host is
// public. Private, loopback, link-local and unspecified addresses are
// blocked, both as literals and as DNS results.
func CheckPublicURL(ctx context.Context, rawURL string) error {
	return CheckPublicURLWith(ctx, net.DefaultResolver, rawURL)
}

// CheckPublicURLWith is CheckPublicURL with an explicit resolver.
func CheckPublicURLWith(ctx context.Context, r Resolver, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrBlockedURL)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme must be http or https", ErrBlockedURL)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrBlockedURL)
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q", ErrBlockedURL, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	addrs, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve host %s", ErrBlockedURL, host)
	}
	for _, a := range addrs {
		if err := checkIP(a.IP); err != nil {
			return fmt.Errorf("host %q resolves to blocked address: %w", host, err)
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrBlockedURL)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private address", ErrBlockedURL)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrBlockedURL)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrBlockedURL)
	}
	return nil
}
