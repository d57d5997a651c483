// Package netx builds HTTP clients that route provider traffic through an
// optional SOCKS5 proxy.
package netx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// DefaultTimeout bounds a whole request made by a client from [NewClient].
const DefaultTimeout = 120 * time.Second

// NewClient returns an HTTP client that dials through the SOCKS5 proxy named
// by proxyURL. An empty proxyURL returns a plain client with the default
// timeout.
//
// The socks5h scheme leaves host name resolution to the proxy; socks5
// resolves locally, preferring IPv4, and hands the proxy an IP address.
func NewClient(proxyURL string) (*http.Client, error) {
	if proxyURL == "" {
		return &http.Client{Timeout: DefaultTimeout}, nil
	}
	dial, err := SOCKSDialer(proxyURL)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dial
	return &http.Client{
		Transport: transport,
		Timeout:   DefaultTimeout,
	}, nil
}

// DialFunc matches [http.Transport.DialContext].
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// SOCKSDialer parses proxyURL and returns a dial function that connects
// through it.
func SOCKSDialer(proxyURL string) (DialFunc, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("netx: parse proxy url: %w", err)
	}
	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		return nil, fmt.Errorf("netx: unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("netx: proxy url has no host")
	}

	var auth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	d, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("netx: socks5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("netx: socks5 dialer does not support contexts")
	}

	remoteDNS := u.Scheme == "socks5h"
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !remoteDNS {
			resolved, err := resolve(ctx, addr)
			if err != nil {
				return nil, err
			}
			addr = resolved
		}
		return cd.DialContext(ctx, network, addr)
	}, nil
}

func resolve(ctx context.Context, addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	if net.ParseIP(host) != nil {
		return addr, nil
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", fmt.Errorf("netx: resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("netx: resolve %s: no addresses", host)
	}
	ip := ips[0].IP
	for _, a := range ips {
		if a.IP.To4() != nil {
			ip = a.IP
			break
		}
	}
	return net.JoinHostPort(ip.String(), port), nil
}
