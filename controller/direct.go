package controller

import (
	"context"
	"net"
	"net/netip"
	"time"
)

// DialFast resolves every IP for host and races a dial against each,
// returning the first successful connection (original: ubond_socks_init's
// connect, which only ever tried one address; the parallel race here covers
// a TCP_OPEN target that resolves to several IPs with no way to know ahead
// of time which one answers fastest).
func DialFast(addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return (&net.Dialer{Timeout: 3 * time.Second}).Dial("tcp", addr)
	}
	if ip, perr := netip.ParseAddr(host); perr == nil {
		return (&net.Dialer{Timeout: 3 * time.Second}).Dial("tcp", net.JoinHostPort(ip.String(), port))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	addrs, rerr := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if rerr != nil || len(addrs) == 0 {
		return (&net.Dialer{Timeout: 3 * time.Second}).Dial("tcp", addr)
	}
	resCh := make(chan net.Conn, 1)
	for i, ip := range addrs {
		go func(delay int, ip net.IP) {
			if delay > 0 {
				select {
				case <-time.After(time.Duration(delay) * 50 * time.Millisecond):
				case <-ctx.Done():
					return
				}
			}
			d := &net.Dialer{Timeout: 2 * time.Second}
			c, e := d.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), port))
			if e == nil {
				select {
				case resCh <- c:
					cancel()
				default:
					_ = c.Close()
				}
			}
		}(i, ip)
	}
	select {
	case c := <-resCh:
		return c, nil
	case <-ctx.Done():
		return (&net.Dialer{Timeout: 3 * time.Second}).Dial("tcp", addr)
	}
}
