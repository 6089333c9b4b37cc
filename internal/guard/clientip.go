package guard

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

var DefaultClientIPHeaders = []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP"}

// ClientIPResolver picks the client address. Forwarding headers are only
// honored behind a trusted proxy.
type ClientIPResolver struct {
	trustForwarded bool
	headers        []string
}

func NewClientIPResolver(trustForwarded bool, headers []string) *ClientIPResolver {
	if len(headers) == 0 {
		headers = DefaultClientIPHeaders
	}
	return &ClientIPResolver{trustForwarded: trustForwarded, headers: headers}
}

func (r *ClientIPResolver) Resolve(req *http.Request) string {
	if r.trustForwarded {
		for _, h := range r.headers {
			value := req.Header.Get(h)
			if value == "" {
				continue
			}
			// X-Forwarded-For: client, proxy1, proxy2
			first := strings.TrimSpace(strings.Split(value, ",")[0])
			if addr, err := netip.ParseAddr(first); err == nil {
				return addr.Unmap().String()
			}
		}
	}
	return remoteIP(req.RemoteAddr)
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap().String()
	}
	return host
}
