package httpapi

import (
	"net"
	"net/http"
	"strings"
)

// ClientAddress resolves the originating client of r. The first non-empty
// header in headers wins, taking its left-most comma separated value;
// otherwise the host part of RemoteAddr is used.
func ClientAddress(r *http.Request, headers []string) string {
	for _, h := range headers {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		if i := strings.IndexByte(v, ','); i >= 0 {
			v = v[:i]
		}
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
