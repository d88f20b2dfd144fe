package tempfiles

import (
	"fmt"
	"strings"
)

// URLBuilder derives the publicly reachable download URL for an id. It is
// a pure function of the id and the deployment configuration: building
// the URL for the same id twice yields the same string, so a link can be
// re-derived later without re-registering the file.
type URLBuilder struct {
	protocol   string
	publicHost string
	bindAddr   string
}

// NewURLBuilder creates a URL builder. publicHost is the host (and
// optional port) clients reach the service on; when empty, the bind
// address is used with the configured protocol. The fallback is only
// correct when clients can reach the bind address directly, which is not
// the case behind a reverse proxy or NAT.
func NewURLBuilder(protocol, publicHost, bindAddr string) *URLBuilder {
	if protocol == "" {
		protocol = "http"
	}
	return &URLBuilder{
		protocol:   protocol,
		publicHost: publicHost,
		bindAddr:   bindAddr,
	}
}

// BuildURL returns the download URL for id.
func (b *URLBuilder) BuildURL(id string) string {
	host := b.publicHost
	if host == "" {
		host = b.bindAddr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
	}
	return fmt.Sprintf("%s://%s/files/%s", b.protocol, host, id)
}
