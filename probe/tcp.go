package probe

import (
	"context"
	"errors"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/petal-labs/switchboard/catalog"
)

// TCPProber treats a provider as reachable when a TCP connection to its
// address succeeds. It reports the declared capabilities.
type TCPProber struct {
	Dialer net.Dialer
}

// Probe implements Prober.
func (p *TCPProber) Probe(ctx context.Context, desc catalog.Descriptor) (Result, error) {
	hostPort, err := dialAddress(desc.Address)
	if err != nil {
		return Result{}, newError(CodeInvalidDescriptor, false, err)
	}
	conn, err := p.Dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return Result{}, Classify(err)
	}
	_ = conn.Close()
	return Result{Capabilities: slices.Clone(desc.Capabilities)}, nil
}

// dialAddress accepts "host:port" or any URL with a host and port.
func dialAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", errors.New("tcp provider needs an address")
	}
	if strings.Contains(address, "://") {
		parsed, err := url.Parse(address)
		if err != nil {
			return "", err
		}
		address = parsed.Host
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return "", err
	}
	return address, nil
}
