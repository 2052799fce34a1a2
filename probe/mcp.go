package probe

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/petal-labs/switchboard/catalog"
	"github.com/petal-labs/switchboard/probe/mcp"
)

// closeTimeout bounds transport teardown after a probe, independent of the
// probe's own deadline which may already have passed.
const closeTimeout = 2 * time.Second

// MCPProber opens an MCP session, runs initialize and tools/list, and reports
// the tool names as capabilities. Descriptors with a Command are spawned over
// stdio; all others are reached over HTTP at Address.
type MCPProber struct {
	HTTPClient *http.Client
	ClientInfo mcp.Implementation
}

// Probe implements Prober.
func (p *MCPProber) Probe(ctx context.Context, desc catalog.Descriptor) (Result, error) {
	transport, err := p.transport(ctx, desc)
	if err != nil {
		return Result{}, err
	}
	client := mcp.NewClient(transport, mcp.Options{ClientInfo: p.ClientInfo})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = client.Close(closeCtx)
	}()

	info, err := client.Initialize(ctx)
	if err != nil {
		return Result{}, Classify(err)
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		return Result{}, Classify(err)
	}

	capabilities := make([]string, 0, len(tools))
	for _, tool := range tools {
		capabilities = append(capabilities, tool.Name)
	}
	return Result{Name: info.ServerInfo.Name, Capabilities: capabilities}, nil
}

func (p *MCPProber) transport(ctx context.Context, desc catalog.Descriptor) (mcp.Transport, error) {
	if strings.TrimSpace(desc.Command) != "" {
		transport, err := mcp.NewStdioTransport(ctx, mcp.StdioTransportConfig{
			Command: desc.Command,
			Args:    desc.Args,
			Env:     desc.Env,
		})
		if err != nil {
			return nil, newError(CodeTransportFailure, false, err)
		}
		return transport, nil
	}

	if strings.TrimSpace(desc.Address) == "" {
		return nil, newError(CodeInvalidDescriptor, false, errors.New("mcp provider needs an address or a command"))
	}
	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	transport, err := mcp.NewHTTPTransport(mcp.HTTPTransportConfig{
		Endpoint: desc.Address,
		Headers:  desc.Headers,
		Client:   client,
	})
	if err != nil {
		return nil, newError(CodeInvalidDescriptor, false, err)
	}
	return transport, nil
}
