package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/petal-labs/switchboard/catalog"
	"github.com/petal-labs/switchboard/probe/mcp"
)

const maxManifestBytes = 1 << 20

// Manifest is the JSON document an http provider serves at its address.
type Manifest struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// HTTPProber fetches a capability manifest with GET.
type HTTPProber struct {
	Client *http.Client
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, desc catalog.Descriptor) (Result, error) {
	if strings.TrimSpace(desc.Address) == "" {
		return Result{}, newError(CodeInvalidDescriptor, false, errors.New("http provider needs an address"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.Address, nil)
	if err != nil {
		return Result{}, newError(CodeInvalidDescriptor, false, err)
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range desc.Headers {
		req.Header.Set(key, value)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxManifestBytes))
		return Result{}, Classify(&mcp.StatusError{StatusCode: resp.StatusCode})
	}

	var manifest Manifest
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxManifestBytes)).Decode(&manifest); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, Classify(ctxErr)
		}
		return Result{}, newError(CodeDecodeFailure, false, fmt.Errorf("decode manifest: %w", err))
	}
	return Result{Name: manifest.Name, Capabilities: manifest.Capabilities}, nil
}
