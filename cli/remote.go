package cli

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/switchboard/catalog"
	"github.com/petal-labs/switchboard/config"
)

const remoteTimeout = 10 * time.Second

// NewServicesCmd creates the "services" subcommand.
func NewServicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "services",
		Short: "List the catalog held by a running daemon",
		RunE:  runServices,
	}
	addRemoteFlags(cmd)
	cmd.Flags().String("capability", "", "Only show reachable providers advertising this capability")
	return cmd
}

// NewAgentsCmd creates the "agents" subcommand.
func NewAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List the agents known to a running daemon",
		RunE:  runAgents,
	}
	addRemoteFlags(cmd)
	return cmd
}

func addRemoteFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "http://"+config.DefaultListenAddr, "Daemon base URL")
	cmd.Flags().StringP("output", "o", "table", "Output format: table or json")
}

func runServices(cmd *cobra.Command, _ []string) error {
	capability, _ := cmd.Flags().GetString("capability")
	query := url.Values{}
	if strings.TrimSpace(capability) != "" {
		query.Set("capability", capability)
	}

	var resp struct {
		Services []catalog.Entry `json:"services"`
	}
	raw, err := fetchJSON(cmd, "/api/services", query, &resp)
	if err != nil {
		return err
	}
	return writeRemote(cmd, raw, func(w io.Writer) { renderServices(w, resp.Services) })
}

func runAgents(cmd *cobra.Command, _ []string) error {
	var resp struct {
		Agents []catalog.Agent `json:"agents"`
	}
	raw, err := fetchJSON(cmd, "/api/agents", nil, &resp)
	if err != nil {
		return err
	}
	return writeRemote(cmd, raw, func(w io.Writer) { renderAgents(w, resp.Agents) })
}

func writeRemote(cmd *cobra.Command, raw []byte, table func(io.Writer)) error {
	output, _ := cmd.Flags().GetString("output")
	switch output {
	case "json":
		_, err := cmd.OutOrStdout().Write(raw)
		return err
	case "table":
		table(cmd.OutOrStdout())
		return nil
	default:
		return exitError(exitValidation, "unknown output format %q", output)
	}
}

// fetchJSON GETs path from the daemon and decodes the body into target. The
// raw body is returned for json output.
func fetchJSON(cmd *cobra.Command, path string, query url.Values, target any) ([]byte, error) {
	server, _ := cmd.Flags().GetString("server")
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(server), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, exitError(exitValidation, "invalid --server %q", server)
	}
	endpoint := base.JoinPath(path)
	endpoint.RawQuery = query.Encode()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, remoteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, exitError(exitRuntime, "%v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, exitError(exitUnreachable, "daemon unreachable at %s: %v", base, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, exitError(exitRuntime, "reading response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Code != "" {
			return nil, exitError(exitRuntime, "%s: %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return nil, exitError(exitRuntime, "daemon returned %s", resp.Status)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, exitError(exitRuntime, "decoding response: %v", err)
	}
	return raw, nil
}

