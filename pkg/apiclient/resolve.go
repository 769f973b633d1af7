package apiclient

import (
	"fmt"
	"net"
	"strings"

	"github.com/papercomputeco/agentdbg/pkg/config"
	"github.com/papercomputeco/agentdbg/pkg/dotdir"
)

// Resolve picks the server to talk to. An explicit target wins, then the
// server recorded in the .agentdbg directory, then client.api_target from
// the config.
func Resolve(configDir, explicit string) (*Client, error) {
	if explicit != "" {
		return New(explicit)
	}

	state, err := dotdir.NewManager().LoadServerState(configDir)
	if err != nil {
		return nil, err
	}
	if state != nil && state.Listen != "" {
		return New(TargetForListen(state.Listen))
	}

	cfger, err := config.NewConfiger(configDir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg, err := cfger.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return New(cfg.Client.APITarget)
}

// TargetForListen turns a listen address into a URL a local client can
// dial. Wildcard and empty hosts become localhost.
func TargetForListen(listen string) string {
	if strings.HasPrefix(listen, "http://") || strings.HasPrefix(listen, "https://") {
		return listen
	}

	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
