package gateway

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/vyrodovalexey/svcgw/internal/auth"
	"github.com/vyrodovalexey/svcgw/internal/config"
	"github.com/vyrodovalexey/svcgw/internal/observability"
)

// policy is the reloadable part of the dispatch path.
type policy struct {
	versions      map[string]bool
	authenticator auth.Authenticator
	exemptions    *auth.Exemptions
}

func (p *policy) supportsVersion(version string) bool {
	return p.versions[version]
}

// policyHolder swaps policies atomically so in-flight requests keep the
// policy they started with.
type policyHolder struct {
	current atomic.Pointer[policy]
}

func (h *policyHolder) Load() *policy {
	return h.current.Load()
}

func (h *policyHolder) Store(p *policy) {
	h.current.Store(p)
}

// buildPolicy creates the authenticator and compiles the exemption rules
// of cfg. The auth service's public endpoints are always exempt.
func buildPolicy(
	cfg *config.GatewayConfig,
	logger observability.Logger,
	client *http.Client,
	onVerifierState func(from, to string),
) (*policy, error) {
	versions := make(map[string]bool, len(cfg.Gateway.APIVersions))
	for _, v := range cfg.Gateway.APIVersions {
		versions[v] = true
	}

	opts := []auth.Option{auth.WithLogger(logger)}
	if client != nil {
		opts = append(opts, auth.WithHTTPClient(client))
	}
	if onVerifierState != nil {
		opts = append(opts, auth.WithBreakerStateCallback(onVerifierState))
	}
	authenticator, err := auth.New(cfg.Auth, opts...)
	if err != nil {
		return nil, fmt.Errorf("authenticator: %w", err)
	}

	rules := make([]string, 0, len(cfg.Auth.Exemptions)+1)
	rules = append(rules, auth.DefaultExemption(cfg.Auth.ServiceName))
	rules = append(rules, cfg.Auth.Exemptions...)
	exemptions, err := auth.CompileExemptions(rules, logger)
	if err != nil {
		return nil, fmt.Errorf("auth exemptions: %w", err)
	}

	return &policy{
		versions:      versions,
		authenticator: authenticator,
		exemptions:    exemptions,
	}, nil
}
