// Package deployment selects how tenants are exposed: on a host port, behind
// a proxied subdomain, or both.
package deployment

import (
	"fmt"
	"net"
	"strconv"

	"github.com/nikhilbhutani/tenantctl/internal/models"
)

// Strategy answers every mode-dependent question the orchestrator asks.
type Strategy interface {
	Mode() models.DeploymentMode
	// NeedsPort reports whether approval must allocate a host port.
	NeedsPort() bool
	// NeedsProxyRule reports whether provisioning registers a proxy route.
	NeedsProxyRule() bool
	// PublishPort reports whether the workload's service port is bound on the host.
	PublishPort() bool
	Hostname(t *models.Tenant) string
	AccessURL(t *models.Tenant) string
	// Upstream is the private address the proxy forwards to.
	Upstream(t *models.Tenant) string
}

// New picks the strategy for cfg.Mode. cfg must already be validated.
func New(cfg models.DeploymentConfig) (Strategy, error) {
	b := base{cfg: cfg}
	switch cfg.Mode {
	case models.ModePort:
		return portStrategy{b}, nil
	case models.ModeSubdomain:
		return subdomainStrategy{b}, nil
	case models.ModeHybrid:
		return hybridStrategy{b}, nil
	}
	return nil, fmt.Errorf("unknown deployment mode %q", cfg.Mode)
}

// LoginURL is the tenant's sign-in page.
func LoginURL(s Strategy, t *models.Tenant) string {
	u := s.AccessURL(t)
	if u == "" {
		return ""
	}
	return u + "/web/login"
}

// ContainerName is the deterministic workload name for a handle.
func ContainerName(handle string) string {
	return "saas_" + handle
}

func VolumeName(handle string) string {
	return "saas_" + handle + "_data"
}

type base struct {
	cfg models.DeploymentConfig
}

func (b base) scheme() string {
	if b.cfg.UseSSL {
		return "https"
	}
	return "http"
}

func (b base) subdomain(t *models.Tenant) string {
	return t.Handle + "." + b.cfg.Domain
}

func (b base) hostPort(t *models.Tenant) string {
	host := b.cfg.MasterHost
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(t.Port))
}

type portStrategy struct{ base }

func (portStrategy) Mode() models.DeploymentMode { return models.ModePort }
func (portStrategy) NeedsPort() bool             { return true }
func (portStrategy) NeedsProxyRule() bool        { return false }
func (portStrategy) PublishPort() bool           { return true }

func (s portStrategy) Hostname(t *models.Tenant) string {
	return s.hostPort(t)
}

func (s portStrategy) AccessURL(t *models.Tenant) string {
	if t.Port == 0 {
		return ""
	}
	return fmt.Sprintf("%s://%s", s.scheme(), s.hostPort(t))
}

func (s portStrategy) Upstream(t *models.Tenant) string {
	return s.hostPort(t)
}

type subdomainStrategy struct{ base }

func (subdomainStrategy) Mode() models.DeploymentMode { return models.ModeSubdomain }
func (subdomainStrategy) NeedsPort() bool             { return false }
func (subdomainStrategy) NeedsProxyRule() bool        { return true }
func (subdomainStrategy) PublishPort() bool           { return false }

func (s subdomainStrategy) Hostname(t *models.Tenant) string {
	return s.subdomain(t)
}

func (s subdomainStrategy) AccessURL(t *models.Tenant) string {
	return fmt.Sprintf("%s://%s", s.scheme(), s.subdomain(t))
}

// Upstream addresses the workload by container name on the shared network.
func (s subdomainStrategy) Upstream(t *models.Tenant) string {
	return net.JoinHostPort(ContainerName(t.Handle), strconv.Itoa(s.cfg.Runtime.ServicePort))
}

// hybridStrategy publishes a host port and also routes a subdomain to it.
type hybridStrategy struct{ base }

func (hybridStrategy) Mode() models.DeploymentMode { return models.ModeHybrid }
func (hybridStrategy) NeedsPort() bool             { return true }
func (hybridStrategy) NeedsProxyRule() bool        { return true }
func (hybridStrategy) PublishPort() bool           { return true }

func (s hybridStrategy) Hostname(t *models.Tenant) string {
	return s.subdomain(t)
}

func (s hybridStrategy) AccessURL(t *models.Tenant) string {
	return fmt.Sprintf("%s://%s", s.scheme(), s.subdomain(t))
}

func (s hybridStrategy) Upstream(t *models.Tenant) string {
	host := s.cfg.ProxyUpstreamHost
	if host == "" {
		host = "host.docker.internal"
	}
	return net.JoinHostPort(host, strconv.Itoa(t.Port))
}
