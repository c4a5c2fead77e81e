package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/tenantctl/internal/apperrors"
)

type DeploymentMode string

const (
	ModePort      DeploymentMode = "port"
	ModeSubdomain DeploymentMode = "subdomain"
	ModeHybrid    DeploymentMode = "hybrid"
)

// DeploymentConfig is the single active description of how tenants are
// exposed and where their databases and workloads live.
type DeploymentConfig struct {
	ID        uuid.UUID `json:"id" mapstructure:"-"`
	IsActive  bool      `json:"is_active" mapstructure:"-"`
	UpdatedAt time.Time `json:"updated_at" mapstructure:"-"`

	Mode              DeploymentMode `json:"mode" mapstructure:"mode"`
	Domain            string         `json:"domain" mapstructure:"domain"`
	UseSSL            bool           `json:"use_ssl" mapstructure:"use_ssl"`
	MasterHost        string         `json:"master_host" mapstructure:"master_host"`
	PortRangeStart    int            `json:"port_range_start" mapstructure:"port_range_start"`
	PortRangeEnd      int            `json:"port_range_end" mapstructure:"port_range_end"`
	ReservedPorts     []int          `json:"reserved_ports" mapstructure:"reserved_ports"`
	ProxyUpstreamHost string         `json:"proxy_upstream_host" mapstructure:"proxy_upstream_host"`
	TrialDays         int            `json:"trial_days" mapstructure:"trial_days"`
	AutoApprove       bool           `json:"auto_approve" mapstructure:"auto_approve"`

	DatabaseServer DatabaseServer `json:"database_server" mapstructure:"database_server"`
	Runtime        RuntimeParams  `json:"runtime" mapstructure:"runtime"`
}

type DatabaseServer struct {
	Host          string `json:"host" mapstructure:"host"`
	Port          int    `json:"port" mapstructure:"port"`
	User          string `json:"user" mapstructure:"user"`
	Password      string `json:"password,omitempty" mapstructure:"password"`
	SSLMode       string `json:"ssl_mode" mapstructure:"ssl_mode"`
	MaintenanceDB string `json:"maintenance_db" mapstructure:"maintenance_db"`
	Template      string `json:"template" mapstructure:"template"`
	// WorkloadHost is the database address as seen from inside a workload.
	WorkloadHost string `json:"workload_host" mapstructure:"workload_host"`
}

type RuntimeParams struct {
	Image       string   `json:"image" mapstructure:"image"`
	Network     string   `json:"network" mapstructure:"network"`
	ServicePort int      `json:"service_port" mapstructure:"service_port"`
	DataMount   string   `json:"data_mount" mapstructure:"data_mount"`
	CPU         float64  `json:"cpu" mapstructure:"cpu"`
	Memory      string   `json:"memory" mapstructure:"memory"`
	BaseModules []string `json:"base_modules" mapstructure:"base_modules"`
}

func (m DeploymentMode) Valid() bool {
	return m == ModePort || m == ModeSubdomain || m == ModeHybrid
}

func (c *DeploymentConfig) Validate() error {
	if !c.Mode.Valid() {
		return apperrors.Validation("mode", fmt.Sprintf("unknown deployment mode %q", c.Mode))
	}
	if c.PortRangeStart < 1024 || c.PortRangeStart > 65535 {
		return apperrors.Validation("port_range_start", "must be between 1024 and 65535")
	}
	if c.PortRangeEnd < 1024 || c.PortRangeEnd > 65535 {
		return apperrors.Validation("port_range_end", "must be between 1024 and 65535")
	}
	if c.PortRangeStart >= c.PortRangeEnd {
		return apperrors.Validation("port_range_start", "must be lower than port_range_end")
	}
	if (c.Mode == ModeSubdomain || c.Mode == ModeHybrid) && c.Domain == "" {
		return apperrors.Validation("domain", "required in subdomain and hybrid modes")
	}
	if c.Runtime.Image == "" {
		return apperrors.Validation("runtime.image", "required")
	}
	if c.Runtime.ServicePort <= 0 || c.Runtime.ServicePort > 65535 {
		return apperrors.Validation("runtime.service_port", "must be a valid port")
	}
	if c.DatabaseServer.Host == "" {
		return apperrors.Validation("database_server.host", "required")
	}
	if c.TrialDays < 0 {
		return apperrors.Validation("trial_days", "must not be negative")
	}
	return nil
}

// PoolSize is the number of ports the configured range can hand out.
func (c *DeploymentConfig) PoolSize() int {
	n := c.PortRangeEnd - c.PortRangeStart + 1
	for _, p := range c.ReservedPorts {
		if p >= c.PortRangeStart && p <= c.PortRangeEnd {
			n--
		}
	}
	return n
}
