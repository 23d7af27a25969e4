// Package config defines the cluster and client option surfaces, loads them
// from YAML files, and decodes behavior-specific settings out of agent
// configuration args.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/mesh/compaction"
	"goa.design/mesh/faults"
	"goa.design/mesh/plan"
)

// ClusteringMode selects the substrate the node runs on.
type ClusteringMode string

const (
	// ModeLocalhost runs everything in process with in-memory providers.
	ModeLocalhost ClusteringMode = "Localhost"
	// ModeRelational backs state and streams with relational storage.
	ModeRelational ClusteringMode = "Relational"
	// ModeCloudTable backs state with a cloud table store.
	ModeCloudTable ClusteringMode = "CloudTable"
)

// Defaults applied by Normalize.
const (
	DefaultConnectionRetryCount = 5
	DefaultConnectionRetryDelay = 3 * time.Second
	DefaultResponseTimeout      = 30 * time.Second
	DefaultGatewayListRefresh   = time.Minute
)

type (
	// ClusterOptions configure a hosting node.
	ClusterOptions struct {
		// ClusterID names the cluster; all nodes of one cluster share it.
		ClusterID string `yaml:"clusterId"`
		// ServiceID distinguishes deployments sharing a substrate.
		ServiceID string `yaml:"serviceId"`
		// Mode selects the substrate. Defaults to ModeLocalhost.
		Mode ClusteringMode `yaml:"mode"`
		// ConnectionString points at the clustering substrate for the
		// non-localhost modes.
		ConnectionString string `yaml:"connectionString,omitempty"`
		// StorageConnectionString points at the state store when it differs
		// from the clustering substrate.
		StorageConnectionString string `yaml:"storageConnectionString,omitempty"`
	}

	// Duration wraps time.Duration so YAML values can be written as "500ms"
	// or "3s". Plain integers decode as nanoseconds.
	Duration time.Duration

	// ClientOptions configure a connecting client process.
	ClientOptions struct {
		// ConnectionRetryCount bounds startup connection attempts.
		ConnectionRetryCount int `yaml:"connectionRetryCount"`
		// ConnectionRetryDelay separates startup connection attempts.
		ConnectionRetryDelay Duration `yaml:"connectionRetryDelay"`
		// GatewayListRefreshPeriod refreshes the known-gateway list.
		GatewayListRefreshPeriod Duration `yaml:"gatewayListRefreshPeriod"`
		// ResponseTimeout bounds request-response calls.
		ResponseTimeout Duration `yaml:"responseTimeout"`
	}

	// File is the on-disk configuration document.
	File struct {
		Cluster ClusterOptions `yaml:"cluster"`
		Client  ClientOptions  `yaml:"client"`
	}
)

// Normalize fills defaults and validates the mode.
func (o *ClusterOptions) Normalize() error {
	if o.Mode == "" {
		o.Mode = ModeLocalhost
	}
	switch o.Mode {
	case ModeLocalhost:
	case ModeRelational, ModeCloudTable:
		if o.ConnectionString == "" {
			return faults.New(faults.KindInvalidConfiguration, "clustering mode %q requires a connection string", o.Mode)
		}
	default:
		return faults.New(faults.KindInvalidConfiguration, "unknown clustering mode %q", o.Mode)
	}
	if o.ClusterID == "" {
		o.ClusterID = "mesh"
	}
	if o.ServiceID == "" {
		o.ServiceID = o.ClusterID
	}
	return nil
}

// Normalize fills defaults.
func (o *ClientOptions) Normalize() {
	if o.ConnectionRetryCount <= 0 {
		o.ConnectionRetryCount = DefaultConnectionRetryCount
	}
	if o.ConnectionRetryDelay <= 0 {
		o.ConnectionRetryDelay = Duration(DefaultConnectionRetryDelay)
	}
	if o.GatewayListRefreshPeriod <= 0 {
		o.GatewayListRefreshPeriod = Duration(DefaultGatewayListRefresh)
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = Duration(DefaultResponseTimeout)
	}
}

// Std returns the wrapped standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts either a duration string or a nanosecond count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		dur, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(dur)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Load reads and normalizes a YAML configuration file. Unknown fields are
// rejected so typos fail loudly.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and normalizes a YAML configuration document.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, faults.Wrap(faults.KindInvalidConfiguration, err, "decode config")
	}
	if err := f.Cluster.Normalize(); err != nil {
		return nil, err
	}
	f.Client.Normalize()
	return &f, nil
}

// Args keys recognized by the planner behavior.
const (
	ArgCompactionEnabled          = "CompactionEnabled"
	ArgCompactionKeepLastN        = "CompactionKeepLastN"
	ArgCompactionMaxContextTokens = "CompactionMaxContextTokens"
	ArgCompactionThreshold        = "CompactionThreshold"
	ArgPlannerEffort              = "PlannerEffort"
)

// CompactionFromArgs decodes a compaction configuration out of agent args.
// Absent keys leave the zero value; malformed values are errors.
func CompactionFromArgs(args map[string]string) (compaction.Config, error) {
	var cfg compaction.Config
	if v, ok := args[ArgCompactionEnabled]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, faults.Wrap(faults.KindInvalidConfiguration, err, "parse %s", ArgCompactionEnabled)
		}
		cfg.Enabled = b
	}
	if v, ok := args[ArgCompactionKeepLastN]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, faults.Wrap(faults.KindInvalidConfiguration, err, "parse %s", ArgCompactionKeepLastN)
		}
		cfg.KeepLastN = n
	}
	if v, ok := args[ArgCompactionMaxContextTokens]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, faults.Wrap(faults.KindInvalidConfiguration, err, "parse %s", ArgCompactionMaxContextTokens)
		}
		cfg.MaxContextTokens = n
	}
	if v, ok := args[ArgCompactionThreshold]; ok {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, faults.Wrap(faults.KindInvalidConfiguration, err, "parse %s", ArgCompactionThreshold)
		}
		cfg.Threshold = t
	}
	return cfg, nil
}

// EffortFromArgs decodes the planner effort level out of agent args,
// defaulting to Standard.
func EffortFromArgs(args map[string]string) (plan.EffortLevel, error) {
	v, ok := args[ArgPlannerEffort]
	if !ok || v == "" {
		return plan.EffortStandard, nil
	}
	switch plan.EffortLevel(v) {
	case plan.EffortQuick, plan.EffortStandard, plan.EffortThorough:
		return plan.EffortLevel(v), nil
	default:
		return "", faults.New(faults.KindInvalidConfiguration, "unknown planner effort %q", v)
	}
}
