/*
Copyright 2026 The xcat_ctl Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

const (
	// Operations a node state rule can apply to. They mirror the
	// desired states a node descriptor may carry.
	OperationReset      = "reset"
	OperationPoweredOn  = "powered_on"
	OperationPoweredOff = "powered_off"
)

// Duration is a time.Duration that unmarshals from YAML duration
// strings such as "10s" or "15m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds everything the client, reconciler and tracker need at
// runtime. Zero values are filled in by ApplyDefaults.
type Config struct {
	// Endpoint is the full URI of the xCat REST API, e.g.
	// https://mgmt.example.com/xcatws.
	Endpoint string `yaml:"endpoint" validate:"required,max=1000,is-endpoint"`
	// CACert is an optional PEM bundle used to verify the API server.
	CACert string `yaml:"ca-cert" validate:"omitempty,max=10000"`

	RequestTimeout Duration `yaml:"request-timeout" validate:"min=0"`
	AuthSkew       Duration `yaml:"auth-skew" validate:"min=0"`

	// AuthRetries bounds retries of the token call on transient
	// transport failures. Authentication rejections are never retried.
	AuthRetries *int `yaml:"auth-retries" validate:"omitempty,gte=0,lte=10"`
	// ObserveRetries bounds retries of the read-before-diff step.
	ObserveRetries *int `yaml:"observe-retries" validate:"omitempty,gte=0,lte=10"`

	PollInterval Duration `yaml:"poll-interval" validate:"min=0"`
	PollCeiling  Duration `yaml:"poll-ceiling" validate:"min=0"`
	// PollFaultBudget is the number of consecutive transport failures
	// tolerated while polling a node operation before it is failed.
	PollFaultBudget *int `yaml:"poll-fault-budget" validate:"omitempty,gte=0,lte=10"`

	// NodeStates decides, per operation, which node attribute to read
	// and which values count as converged. The field names and values
	// are deployment specific, so they are configuration rather than
	// constants.
	NodeStates []NodeStateRule `yaml:"node-states" validate:"dive"`
}

// NodeStateRule is the convergence predicate for one node operation.
type NodeStateRule struct {
	Operation       string   `yaml:"operation" validate:"required,oneof=reset powered_on powered_off"`
	StatusAttribute string   `yaml:"status-attribute" validate:"required,max=255"`
	ConvergedValues []string `yaml:"converged-values" validate:"required,min=1,dive,max=255"`
	FailedValues    []string `yaml:"failed-values" validate:"omitempty,dive,max=255"`
}

// Default returns a Config for the given endpoint with every tunable at
// its default.
func Default(endpoint string) *Config {
	c := &Config{Endpoint: endpoint}
	c.ApplyDefaults()
	return c
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals, defaults and validates a YAML config document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		slog.Error("Failed yaml unmarshal", "error", err)
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = Duration(10 * time.Second)
	}
	if c.AuthSkew == 0 {
		c.AuthSkew = Duration(30 * time.Second)
	}
	if c.AuthRetries == nil {
		c.AuthRetries = ptr.To(3)
	}
	if c.ObserveRetries == nil {
		c.ObserveRetries = ptr.To(3)
	}
	if c.PollInterval == 0 {
		c.PollInterval = Duration(5 * time.Second)
	}
	if c.PollCeiling == 0 {
		c.PollCeiling = Duration(15 * time.Minute)
	}
	if c.PollFaultBudget == nil {
		c.PollFaultBudget = ptr.To(3)
	}
	if len(c.NodeStates) == 0 {
		c.NodeStates = DefaultNodeStates()
	}
}

// DefaultNodeStates matches stock xCat reporting: rpower state for the
// power operations, nodelist status for reset completion.
func DefaultNodeStates() []NodeStateRule {
	return []NodeStateRule{
		{Operation: OperationPoweredOn, StatusAttribute: "power", ConvergedValues: []string{"on"}, FailedValues: []string{"error"}},
		{Operation: OperationPoweredOff, StatusAttribute: "power", ConvergedValues: []string{"off"}, FailedValues: []string{"error"}},
		{Operation: OperationReset, StatusAttribute: "status", ConvergedValues: []string{"booted"}, FailedValues: []string{"failed", "error"}},
	}
}

// Validate checks the config against its struct tags.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.RegisterValidation("is-endpoint", ValidateEndpoint); err != nil {
		return err
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation error: %w", err)
	}
	return nil
}

// StateRule returns the node state rule configured for an operation.
func (c *Config) StateRule(operation string) (NodeStateRule, bool) {
	for _, rule := range c.NodeStates {
		if rule.Operation == operation {
			return rule, true
		}
	}
	return NodeStateRule{}, false
}

// ValidateEndpoint requires an absolute http or https URI.
func ValidateEndpoint(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return true
	}
	slog.Error("validation error. Endpoint must start with http:// or https://", "value", value)
	return false
}
