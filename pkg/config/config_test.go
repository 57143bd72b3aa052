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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default("https://mgmt.example.com/xcatws")

	assert.Equal(t, "https://mgmt.example.com/xcatws", cfg.Endpoint)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.AuthSkew.Std())
	assert.Equal(t, 3, *cfg.AuthRetries)
	assert.Equal(t, 3, *cfg.ObserveRetries)
	assert.Equal(t, 5*time.Second, cfg.PollInterval.Std())
	assert.Equal(t, 15*time.Minute, cfg.PollCeiling.Std())
	assert.Equal(t, 3, *cfg.PollFaultBudget)
	assert.Len(t, cfg.NodeStates, 3)
	require.NoError(t, cfg.Validate())
}

func TestParse(t *testing.T) {
	doc := []byte(`
endpoint: https://mgmt.example.com/xcatws
request-timeout: 5s
auth-skew: 1m
auth-retries: 5
poll-interval: 2s
poll-ceiling: 10m
node-states:
  - operation: powered_on
    status-attribute: state
    converged-values: ["Running", "on"]
    failed-values: ["error"]
`)
	cfg, err := Parse(doc)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.RequestTimeout.Std())
	assert.Equal(t, time.Minute, cfg.AuthSkew.Std())
	assert.Equal(t, 5, *cfg.AuthRetries)
	assert.Equal(t, 2*time.Second, cfg.PollInterval.Std())
	assert.Equal(t, 10*time.Minute, cfg.PollCeiling.Std())

	rule, ok := cfg.StateRule(OperationPoweredOn)
	require.True(t, ok)
	assert.Equal(t, "state", rule.StatusAttribute)
	assert.Equal(t, []string{"Running", "on"}, rule.ConvergedValues)

	// Unspecified tunables keep their defaults.
	assert.Equal(t, 3, *cfg.ObserveRetries)
}

func TestParseInvalid(t *testing.T) {
	testCases := []struct {
		name string
		doc  string
	}{
		{
			name: "missing endpoint",
			doc:  "request-timeout: 5s",
		},
		{
			name: "endpoint without scheme",
			doc:  "endpoint: mgmt.example.com/xcatws",
		},
		{
			name: "malformed duration",
			doc:  "endpoint: https://mgmt.example.com/xcatws\nrequest-timeout: soon",
		},
		{
			name: "unknown node-state operation",
			doc: `endpoint: https://mgmt.example.com/xcatws
node-states:
  - operation: hibernate
    status-attribute: power
    converged-values: ["off"]`,
		},
		{
			name: "node-state without converged values",
			doc: `endpoint: https://mgmt.example.com/xcatws
node-states:
  - operation: powered_off
    status-attribute: power`,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			assert.Error(t, err)
		})
	}
}

func TestStateRule(t *testing.T) {
	cfg := Default("https://mgmt.example.com/xcatws")

	rule, ok := cfg.StateRule(OperationReset)
	require.True(t, ok)
	assert.Equal(t, "status", rule.StatusAttribute)
	assert.Contains(t, rule.ConvergedValues, "booted")

	_, ok = cfg.StateRule("hibernate")
	assert.False(t, ok)
}
