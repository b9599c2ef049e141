// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	runerr "github.com/fieldkit-run/fieldkit/pkg/errors"
)

func baseContext() Context {
	return Context{
		Parameters: map[string]interface{}{
			"timeout": 30,
			"name":    "widget",
		},
		Variables: map[string]interface{}{
			"count": 3,
		},
		Credentials: func(name string) (map[string]interface{}, bool) {
			if name == "gw" {
				return map[string]interface{}{
					"username":    "svc",
					"password":    "hunter2",
					"gateway_url": "https://gw.local",
				}, true
			}
			return nil, false
		},
		StepOutputs: map[string]map[string]interface{}{
			"login": {"token": "abc123"},
		},
	}
}

func TestResolve_LiteralIdempotence(t *testing.T) {
	v, err := Resolve("just a plain string", baseContext())
	require.NoError(t, err)
	assert.Equal(t, "just a plain string", v)
}

func TestResolve_WholeStringPreservesType(t *testing.T) {
	v, err := Resolve("{{ parameter.timeout }}", baseContext())
	require.NoError(t, err)
	assert.Equal(t, 30, v)
}

func TestResolve_EmbeddedStringifies(t *testing.T) {
	v, err := Resolve("name={{ parameter.name }}-suffix", baseContext())
	require.NoError(t, err)
	assert.Equal(t, "name=widget-suffix", v)
}

func TestResolve_CredentialSubfield(t *testing.T) {
	v, err := Resolve("{{ credential.gw.gateway_url }}", baseContext())
	require.NoError(t, err)
	assert.Equal(t, "https://gw.local", v)
}

func TestResolve_StepOutput(t *testing.T) {
	v, err := Resolve("Bearer {{ step.login.token }}", baseContext())
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc123", v)
}

func TestResolve_UndefinedReferenceFails(t *testing.T) {
	_, err := Resolve("{{ step.not_yet_run.token }}", baseContext())
	require.Error(t, err)
	assert.True(t, runerr.IsKind(err, runerr.KindReference))
}

func TestResolve_EscapeIdentity(t *testing.T) {
	v, err := Resolve("{{{{ }}}}", baseContext())
	require.NoError(t, err)
	assert.Equal(t, "{{ }}", v)
}

func TestResolve_RecursesIntoContainers(t *testing.T) {
	in := map[string]interface{}{
		"headers": map[string]interface{}{
			"Authorization": "Bearer {{ step.login.token }}",
		},
		"tags": []interface{}{"{{ parameter.name }}", "static"},
	}
	out, err := Resolve(in, baseContext())
	require.NoError(t, err)
	m := out.(map[string]interface{})
	assert.Equal(t, "Bearer abc123", m["headers"].(map[string]interface{})["Authorization"])
	assert.Equal(t, []interface{}{"widget", "static"}, m["tags"])
}

func TestResolve_VariableReference(t *testing.T) {
	v, err := Resolve("{{ variable.count }}", baseContext())
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}
