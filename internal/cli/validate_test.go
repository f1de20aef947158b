package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFields(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		code     int // 0 means success
		contains []string
	}{
		{
			name:     "valid product",
			args:     []string{"product", "--field", "name=Tea", "--field", "price=450"},
			contains: []string{"✓ product fields valid"},
		},
		{
			name:     "missing required field",
			args:     []string{"sale", "--field", "product_id=p1", "--field", "unit_price=1"},
			code:     ExitFailure,
			contains: []string{"violation(s)", "quantity"},
		},
		{
			name:     "constraint violated",
			args:     []string{"product", "--field", "price=-1"},
			code:     ExitFailure,
			contains: []string{"price"},
		},
		{
			name:     "unknown type",
			args:     []string{"invoice"},
			code:     ExitCommandError,
			contains: []string{"Error [E002]", "invoice"},
		},
		{
			name:     "malformed field",
			args:     []string{"product", "--field", "price"},
			code:     ExitCommandError,
			contains: []string{"Error [E001]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			cmd := NewValidateCommand(&RootOptions{Format: "text"})
			cmd.SetOut(buf)
			cmd.SetArgs(tt.args)

			err := cmd.Execute()
			if tt.code == 0 {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.code, GetExitCode(err))
			}
			for _, s := range tt.contains {
				assert.Contains(t, buf.String(), s)
			}
		})
	}
}

func TestValidateFieldsJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"sale", "--field", "product_id=p1", "--field", "quantity=0", "--field", "unit_price=1"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Data ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.False(t, resp.Data.Valid)
	require.Len(t, resp.Data.Errors, 1)
	assert.Equal(t, "quantity", resp.Data.Errors[0].Field)
}

func TestValidateConfig(t *testing.T) {
	env := newTestEnv(t, true, "")

	out, err := runCLI(t, "-c", env.configPath, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "config valid")
}

func TestValidateConfig_Violations(t *testing.T) {
	env := newTestEnv(t, true, `auth:
  token: abc
  token_file: /tmp/token
`)
	// log.level is already set; override the format through the environment.
	t.Setenv("SYNCQ_LOG_FORMAT", "xml")

	out, err := runCLI(t, "-c", env.configPath, "--format", "json", "validate")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var result ValidationResult
	decodeResponse(t, out, &result)
	fields := make([]string, 0, len(result.Errors))
	for _, v := range result.Errors {
		fields = append(fields, v.Field)
	}
	assert.ElementsMatch(t, []string{"log.format", "auth"}, fields)
}

func TestValidateConfig_LoadError(t *testing.T) {
	env := newTestEnv(t, true, "")
	t.Setenv("SYNCQ_QUEUE_CONCURRENCY", "0")

	out, err := runCLI(t, "-c", env.configPath, "validate")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E003]")
}
