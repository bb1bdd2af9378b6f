package sandbox

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"app-builder/internal/config"
	"app-builder/internal/shared/errkind"
)

func testDefaults() config.SandboxDefaults {
	return config.SandboxDefaults{
		AppName: "base-nitro-bun-codex-cli-app",
		Image:   "joentze/nitro-bun-codex-cli-app-template:latest",
		Workdir: "/app",
		Port:    3000,
		Command: []string{"bun", "dev", "--", "--host", "0.0.0.0"},
		TTL:     time.Hour,
	}
}

func TestCreateSpec_WithDefaults(t *testing.T) {
	t.Run("empty spec", func(t *testing.T) {
		s := CreateSpec{}.WithDefaults(testDefaults())
		assert.Equal(t, "/app", s.Workdir)
		assert.Equal(t, []int{3000}, s.EncryptedPorts)
		assert.Equal(t, []string{"bun", "dev", "--", "--host", "0.0.0.0"}, s.Command)
		assert.Equal(t, int64(3600000), s.TimeoutMs)
	})

	t.Run("explicit values win", func(t *testing.T) {
		s := CreateSpec{Workdir: "/src", EncryptedPorts: []int{8080}, TimeoutMs: 5}.WithDefaults(testDefaults())
		assert.Equal(t, "/src", s.Workdir)
		assert.Equal(t, []int{8080}, s.EncryptedPorts)
		assert.Equal(t, int64(5), s.TimeoutMs)
	})

	t.Run("command slice is copied", func(t *testing.T) {
		d := testDefaults()
		s := CreateSpec{}.WithDefaults(d)
		s.Command[0] = "node"
		assert.Equal(t, "bun", d.Command[0])
	})
}

func TestHandle_Expiry(t *testing.T) {
	h := &Handle{ExpiryDate: 1700000000000}
	assert.Equal(t, int64(1700000000), h.Expiry().Unix())
	assert.True(t, (&Handle{}).Expiry().IsZero())
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		kind  string
		check func(t *testing.T, restored error)
	}{
		{
			name: "provisioning",
			err:  &ProvisioningError{Err: errors.New("quota")},
			kind: "ProvisioningError",
			check: func(t *testing.T, restored error) {
				var pe *ProvisioningError
				assert.ErrorAs(t, restored, &pe)
			},
		},
		{
			name: "exec",
			err:  &SandboxExecError{SandboxID: "sb", Err: errors.New("reset")},
			kind: "SandboxExecError",
			check: func(t *testing.T, restored error) {
				var se *SandboxExecError
				assert.ErrorAs(t, restored, &se)
			},
		},
		{
			name: "timeout",
			err:  &TimeoutError{SandboxID: "sb", Timeout: time.Second},
			kind: "TimeoutError",
			check: func(t *testing.T, restored error) {
				assert.True(t, IsTimeout(restored))
			},
		},
		{
			name: "expired",
			err:  expired("sb"),
			kind: "SandboxExpired",
			check: func(t *testing.T, restored error) {
				assert.ErrorIs(t, restored, ErrSandboxExpired)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.kind, errkind.Of(tt.err))
			restored := errkind.Rebuild(tt.kind, tt.err.Error())
			assert.Equal(t, tt.err.Error(), restored.Error())
			tt.check(t, restored)
		})
	}
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeTimeout, ErrorCode(&TimeoutError{}))
	assert.Equal(t, CodeExpired, ErrorCode(expired("x")))
	assert.Equal(t, "", ErrorCode(errors.New("boom")))
}
