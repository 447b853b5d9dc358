package creds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValid(t *testing.T) {
	c, err := New("fleet123", "device1234", "FOS-"+repeat("a1", 16), true)
	require.NoError(t, err)
	assert.Equal(t, "fleet123", c.FleetID)
	assert.True(t, c.Prod)
}

func repeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}

func TestValidationTruthTable(t *testing.T) {
	validSecret := "FOS-" + repeat("a1", 16)

	cases := []struct {
		name         string
		fleetID      string
		deviceID     string
		deviceSecret string
		wantKind     ErrKind
	}{
		{"fleet missing", "", "device1234", validSecret, FleetIDMissing},
		{"fleet wrong length", "short", "device1234", validSecret, FleetIDInvalid},
		{"fleet bad charset", "fleet!!!", "device1234", validSecret, FleetIDInvalid},
		{"device missing", "fleet123", "", validSecret, DeviceIDMissing},
		{"device wrong length", "fleet123", "short", validSecret, DeviceIDInvalid},
		{"device bad charset", "fleet123", "devic-!!!1", validSecret, DeviceIDInvalid},
		{"secret missing", "fleet123", "device1234", "", DeviceSecretMissing},
		{"secret wrong length", "fleet123", "device1234", "FOS-short", DeviceSecretInvalid},
		{"secret bad prefix", "fleet123", "device1234", "XXX-" + repeat("a1", 16), DeviceSecretInvalid},
		{"secret bad charset", "fleet123", "device1234", "FOS-" + repeat("!!", 16), DeviceSecretInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.fleetID, tc.deviceID, tc.deviceSecret, false)
			require.Error(t, err)
			var credErr *Error
			require.ErrorAs(t, err, &credErr)
			assert.Equal(t, tc.wantKind, credErr.Kind)
		})
	}
}

func TestFingerprintDeterministicAndSensitive(t *testing.T) {
	secret := "FOS-" + repeat("a1", 16)
	a, err := New("fleet123", "device1234", secret, true)
	require.NoError(t, err)
	b, err := New("fleet123", "device1234", secret, true)
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	c, err := New("fleet123", "device1234", secret, false)
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())

	d, err := New("fleet124", "device1234", secret, true)
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())
}
