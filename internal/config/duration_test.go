package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: " 10s ", want: 10 * time.Second},
		{raw: "720h", want: 30 * day},
		{raw: "30d", want: 30 * day},
		{raw: "0d", want: 0},
		{raw: "1.5d", wantErr: true},
		{raw: "-1s", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDurationField("storage.audit_retention", tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "storage.audit_retention")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("relay.call_timeout", "", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)

	d, err = ParseDurationOrDefault("relay.call_timeout", "2s", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	_, err = ParseDurationOrDefault("relay.call_timeout", "x", 10*time.Second)
	require.Error(t, err)
}
