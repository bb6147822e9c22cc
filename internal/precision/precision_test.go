package precision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloorToStep(t *testing.T) {
	tests := []struct {
		name string
		qty  float64
		step string
		want string
	}{
		{"exact multiple", 0.005, "0.001", "0.005"},
		{"floors remainder", 0.0059, "0.001", "0.005"},
		{"float noise", 0.1 + 0.2, "0.1", "0.3"},
		{"coarse step", 7.9, "0.5", "7.5"},
		{"integer step", 123.7, "1", "123"},
		{"zero step passthrough", 0.0051, "0", "0.0051"},
		{"bad step passthrough", 0.0051, "", "0.0051"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FloorToStep(tt.qty, tt.step))
		})
	}
}

func TestCeilToStep(t *testing.T) {
	require.Equal(t, "0.006", CeilToStep(0.0051, "0.001"))
	require.Equal(t, "0.005", CeilToStep(0.005, "0.001"))
}

func TestFloorToTick(t *testing.T) {
	require.Equal(t, "64123.1", FloorToTick(64123.19, "0.1"))
}

func TestFloat(t *testing.T) {
	require.Equal(t, 0.005, Float(FloorToStep(0.0059, "0.001")))
}
