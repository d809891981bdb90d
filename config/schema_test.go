package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDescriptor(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			"minimal numeric item",
			`{"TEMP": {"type": "numeric"}}`,
			false,
		},
		{
			"full descriptor",
			`{
				"MODE": {
					"type": "enumerated",
					"description": "operating mode",
					"enumerators": {"0": "Off", "1": "On"},
					"persist": true,
					"settable": true
				},
				"FRAME": {"type": "bulk", "gettable": true},
				"RATE": {"type": "numeric", "units": "Hz", "poll": 0.5}
			}`,
			false,
		},
		{
			"unknown item type",
			`{"TEMP": {"type": "wibble"}}`,
			true,
		},
		{
			"missing type",
			`{"TEMP": {"units": "degC"}}`,
			true,
		},
		{
			"non-boolean persist",
			`{"TEMP": {"type": "numeric", "persist": "yes"}}`,
			true,
		},
		{
			"negative poll",
			`{"TEMP": {"type": "numeric", "poll": -1}}`,
			true,
		},
		{
			"not an object",
			`["TEMP"]`,
			true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := ValidateDescriptor([]byte(test.raw))
			if test.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseDescriptor(t *testing.T) {
	items, err := ParseDescriptor([]byte(`{"TEMP": {"type": "numeric", "units": "degC"}}`))
	require.NoError(t, err)
	require.Contains(t, items, "TEMP")
	assert.Equal(t, TypeNumeric, items["TEMP"].Type)
	assert.Equal(t, "degC", items["TEMP"].Units)

	_, err = ParseDescriptor([]byte(`{"TEMP": {"type": "bogus"}}`))
	assert.Error(t, err)
}
