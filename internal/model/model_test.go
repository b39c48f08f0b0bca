package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func poweredOn() DeviceSnapshot {
	vol := -42.0
	muted := true
	input := 3
	preset := 1
	dimmed := false
	return DeviceSnapshot{
		Power:     PowerOn,
		Processor: ProcessorOn,
		VolumeDB:  &vol,
		Muted:     &muted,
		InputID:   &input,
		PresetID:  &preset,
		Dimmed:    &dimmed,
		Inputs:    []Input{{ID: 1, Name: "Apple TV"}, {ID: 3, Name: "HDMI 3"}},
		Available: true,
		Mode:      ModeNormal,
	}
}

func TestMediaState(t *testing.T) {
	tests := []struct {
		name      string
		power     PowerState
		processor ProcessorState
		want      MediaState
	}{
		{"off", PowerOff, ProcessorOn, MediaOff},
		{"initializing", PowerOn, ProcessorInitializing, MediaBuffering},
		{"fully on", PowerOn, ProcessorOn, MediaOn},
		{"sleeping", PowerOn, ProcessorSleep, MediaOff},
		{"unknown", PowerUnknown, ProcessorUnknown, MediaOff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DeviceSnapshot{Power: tt.power, Processor: tt.processor}
			assert.Equal(t, tt.want, s.MediaState())
		})
	}
}

func TestFullyOn(t *testing.T) {
	s := poweredOn()
	assert.True(t, s.FullyOn())

	s.Processor = ProcessorInitializing
	assert.False(t, s.FullyOn())

	s = poweredOn()
	s.Power = PowerUnknown
	assert.False(t, s.FullyOn())
}

func TestSourceName(t *testing.T) {
	s := poweredOn()
	assert.Equal(t, "HDMI 3", s.SourceName())
	assert.Equal(t, []string{"Apple TV", "HDMI 3"}, s.SourceList())

	missing := 9
	s.InputID = &missing
	assert.Empty(t, s.SourceName())

	s.InputID = nil
	assert.Empty(t, s.SourceName())
}

func TestResetLiveControls(t *testing.T) {
	s := poweredOn()
	s.ResetLiveControls()

	assert.Nil(t, s.VolumeDB)
	assert.Nil(t, s.Muted)
	assert.Nil(t, s.InputID)
	assert.Nil(t, s.PresetID)
	assert.Nil(t, s.Dimmed)
	assert.Len(t, s.Inputs, 2)
}

func TestCloneSharesNothing(t *testing.T) {
	orig := poweredOn()
	c := orig.Clone()

	*c.VolumeDB = -10
	*c.Muted = false
	c.Inputs[0].Name = "Changed"

	assert.Equal(t, -42.0, *orig.VolumeDB)
	assert.True(t, *orig.Muted)
	assert.Equal(t, "Apple TV", orig.Inputs[0].Name)

	empty := NewSnapshot().Clone()
	assert.NotNil(t, empty.Inputs)
}

func TestSnapshotJSON(t *testing.T) {
	data, err := json.Marshal(NewSnapshot())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "unknown", raw["power_state"])
	assert.Equal(t, "unknown", raw["processor_state"])
	assert.Nil(t, raw["volume_db"])
	assert.Equal(t, []any{}, raw["input_catalog"])

	var back DeviceSnapshot
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ProcessorUnknown, back.Processor)

	var bad ProcessorState
	assert.Error(t, bad.UnmarshalText([]byte("warming")))
}
