package model

import (
	"fmt"
	"time"
)

type PowerState string

const (
	PowerUnknown PowerState = "unknown"
	PowerOn      PowerState = "on"
	PowerOff     PowerState = "off"
)

// ProcessorState is the coarse lifecycle stage the processor reports via ssp.procstate.
type ProcessorState int

const (
	ProcessorUnknown      ProcessorState = -1
	ProcessorSleep        ProcessorState = 0
	ProcessorInitializing ProcessorState = 1
	ProcessorOn           ProcessorState = 2
)

func (s ProcessorState) String() string {
	switch s {
	case ProcessorSleep:
		return "sleep"
	case ProcessorInitializing:
		return "initializing"
	case ProcessorOn:
		return "on"
	default:
		return "unknown"
	}
}

func (s ProcessorState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ProcessorState) UnmarshalText(text []byte) error {
	for _, candidate := range []ProcessorState{ProcessorUnknown, ProcessorSleep, ProcessorInitializing, ProcessorOn} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown processor state %q", text)
}

type PollingMode string

const (
	ModeNormal       PollingMode = "normal"
	ModePowerOnBurst PollingMode = "power_on_burst"
)

type MediaState string

const (
	MediaOff       MediaState = "off"
	MediaOn        MediaState = "on"
	MediaBuffering MediaState = "buffering"
)

type Input struct {
	ID   int    `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// DeviceSnapshot is the last decoded device state. Nil pointer fields mean "absent".
type DeviceSnapshot struct {
	Power     PowerState     `json:"power_state"`
	Processor ProcessorState `json:"processor_state"`
	VolumeDB  *float64       `json:"volume_db"`
	Muted     *bool          `json:"muted"`
	InputID   *int           `json:"input_id"`
	PresetID  *int           `json:"preset_id"`
	Dimmed    *bool          `json:"dimmed"`
	Inputs    []Input        `json:"input_catalog"`
	Available bool           `json:"available"`
	Mode      PollingMode    `json:"mode"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewSnapshot returns the state assumed before the first poll completes.
func NewSnapshot() DeviceSnapshot {
	return DeviceSnapshot{
		Power:     PowerUnknown,
		Processor: ProcessorUnknown,
		Inputs:    []Input{},
		Mode:      ModeNormal,
	}
}

// FullyOn reports whether the device is powered and its processor has finished initializing.
func (s DeviceSnapshot) FullyOn() bool {
	return s.Power == PowerOn && s.Processor == ProcessorOn
}

// ResetLiveControls clears the fields that are only meaningful while the processor is on.
func (s *DeviceSnapshot) ResetLiveControls() {
	s.VolumeDB = nil
	s.Muted = nil
	s.InputID = nil
	s.PresetID = nil
	s.Dimmed = nil
}

func (s DeviceSnapshot) MediaState() MediaState {
	switch {
	case s.Power == PowerOff:
		return MediaOff
	case s.Processor == ProcessorInitializing:
		return MediaBuffering
	case s.Processor == ProcessorOn:
		return MediaOn
	default:
		return MediaOff
	}
}

// SourceName resolves the current input id through the catalog.
func (s DeviceSnapshot) SourceName() string {
	if s.InputID == nil {
		return ""
	}
	for _, in := range s.Inputs {
		if in.ID == *s.InputID {
			return in.Name
		}
	}
	return ""
}

func (s DeviceSnapshot) SourceList() []string {
	names := make([]string, 0, len(s.Inputs))
	for _, in := range s.Inputs {
		names = append(names, in.Name)
	}
	return names
}

// Clone returns a copy that shares no pointers with s.
func (s DeviceSnapshot) Clone() DeviceSnapshot {
	out := s
	if s.VolumeDB != nil {
		v := *s.VolumeDB
		out.VolumeDB = &v
	}
	if s.Muted != nil {
		v := *s.Muted
		out.Muted = &v
	}
	if s.InputID != nil {
		v := *s.InputID
		out.InputID = &v
	}
	if s.PresetID != nil {
		v := *s.PresetID
		out.PresetID = &v
	}
	if s.Dimmed != nil {
		v := *s.Dimmed
		out.Dimmed = &v
	}
	out.Inputs = make([]Input, len(s.Inputs))
	copy(out.Inputs, s.Inputs)
	return out
}
