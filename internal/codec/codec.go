package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/thatsimonsguy/stormaudio-controller/internal/model"
)

// Commands of the bracketed ssp.* dialect.
const (
	PowerOn     = "ssp.power.on"
	PowerOff    = "ssp.power.off"
	PowerQuery  = "ssp.power"
	VolumeQuery = "ssp.vol"
	VolumeUp    = "ssp.vol.up"
	VolumeDown  = "ssp.vol.down"
	MuteOn      = "ssp.mute.on"
	MuteOff     = "ssp.mute.off"
	MuteToggle  = "ssp.mute.toggle"
	MuteQuery   = "ssp.mute"
	InputQuery  = "ssp.input"
	InputList   = "ssp.input.list"
	InputNext   = "ssp.input.next"
	InputPrev   = "ssp.input.prev"
	PresetQuery = "ssp.preset"
	DimOn       = "ssp.dim.on"
	DimOff      = "ssp.dim.off"
	DimQuery    = "ssp.dim"
	ProcState   = "ssp.procstate"
	KeepAlive   = "ssp.keepalive"

	volumeSet = "ssp.vol."
	inputSet  = "ssp.input."
	presetSet = "ssp.preset."
)

// InputListEnd terminates the multi-line reply to InputList.
const InputListEnd = "ssp.input.list.end"

// Device-native volume range in dB.
const (
	VolumeMinDB = -100
	VolumeMaxDB = 0
)

// ReplyPrefix returns the prefix a reply to query starts with.
func ReplyPrefix(query string) string {
	return query + "."
}

// ValueReplyPrefix narrows ReplyPrefix to bracketed replies so that, for example,
// ssp.input.list traffic is not mistaken for the answer to ssp.input.
func ValueReplyPrefix(query string) string {
	return query + ".["
}

// InputListItemPrefix is the prefix of each catalog entry line.
func InputListItemPrefix() string {
	return InputList + ".["
}

// SetVolume builds the absolute volume command for a 0..1 level.
func SetVolume(level float64) string {
	return bracketed(volumeSet, NormalizedToDevice(level))
}

// SetInput selects the input with the given catalog id.
func SetInput(id int) string {
	return bracketed(inputSet, id)
}

// SetPreset recalls a stored preset.
func SetPreset(id int) string {
	return bracketed(presetSet, id)
}

func SetPower(on bool) string {
	if on {
		return PowerOn
	}
	return PowerOff
}

func SetMute(muted bool) string {
	if muted {
		return MuteOn
	}
	return MuteOff
}

func SetDim(on bool) string {
	if on {
		return DimOn
	}
	return DimOff
}

func bracketed(base string, v int) string {
	return fmt.Sprintf("%s[%d]", base, v)
}

// NormalizedToDevice maps a 0..1 level onto the device dB range.
func NormalizedToDevice(level float64) int {
	if math.IsNaN(level) {
		level = 0
	}
	level = clampFloat(level, 0, 1)
	db := int(math.Round(level*100)) - 100
	return clampInt(db, VolumeMinDB, VolumeMaxDB)
}

// DeviceToNormalized maps a device dB value onto 0..1.
func DeviceToNormalized(db float64) float64 {
	return clampFloat((db+100)/100, 0, 1)
}

// Payload extracts the text between the first '[' and the following ']' of a line that starts with prefix.
func Payload(line, prefix string) (string, bool) {
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	start := strings.IndexByte(line, '[')
	if start < 0 {
		return "", false
	}
	end := strings.IndexByte(line[start+1:], ']')
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(line[start+1 : start+1+end]), true
}

// DecodeInt parses an integer payload.
func DecodeInt(line, prefix string) (int, bool) {
	p, ok := Payload(line, prefix)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(p)
	if err != nil {
		return 0, false
	}
	return v, true
}

// DecodeFloat parses a finite numeric payload.
func DecodeFloat(line, prefix string) (float64, bool) {
	p, ok := Payload(line, prefix)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(p, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// DecodeVolume returns the reported dB value clamped to the device range.
func DecodeVolume(line string) (float64, bool) {
	v, ok := DecodeFloat(line, ReplyPrefix(VolumeQuery))
	if !ok {
		return 0, false
	}
	return clampFloat(v, VolumeMinDB, VolumeMaxDB), true
}

// DecodeSwitch decodes "<prefix>on" / "<prefix>off" replies.
func DecodeSwitch(line, prefix string) (bool, bool) {
	switch firstToken(line, prefix) {
	case "on":
		return true, true
	case "off":
		return false, true
	}
	return false, false
}

func DecodePower(line string) model.PowerState {
	on, ok := DecodeSwitch(line, ReplyPrefix(PowerQuery))
	switch {
	case !ok:
		return model.PowerUnknown
	case on:
		return model.PowerOn
	default:
		return model.PowerOff
	}
}

func DecodeProcessorState(line string) model.ProcessorState {
	v, ok := DecodeInt(line, ReplyPrefix(ProcState))
	if !ok {
		return model.ProcessorUnknown
	}
	switch s := model.ProcessorState(v); s {
	case model.ProcessorSleep, model.ProcessorInitializing, model.ProcessorOn:
		return s
	}
	return model.ProcessorUnknown
}

// DecodeInputEntry parses a catalog line such as ssp.input.list.["Apple TV", 1, 10, 0].
func DecodeInputEntry(line string) (model.Input, bool) {
	if !strings.HasPrefix(line, InputListItemPrefix()) {
		return model.Input{}, false
	}
	raw := strings.TrimPrefix(line, InputList+".")
	end := strings.LastIndexByte(raw, ']')
	if end < 0 {
		return model.Input{}, false
	}

	var fields []any
	if err := json.Unmarshal([]byte(raw[:end+1]), &fields); err != nil || len(fields) < 2 {
		return model.Input{}, false
	}
	name, ok := fields[0].(string)
	if !ok || strings.TrimSpace(name) == "" {
		return model.Input{}, false
	}
	id, ok := fields[1].(float64)
	if !ok || id != math.Trunc(id) {
		return model.Input{}, false
	}
	return model.Input{ID: int(id), Name: name}, true
}

func firstToken(line, prefix string) string {
	if !strings.HasPrefix(line, prefix) {
		return ""
	}
	fields := strings.FieldsFunc(strings.TrimPrefix(line, prefix), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
