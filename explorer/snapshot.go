package explorer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrMalformedPayload means the top-level device list response was not
// a sequence of records at all. Per-device garbage never triggers it.
var ErrMalformedPayload = errors.New("malformed device list payload")

type StateEntry struct {
	// qualified vendor name, e.g. core:TemperatureState
	Name  string
	Value Value
	// unit hint inferred from the name, empty when unknown
	Unit string
}

type Device struct {
	ID         string
	Label      string
	Type       string
	Available  bool
	States     []StateEntry
	Attributes map[string]Value
	Commands   []string
	// set when the record could not be decoded, states will be empty
	ParseError string
}

// Snapshot is one immutable, fully normalized poll result. Never
// mutated after Build returns, observers may hold it freely.
type Snapshot struct {
	Seq     uint64
	TakenAt time.Time
	Devices map[string]Device
}

// vendor wire shape, see the Overkiz /setup/devices response
type rawDevice struct {
	DeviceURL        string `json:"deviceURL"`
	Label            string `json:"label"`
	ControllableName string `json:"controllableName"`
	Widget           string `json:"widget"`
	UIClass          string `json:"uiClass"`
	Available        bool   `json:"available"`
	States           []struct {
		Name  string          `json:"name"`
		Value json.RawMessage `json:"value"`
	} `json:"states"`
	Attributes []struct {
		Name  string          `json:"name"`
		Value json.RawMessage `json:"value"`
	} `json:"attributes"`
	Definition struct {
		Commands []struct {
			CommandName string `json:"commandName"`
		} `json:"commands"`
	} `json:"definition"`
}

type Builder struct {
	log *zap.SugaredLogger
	seq uint64
}

func NewBuilder(log *zap.SugaredLogger) *Builder {
	return &Builder{log: log}
}

// Build normalizes one poll's raw device list. A device that fails to
// decode still lands in the snapshot with an empty state list so the
// rest of the batch is never blocked. Deterministic for a given input,
// except the sequence number which always increments.
func (b *Builder) Build(payload json.RawMessage) (*Snapshot, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedPayload, err)
	}
	b.seq++
	snap := &Snapshot{
		Seq:     b.seq,
		TakenAt: time.Now(),
		Devices: make(map[string]Device, len(records)),
	}
	for i, rec := range records {
		dev, err := b.buildDevice(rec)
		if err != nil {
			id := extractID(rec)
			if id == "" {
				id = fmt.Sprintf("unparsed:%d", i)
			}
			b.log.Warnf("device %s failed to parse, keeping it stateless: %s", id, err)
			snap.Devices[id] = Device{ID: id, ParseError: err.Error()}
			continue
		}
		snap.Devices[dev.ID] = dev
	}
	return snap, nil
}

func (b *Builder) buildDevice(rec json.RawMessage) (Device, error) {
	var raw rawDevice
	if err := json.Unmarshal(rec, &raw); err != nil {
		return Device{}, fmt.Errorf("cannot decode device record: %w", err)
	}
	if raw.DeviceURL == "" {
		return Device{}, fmt.Errorf("device record has no deviceURL")
	}
	dev := Device{
		ID:        raw.DeviceURL,
		Label:     raw.Label,
		Type:      deviceType(raw),
		Available: raw.Available,
	}
	dev.States = make([]StateEntry, 0, len(raw.States))
	for _, s := range raw.States {
		if s.Name == "" {
			continue
		}
		dev.States = append(dev.States, StateEntry{
			Name:  s.Name,
			Value: ParseValue(s.Value),
			Unit:  UnitHint(s.Name),
		})
	}
	sort.Slice(dev.States, func(i, j int) bool { return dev.States[i].Name < dev.States[j].Name })
	if len(raw.Attributes) > 0 {
		dev.Attributes = make(map[string]Value, len(raw.Attributes))
		for _, a := range raw.Attributes {
			if a.Name == "" {
				continue
			}
			dev.Attributes[a.Name] = ParseValue(a.Value)
		}
	}
	for _, c := range raw.Definition.Commands {
		if c.CommandName != "" {
			dev.Commands = append(dev.Commands, c.CommandName)
		}
	}
	sort.Strings(dev.Commands)
	return dev, nil
}

func deviceType(raw rawDevice) string {
	switch {
	case raw.Widget != "" && raw.UIClass != "":
		return fmt.Sprintf("%s (%s)", raw.Widget, raw.UIClass)
	case raw.Widget != "":
		return raw.Widget
	case raw.UIClass != "":
		return raw.UIClass
	default:
		return raw.ControllableName
	}
}

// best effort id recovery from an otherwise unparseable record
func extractID(rec json.RawMessage) string {
	var probe struct {
		DeviceURL string `json:"deviceURL"`
	}
	if err := json.Unmarshal(rec, &probe); err != nil {
		return ""
	}
	return probe.DeviceURL
}

// UnitHint guesses a unit from the vendor naming convention. Derived
// from the state names the Cozytouch heat pumps actually expose,
// anything unknown gets no unit and is exported as a bare value.
func UnitHint(stateName string) string {
	name := stateName
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	switch {
	case strings.Contains(name, "Temperature"):
		return "°C"
	case strings.Contains(name, "PowerConsumption"), strings.Contains(name, "Power"):
		return "W"
	case strings.Contains(name, "EnergyConsumption"), strings.Contains(name, "Energy"):
		return "Wh"
	case strings.Contains(name, "Humidity"):
		return "%"
	case strings.Contains(name, "OperatingTime"):
		return "h"
	case strings.Contains(name, "RSSILevel"), strings.Contains(name, "SignalStrength"):
		return "dBm"
	default:
		return ""
	}
}
