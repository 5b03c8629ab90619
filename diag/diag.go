// Package diag builds the on-demand diagnostics document: everything
// the explorer has ever seen, in one parseable blob.
package diag

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/XANi/cozy2prom/explorer"
	"github.com/XANi/cozy2prom/registry"
)

type Exporter struct {
	Coordinator *explorer.Coordinator
	Tracker     *explorer.Tracker
	Registry    *registry.Registry
}

type Document struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Summary     Summary            `json:"summary"`
	Status      explorer.Status    `json:"status"`
	Devices     []DeviceDump       `json:"devices"`
	Events      []EventDump        `json:"events"`
	KnownKeys   []registry.KeyInfo `json:"known_keys"`
}

type Summary struct {
	Devices   int `json:"devices"`
	Events    int `json:"events"`
	KnownKeys int `json:"known_keys"`
}

type DeviceDump struct {
	ID         string                    `json:"id"`
	Label      string                    `json:"label,omitempty"`
	Type       string                    `json:"type,omitempty"`
	Available  bool                      `json:"available"`
	States     []StateDump               `json:"states"`
	Attributes map[string]explorer.Value `json:"attributes,omitempty"`
	Commands   []string                  `json:"commands,omitempty"`
	ParseError string                    `json:"parse_error,omitempty"`
}

type StateDump struct {
	Name  string         `json:"name"`
	Value explorer.Value `json:"value"`
	Unit  string         `json:"unit,omitempty"`
}

type EventDump struct {
	At       time.Time       `json:"at"`
	Device   string          `json:"device,omitempty"`
	Name     string          `json:"name"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	RawError string          `json:"raw_error,omitempty"`
}

// Export is a pure read over the committed snapshot, the event ring
// and the registry. It cannot fail: values with shapes we do not
// understand come out as tagged opaque strings, never dropped.
func (e *Exporter) Export() Document {
	doc := Document{
		GeneratedAt: time.Now(),
		Status:      e.Coordinator.Status(),
		KnownKeys:   e.Registry.Known(),
	}
	snap := e.Coordinator.Current()
	if snap != nil {
		doc.Devices = make([]DeviceDump, 0, len(snap.Devices))
		for _, dev := range snap.Devices {
			doc.Devices = append(doc.Devices, dumpDevice(dev))
		}
		sort.Slice(doc.Devices, func(i, j int) bool { return doc.Devices[i].ID < doc.Devices[j].ID })
	}
	for _, ev := range e.Tracker.Recent() {
		doc.Events = append(doc.Events, dumpEvent(ev))
	}
	doc.Summary = Summary{
		Devices:   len(doc.Devices),
		Events:    len(doc.Events),
		KnownKeys: len(doc.KnownKeys),
	}
	return doc
}

func dumpDevice(dev explorer.Device) DeviceDump {
	d := DeviceDump{
		ID:         dev.ID,
		Label:      dev.Label,
		Type:       dev.Type,
		Available:  dev.Available,
		Attributes: dev.Attributes,
		Commands:   dev.Commands,
		ParseError: dev.ParseError,
		States:     make([]StateDump, 0, len(dev.States)),
	}
	for _, st := range dev.States {
		d.States = append(d.States, StateDump{Name: st.Name, Value: st.Value, Unit: st.Unit})
	}
	return d
}

func dumpEvent(ev explorer.Event) EventDump {
	d := EventDump{
		At:     ev.At,
		Device: ev.DeviceID,
		Name:   ev.Name,
	}
	// payload is vendor JSON as received, but never trust it: anything
	// that does not re-validate is exported as a marker instead
	if json.Valid([]byte(ev.Payload)) {
		d.Payload = json.RawMessage(ev.Payload)
	} else if ev.Payload != "" {
		d.RawError = "unparseable payload: " + ev.Payload
	}
	return d
}
