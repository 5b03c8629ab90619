package explorer

import (
	"sort"
	"time"
)

type Classification uint8

const (
	ClassNew Classification = iota
	ClassChanged
	ClassUnchanged
	ClassMissing
)

func (c Classification) String() string {
	switch c {
	case ClassNew:
		return "new"
	case ClassChanged:
		return "changed"
	case ClassUnchanged:
		return "unchanged"
	default:
		return "missing"
	}
}

// DiscoveryKey is the identity of an observable field across polls.
type DiscoveryKey struct {
	DeviceID string
	State    string
}

// Change is one classified diff entry handed to subscribers.
type Change struct {
	Key   DiscoveryKey
	Class Classification
	Value Value
	Unit  string
	// device label at the time of observation, for entity naming
	Label string
	At    time.Time
}

// differ carries the all-time seen set that makes discovery monotonic:
// a key classified new once is never new again, even after it vanishes
// and comes back.
type differ struct {
	seen    map[DiscoveryKey]Value
	present map[DiscoveryKey]bool
}

func newDiffer() *differ {
	return &differ{
		seen:    map[DiscoveryKey]Value{},
		present: map[DiscoveryKey]bool{},
	}
}

// diff classifies every key in the snapshot against history and
// returns the publishable batch: new, changed and freshly missing
// keys, sorted by device id then state name. Unchanged keys produce
// nothing. A key reappearing after an absence is reported as changed
// even when the value matches, so consumers can flip availability.
func (d *differ) diff(snap *Snapshot) []Change {
	batch := make([]Change, 0, 16)
	inSnap := make(map[DiscoveryKey]bool, len(d.present))
	for _, dev := range snap.Devices {
		for _, st := range dev.States {
			key := DiscoveryKey{DeviceID: dev.ID, State: st.Name}
			inSnap[key] = true
			prev, known := d.seen[key]
			wasPresent := d.present[key]
			var class Classification
			switch {
			case !known:
				class = ClassNew
			case !wasPresent:
				class = ClassChanged
			case !prev.Equal(st.Value):
				class = ClassChanged
			default:
				class = ClassUnchanged
			}
			d.seen[key] = st.Value
			d.present[key] = true
			if class == ClassUnchanged {
				continue
			}
			batch = append(batch, Change{
				Key:   key,
				Class: class,
				Value: st.Value,
				Unit:  st.Unit,
				Label: dev.Label,
				At:    snap.TakenAt,
			})
		}
	}
	// missing fires once per disappearance transition
	for key, present := range d.present {
		if !present || inSnap[key] {
			continue
		}
		d.present[key] = false
		batch = append(batch, Change{
			Key:   key,
			Class: ClassMissing,
			Value: d.seen[key],
			At:    snap.TakenAt,
		})
	}
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].Key.DeviceID != batch[j].Key.DeviceID {
			return batch[i].Key.DeviceID < batch[j].Key.DeviceID
		}
		return batch[i].Key.State < batch[j].Key.State
	})
	return batch
}
