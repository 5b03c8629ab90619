package explorer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapOf(seq uint64, devs map[string]map[string]Value) *Snapshot {
	s := &Snapshot{Seq: seq, TakenAt: time.Unix(int64(1700000000+seq), 0), Devices: map[string]Device{}}
	for id, states := range devs {
		d := Device{ID: id, Label: "dev " + id, Available: true}
		for name, v := range states {
			d.States = append(d.States, StateEntry{Name: name, Value: v, Unit: UnitHint(name)})
		}
		s.Devices[id] = d
	}
	return s
}

func keysOf(batch []Change) []DiscoveryKey {
	out := make([]DiscoveryKey, 0, len(batch))
	for _, c := range batch {
		out = append(out, c.Key)
	}
	return out
}

func TestDiffInitialDiscovery(t *testing.T) {
	d := newDiffer()
	batch := d.diff(snapOf(1, map[string]map[string]Value{
		"A": {"core:TemperatureState": NumberValue(21)},
		"B": {"core:TemperatureState": NumberValue(19)},
	}))
	require.Len(t, batch, 2)
	for _, c := range batch {
		assert.Equal(t, ClassNew, c.Class)
	}
}

func TestDiffDeterministicOrdering(t *testing.T) {
	d := newDiffer()
	d.diff(snapOf(1, map[string]map[string]Value{
		"A": {"core:TemperatureState": NumberValue(21)},
		"B": {"core:TemperatureState": NumberValue(19)},
	}))
	batch := d.diff(snapOf(2, map[string]map[string]Value{
		"A": {"core:TemperatureState": NumberValue(22)},
		"B": {"core:TemperatureState": NumberValue(19)},
	}))
	// exactly one changed event for A, nothing for the unchanged B
	require.Len(t, batch, 1)
	assert.Equal(t, DiscoveryKey{DeviceID: "A", State: "core:TemperatureState"}, batch[0].Key)
	assert.Equal(t, ClassChanged, batch[0].Class)
	assert.Equal(t, NumberValue(22), batch[0].Value)
}

func TestDiffBatchSorted(t *testing.T) {
	d := newDiffer()
	batch := d.diff(snapOf(1, map[string]map[string]Value{
		"B": {"core:ZState": NumberValue(1), "core:AState": NumberValue(2)},
		"A": {"core:MState": NumberValue(3)},
	}))
	require.Len(t, batch, 3)
	assert.Equal(t, []DiscoveryKey{
		{DeviceID: "A", State: "core:MState"},
		{DeviceID: "B", State: "core:AState"},
		{DeviceID: "B", State: "core:ZState"},
	}, keysOf(batch))
}

func TestDiffDiscoveryMonotonicity(t *testing.T) {
	d := newDiffer()
	key := DiscoveryKey{DeviceID: "A", State: "core:TemperatureState"}

	batch := d.diff(snapOf(1, map[string]map[string]Value{
		"A": {"core:TemperatureState": NumberValue(21)},
	}))
	require.Len(t, batch, 1)
	assert.Equal(t, ClassNew, batch[0].Class)

	// key disappears: exactly one missing report
	batch = d.diff(snapOf(2, map[string]map[string]Value{"A": {}}))
	require.Len(t, batch, 1)
	assert.Equal(t, ClassMissing, batch[0].Class)
	assert.Equal(t, key, batch[0].Key)

	// still gone: no repeat while missing
	batch = d.diff(snapOf(3, map[string]map[string]Value{"A": {}}))
	assert.Empty(t, batch)

	// reappearance with the same value is a change, never new again
	batch = d.diff(snapOf(4, map[string]map[string]Value{
		"A": {"core:TemperatureState": NumberValue(21)},
	}))
	require.Len(t, batch, 1)
	assert.Equal(t, ClassChanged, batch[0].Class)

	// and a quiet poll after that is quiet
	batch = d.diff(snapOf(5, map[string]map[string]Value{
		"A": {"core:TemperatureState": NumberValue(21)},
	}))
	assert.Empty(t, batch)
}

func TestDiffWholeDeviceDisappears(t *testing.T) {
	d := newDiffer()
	d.diff(snapOf(1, map[string]map[string]Value{
		"A": {"core:TemperatureState": NumberValue(21), "core:OnOffState": StringValue("on")},
	}))
	batch := d.diff(snapOf(2, map[string]map[string]Value{}))
	require.Len(t, batch, 2)
	for _, c := range batch {
		assert.Equal(t, ClassMissing, c.Class)
	}
}

func TestDiffTypeFlipIsChange(t *testing.T) {
	d := newDiffer()
	d.diff(snapOf(1, map[string]map[string]Value{
		"A": {"core:StatusState": StringValue("1")},
	}))
	batch := d.diff(snapOf(2, map[string]map[string]Value{
		"A": {"core:StatusState": NumberValue(1)},
	}))
	require.Len(t, batch, 1)
	assert.Equal(t, ClassChanged, batch[0].Class)
}
