package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/XANi/cozy2prom/explorer"
	"github.com/XANi/promwriter"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Config struct {
	Logger  *zap.SugaredLogger
	Metrics prometheus.Registerer
	// remote write is off when empty
	PrometheusWriteURL string
	Prefix             string
	ExtraLabels        map[string]string
}

// Registry is the subscriber side of discovery: one Entry per
// DiscoveryKey, inserted exactly once, updated in place forever after.
// Exportable values are mirrored into prometheus gauges and, when
// configured, pushed over the prometheus write protocol.
type Registry struct {
	log    *zap.SugaredLogger
	prefix string

	mu      sync.RWMutex
	entries map[explorer.DiscoveryKey]*Entry

	valueVec *prometheus.GaugeVec
	availVec *prometheus.GaugeVec

	sendQueue chan promwriter.Metric
}

func New(cfg Config) (*Registry, error) {
	r := &Registry{
		log:     cfg.Logger,
		prefix:  cfg.Prefix,
		entries: map[explorer.DiscoveryKey]*Entry{},
	}
	if cfg.Metrics != nil {
		r.valueVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cozy_state_value",
			Help: "Last exportable value of a discovered device state",
		}, []string{"device", "state", "unit"})
		r.availVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cozy_state_available",
			Help: "1 while the state was present in the last poll",
		}, []string{"device", "state"})
		cfg.Metrics.MustRegister(r.valueVec, r.availVec)
	}
	if cfg.PrometheusWriteURL != "" {
		pw, err := promwriter.New(promwriter.Config{
			URL:              cfg.PrometheusWriteURL,
			MaxBatchDuration: time.Second * 1,
			MaxBatchLength:   10,
			Logger:           cfg.Logger.Named("promwriter"),
		})
		if err != nil {
			return nil, err
		}
		r.sendQueue = make(chan promwriter.Metric, 128)
		go func() {
			for m := range r.sendQueue {
				for k, v := range cfg.ExtraLabels {
					m.Labels[k] = v
				}
				err := pw.WriteMetric(m)
				if err != nil {
					cfg.Logger.Warnf("error writing metric %+v: %s", m, err)
				}
			}
		}()
	}
	return r, nil
}

// Apply consumes one published batch. Redelivering the same batch is
// harmless, every operation here sets state rather than accumulating.
func (r *Registry) Apply(batch []explorer.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range batch {
		switch ch.Class {
		case explorer.ClassMissing:
			r.markMissing(ch)
		case explorer.ClassNew, explorer.ClassChanged:
			r.upsert(ch)
		}
	}
	return nil
}

func (r *Registry) upsert(ch explorer.Change) {
	e, ok := r.entries[ch.Key]
	if !ok {
		e = &Entry{
			Key:        ch.Key,
			Label:      ch.Label,
			Unit:       ch.Unit,
			Kind:       ch.Value.Kind,
			FirstSeen:  ch.At,
			metricName: metricName(ch.Key.State),
		}
		r.entries[ch.Key] = e
		r.log.Infof("discovered %s.%s = %s (%s)",
			ch.Key.DeviceID, ch.Key.State, ch.Value.String(), ch.Value.Kind)
	} else if !e.Value.Equal(ch.Value) {
		r.log.Debugf("state change %s.%s: %s -> %s",
			ch.Key.DeviceID, ch.Key.State, e.Value.String(), ch.Value.String())
	}
	if !e.Available && ok {
		r.log.Infof("%s.%s is back", ch.Key.DeviceID, ch.Key.State)
	}
	e.Value = ch.Value
	e.Kind = ch.Value.Kind
	e.Available = true
	e.LastSeen = ch.At
	if ch.Label != "" {
		e.Label = ch.Label
	}

	if r.availVec != nil {
		r.availVec.WithLabelValues(ch.Key.DeviceID, ch.Key.State).Set(1)
	}
	v, exportable := gaugeValue(ch.Value)
	if !exportable {
		return
	}
	if r.valueVec != nil {
		r.valueVec.WithLabelValues(ch.Key.DeviceID, ch.Key.State, e.Unit).Set(v)
	}
	if r.sendQueue != nil {
		select {
		case r.sendQueue <- promwriter.Metric{
			Name: r.prefix + e.metricName,
			Labels: map[string]string{
				"device": ch.Key.DeviceID,
				"state":  ch.Key.State,
			},
			TS:    ch.At.UTC(),
			Value: v,
		}:
		default:
			r.log.Warnf("write queue full, dropping %s.%s", ch.Key.DeviceID, ch.Key.State)
		}
	}
}

func (r *Registry) markMissing(ch explorer.Change) {
	e, ok := r.entries[ch.Key]
	if !ok {
		// missing for a key we never materialized, nothing to flip
		return
	}
	if e.Available {
		r.log.Infof("%s.%s disappeared from poll, marking unavailable",
			ch.Key.DeviceID, ch.Key.State)
	}
	e.Available = false
	if r.availVec != nil {
		r.availVec.WithLabelValues(ch.Key.DeviceID, ch.Key.State).Set(0)
	}
}

// KeyInfo is the diagnostics view of one entry.
type KeyInfo struct {
	Device    string         `json:"device"`
	State     string         `json:"state"`
	Kind      string         `json:"kind"`
	Unit      string         `json:"unit,omitempty"`
	Available bool           `json:"available"`
	FirstSeen time.Time      `json:"first_seen"`
	LastSeen  time.Time      `json:"last_seen"`
	LastValue explorer.Value `json:"last_value"`
}

// Known lists every key ever seen, available or not, sorted by device
// then state.
func (r *Registry) Known() []KeyInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]KeyInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, KeyInfo{
			Device:    e.Key.DeviceID,
			State:     e.Key.State,
			Kind:      e.Kind.String(),
			Unit:      e.Unit,
			Available: e.Available,
			FirstSeen: e.FirstSeen,
			LastSeen:  e.LastSeen,
			LastValue: e.Value,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Device != out[j].Device {
			return out[i].Device < out[j].Device
		}
		return out[i].State < out[j].State
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
