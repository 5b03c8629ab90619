package registry

import (
	"strings"
	"time"
	"unicode"

	"github.com/XANi/cozy2prom/explorer"
)

// Entry is one long-lived observable, created the first time its
// DiscoveryKey is reported and only ever updated after that. Absence
// from a poll marks it unavailable, nothing is ever deleted.
type Entry struct {
	Key       explorer.DiscoveryKey
	Label     string
	Unit      string
	Kind      explorer.ValueKind
	Value     explorer.Value
	Available bool
	FirstSeen time.Time
	LastSeen  time.Time
	// remote write series name, derived once from the state name
	metricName string
}

// string states the vendor uses where a boolean would do, lifted from
// what the heat pumps actually report
var onStates = map[string]bool{
	"on": true, "true": true, "1": true, "active": true,
	"heating": true, "cooling": true, "available": true, "open": true,
}
var offStates = map[string]bool{
	"off": true, "false": true, "0": true, "inactive": true,
	"standby": true, "stop": true, "unavailable": true, "closed": true,
	"dead": true,
}

// gaugeValue projects a state value onto a float for export. Strings
// that are not recognizable on/off words and opaque blobs are tracked
// but not exported.
func gaugeValue(v explorer.Value) (float64, bool) {
	switch v.Kind {
	case explorer.ValueNumber:
		return v.Num, true
	case explorer.ValueBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	case explorer.ValueString:
		s := strings.ToLower(strings.TrimSpace(v.Str))
		if onStates[s] {
			return 1, true
		}
		if offStates[s] {
			return 0, true
		}
		return 0, false
	default:
		return 0, false
	}
}

// metricName turns a qualified state name into a prometheus-flavoured
// series name: core:TemperatureState -> temperature,
// io:DHWBoostModeState -> dhw_boost_mode.
func metricName(stateName string) string {
	name := stateName
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, "State")
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			// word boundary: lower->Upper, or end of an acronym run
			if i > 0 && (!unicode.IsUpper(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "state"
	}
	return out
}
