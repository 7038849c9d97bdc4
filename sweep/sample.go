package sweep

import (
	"github.com/nasa-jpl/qdsweep/instrument"
)

// Entry is one (parameter, value) pair of a sample
type Entry struct {
	Param string  `json:"param"`
	Value float64 `json:"value"`
}

// Sample is one measurement: the voltage of every tracked channel, in
// tracking order, then the meter reading
type Sample []Entry

// Reading returns the meter reading, the last entry
func (s Sample) Reading() float64 {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1].Value
}

// Value returns the value of param and whether it is present
func (s Sample) Value(param string) (float64, bool) {
	for _, e := range s {
		if e.Param == param {
			return e.Value, true
		}
	}
	return 0, false
}

// Getter reads held voltages
type Getter interface {
	GetMany([]instrument.ChannelID) ([]float64, error)
}

// Snapshot returns the channel entries of a sample.  Channels in overrides
// take the override value; the rest are read from g in one batch.
func Snapshot(g Getter, tracked []instrument.ChannelID, overrides map[instrument.ChannelID]float64) (Sample, error) {
	var read []instrument.ChannelID
	for _, ch := range tracked {
		if _, ok := overrides[ch]; !ok {
			read = append(read, ch)
		}
	}
	held := map[instrument.ChannelID]float64{}
	if len(read) > 0 {
		vs, err := g.GetMany(read)
		if err != nil {
			return nil, err
		}
		for i, ch := range read {
			held[ch] = vs[i]
		}
	}
	s := make(Sample, 0, len(tracked)+1)
	for _, ch := range tracked {
		v, ok := overrides[ch]
		if !ok {
			v = held[ch]
		}
		s = append(s, Entry{Param: ch.Param(), Value: v})
	}
	return s, nil
}

// Assemble builds a complete sample from the tracked channels and a meter
// reading taken by the caller
func Assemble(g Getter, tracked []instrument.ChannelID, overrides map[instrument.ChannelID]float64, reading float64) (Sample, error) {
	s, err := Snapshot(g, tracked, overrides)
	if err != nil {
		return nil, err
	}
	return append(s, Entry{Param: instrument.MeterParam, Value: reading}), nil
}
