package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/qdsweep/sweep"
)

// Badger appends runs and samples to an embedded badger database.
//
// Keys are run/<handle>/meta for the run record and run/<handle>/s/<index>
// for samples, index zero padded so key order is emission order.  Values
// are JSON; non-finite readings are stored as the strings "NaN", "+Inf"
// and "-Inf".
type Badger struct {
	db *badger.DB

	mu     sync.Mutex
	counts map[sweep.RunHandle]int
}

type badgerLogger struct {
	l *log.Logger
}

func (b badgerLogger) Errorf(f string, a ...interface{})   { b.l.Printf("badger ERROR: "+f, a...) }
func (b badgerLogger) Warningf(f string, a ...interface{}) { b.l.Printf("badger WARN: "+f, a...) }
func (b badgerLogger) Infof(string, ...interface{})        {}
func (b badgerLogger) Debugf(string, ...interface{})       {}

// OpenBadger opens or creates a database in dir.  An empty dir opens an
// in-memory database.  logger may be nil to silence badger.
func OpenBadger(dir string, logger *log.Logger) (*Badger, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "badger sink")
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	return &Badger{db: db, counts: make(map[sweep.RunHandle]int)}, nil
}

func metaKey(h sweep.RunHandle) []byte {
	return []byte(fmt.Sprintf("run/%s/meta", h))
}

func samplePrefix(h sweep.RunHandle) []byte {
	return []byte(fmt.Sprintf("run/%s/s/", h))
}

func sampleKey(h sweep.RunHandle, i int) []byte {
	return []byte(fmt.Sprintf("run/%s/s/%09d", h, i))
}

func (b *Badger) putJSON(key []byte, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
}

// wireFloat is a float64 that survives JSON when it is not finite
type wireFloat float64

func (f wireFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func (f *wireFloat) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = wireFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = wireFloat(v)
	return nil
}

type wireEntry struct {
	Param string    `json:"param"`
	Value wireFloat `json:"value"`
}

func toWire(s sweep.Sample) []wireEntry {
	out := make([]wireEntry, len(s))
	for i, e := range s {
		out[i] = wireEntry{Param: e.Param, Value: wireFloat(e.Value)}
	}
	return out
}

func fromWire(w []wireEntry) sweep.Sample {
	out := make(sweep.Sample, len(w))
	for i, e := range w {
		out[i] = sweep.Entry{Param: e.Param, Value: float64(e.Value)}
	}
	return out
}

// BeginRun writes the run record
func (b *Badger) BeginRun(meta sweep.RunMeta) (sweep.RunHandle, error) {
	h := NewHandle()
	r := Record{Handle: h, Meta: meta, State: sweep.Running.String()}
	if err := b.putJSON(metaKey(h), r); err != nil {
		return "", errors.Wrap(err, "badger begin run")
	}
	b.mu.Lock()
	b.counts[h] = 0
	b.mu.Unlock()
	return h, nil
}

// AddSample writes one sample
func (b *Badger) AddSample(h sweep.RunHandle, s sweep.Sample) error {
	b.mu.Lock()
	i, ok := b.counts[h]
	b.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrUnknownRun, "add sample to %s", h)
	}
	if err := b.putJSON(sampleKey(h, i), toWire(s)); err != nil {
		return errors.Wrap(err, "badger add sample")
	}
	b.mu.Lock()
	b.counts[h] = i + 1
	b.mu.Unlock()
	return nil
}

// EndRun rewrites the run record with its final state and count
func (b *Badger) EndRun(h sweep.RunHandle, st sweep.State) error {
	r, err := b.Run(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	r.Count = b.counts[h]
	delete(b.counts, h)
	b.mu.Unlock()
	r.State = st.String()
	return errors.Wrap(b.putJSON(metaKey(h), r), "badger end run")
}

// Run reads back a run record, without samples
func (b *Badger) Run(h sweep.RunHandle) (Record, error) {
	var r Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(h))
		if err == badger.ErrKeyNotFound {
			return errors.Wrapf(ErrUnknownRun, "get %s", h)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
	})
	return r, err
}

// Samples reads back every sample of a run in emission order
func (b *Badger) Samples(h sweep.RunHandle) ([]sweep.Sample, error) {
	var out []sweep.Sample
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := samplePrefix(h)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var w []wireEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &w)
			})
			if err != nil {
				return err
			}
			out = append(out, fromWire(w))
		}
		return nil
	})
	return out, err
}

// Runs lists every run record in the database
func (b *Badger) Runs() []Record {
	var out []Record
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("run/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if !bytes.HasSuffix(item.Key(), []byte("/meta")) {
				continue
			}
			var r Record
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			})
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		log.Printf("listing runs: %v", err)
	}
	return out
}

// Close the database
func (b *Badger) Close() error {
	return b.db.Close()
}
