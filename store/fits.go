package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"
	"github.com/snksoft/crc"

	"github.com/nasa-jpl/qdsweep/instrument"
	"github.com/nasa-jpl/qdsweep/sweep"
)

// FITS buffers each run in memory and writes it to Dir when it ends.
//
// The primary HDU is the meter reading as a float64 image, one axis per
// sweep axis with the innermost axis as NAXIS1.  Points never reached are
// NaN.  The SAMPLES extension holds every value of every sample, one row
// per sample, with the parameter names in the PARAMn cards.
type FITS struct {
	Dir string

	mem *Memory
	mu  sync.Mutex
	// written maps a run to the file it was written to
	written map[sweep.RunHandle]string
}

// NewFITS returns a FITS sink writing to dir, which is created if needed
func NewFITS(dir string) (*FITS, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "fits sink")
	}
	return &FITS{Dir: dir, mem: NewMemory(), written: make(map[sweep.RunHandle]string)}, nil
}

// BeginRun opens a new run
func (f *FITS) BeginRun(meta sweep.RunMeta) (sweep.RunHandle, error) {
	return f.mem.BeginRun(meta)
}

// AddSample buffers a sample
func (f *FITS) AddSample(h sweep.RunHandle, s sweep.Sample) error {
	return f.mem.AddSample(h, s)
}

// EndRun writes the run to disk.  Once written, only the record of the run
// is kept in memory.
func (f *FITS) EndRun(h sweep.RunHandle, st sweep.State) error {
	if err := f.mem.EndRun(h, st); err != nil {
		return err
	}
	r, err := f.mem.Run(h)
	if err != nil {
		return err
	}
	exp := r.Meta.Experiment
	if exp == "" {
		exp = "run"
	}
	fn := filepath.Join(f.Dir, fmt.Sprintf("%s_%s.fits", exp, h))
	fid, err := os.Create(fn)
	if err != nil {
		return errors.Wrap(err, "fits end run")
	}
	defer fid.Close()
	err = WriteFits(fid, r)
	if err != nil {
		return errors.Wrapf(err, "writing %s", fn)
	}
	f.mem.dropSamples(h)
	f.mu.Lock()
	f.written[h] = fn
	f.mu.Unlock()
	return nil
}

// Path returns the file a run was written to
func (f *FITS) Path(h sweep.RunHandle) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.written[h]
	return p, ok
}

// SampleCRC is the CRC-32 of the sample values, each as a big-endian
// float64, in sample order
func SampleCRC(samples []sweep.Sample) uint64 {
	buf := make([]byte, 0, 8*len(samples)*4)
	var b [8]byte
	for _, s := range samples {
		for _, e := range s {
			binary.BigEndian.PutUint64(b[:], math.Float64bits(e.Value))
			buf = append(buf, b[:]...)
		}
	}
	return crc.CalculateCRC(crc.CRC32, buf)
}

func headerCards(r Record) []fitsio.Card {
	m := r.Meta
	cards := []fitsio.Card{
		{Name: "RUNID", Value: string(r.Handle), Comment: "run handle"},
		{Name: "RUNNAME", Value: m.Name, Comment: "kind of sweep"},
		{Name: "EXPERIM", Value: m.Experiment, Comment: "experiment name"},
		{Name: "DEVICE", Value: m.Device, Comment: "device name"},
		{Name: "DATE-OBS", Value: m.Started.UTC().Format("2006-01-02T15:04:05.000"), Comment: "start of sweep, UTC"},
		{Name: "INTTIME", Value: m.IntegrationTime.Seconds(), Comment: "meter integration time, s"},
		{Name: "STATE", Value: r.State, Comment: "final state of the run"},
		{Name: "NSAMPLE", Value: r.Count, Comment: "samples emitted"},
		{Name: "SAMPCRC", Value: int(SampleCRC(r.Samples)), Comment: "CRC-32 of SAMPLES data"},
	}
	// axes are outermost first; FITS axes are fastest first
	n := len(m.Axes)
	for i, a := range m.Axes {
		k := n - i
		cards = append(cards,
			fitsio.Card{Name: fmt.Sprintf("CHAN%d", k), Value: int(a.Channel), Comment: fmt.Sprintf("channel on axis %d", k)},
			fitsio.Card{Name: fmt.Sprintf("START%d", k), Value: a.Start, Comment: "V"},
			fitsio.Card{Name: fmt.Sprintf("STOP%d", k), Value: a.Stop, Comment: "V"},
		)
	}
	held := make([]int, 0, len(m.Fixed))
	for ch := range m.Fixed {
		held = append(held, int(ch))
	}
	sort.Ints(held)
	for _, ch := range held {
		v := m.Fixed[instrument.ChannelID(ch)]
		cards = append(cards, fitsio.Card{Name: fmt.Sprintf("FIXED%d", ch), Value: v, Comment: "held channel, V"})
	}
	return cards
}

// WriteFits writes a run as FITS to w
func WriteFits(w io.Writer, r Record) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	shape := r.Meta.Shape()
	npix := 1
	dims := make([]int, len(shape))
	for i, s := range shape {
		dims[len(shape)-1-i] = s
		npix *= s
	}
	if len(dims) == 0 {
		dims = []int{r.Count}
		npix = r.Count
	}
	pix := make([]float64, npix)
	for i := range pix {
		pix[i] = math.NaN()
	}
	for i, s := range r.Samples {
		if i < npix {
			pix[i] = s.Reading()
		}
	}
	im := fitsio.NewImage(-64, dims)
	defer im.Close()
	if err = im.Header().Append(headerCards(r)...); err != nil {
		return err
	}
	if err = im.Write(pix); err != nil {
		return err
	}
	if err = fits.Write(im); err != nil {
		return err
	}

	// a zero-length axis is not a valid image, so an empty run has no extension
	nparam := len(r.Meta.Params)
	if r.Count == 0 || nparam == 0 {
		return nil
	}
	tbl := make([]float64, 0, nparam*r.Count)
	for _, s := range r.Samples {
		for j := 0; j < nparam; j++ {
			v := math.NaN()
			if j < len(s) {
				v = s[j].Value
			}
			tbl = append(tbl, v)
		}
	}
	ext := fitsio.NewImage(-64, []int{nparam, r.Count})
	defer ext.Close()
	cards := []fitsio.Card{{Name: "EXTNAME", Value: "SAMPLES"}}
	for j, p := range r.Meta.Params {
		cards = append(cards, fitsio.Card{Name: fmt.Sprintf("PARAM%d", j+1), Value: p})
	}
	if err = ext.Header().Append(cards...); err != nil {
		return err
	}
	if err = ext.Write(tbl); err != nil {
		return err
	}
	return fits.Write(ext)
}

// Runs lists every run begun, without samples
func (f *FITS) Runs() []Record {
	return f.mem.Runs()
}
