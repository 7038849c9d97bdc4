package store

import (
	"errors"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/nasa-jpl/qdsweep/instrument"
	"github.com/nasa-jpl/qdsweep/sweep"
)

func meta2D() sweep.RunMeta {
	return sweep.RunMeta{
		Name:       "2d_sweep",
		Experiment: "pinch",
		Device:     "dev7",
		Axes: []sweep.Axis{
			{Channel: 1, Start: 0, Stop: 1, Steps: 2},
			{Channel: 2, Start: 0, Stop: 1, Steps: 3},
		},
		Params:          []string{"qdac_ch01_v", "qdac_ch02_v", "dmm_volt"},
		IntegrationTime: 20 * time.Millisecond,
		Started:         time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func samples(n int) []sweep.Sample {
	out := make([]sweep.Sample, n)
	for i := range out {
		out[i] = sweep.Sample{
			{Param: "qdac_ch01_v", Value: float64(i / 3)},
			{Param: "qdac_ch02_v", Value: float64(i%3) / 2},
			{Param: "dmm_volt", Value: float64(i) * 1e-3},
		}
	}
	return out
}

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()
	h, err := m.BeginRun(meta2D())
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range samples(6) {
		if err := m.AddSample(h, s); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.EndRun(h, sweep.Completed); err != nil {
		t.Fatal(err)
	}
	r, err := m.Run(h)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != "completed" || r.Count != 6 {
		t.Errorf("unexpected record state %s count %d", r.State, r.Count)
	}
	if diff := cmp.Diff(samples(6), r.Samples); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}
	if err := m.AddSample(h, samples(1)[0]); !errors.Is(err, ErrRunEnded) {
		t.Errorf("expected ErrRunEnded, got %v", err)
	}
	if err := m.AddSample("nope", samples(1)[0]); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("expected ErrUnknownRun, got %v", err)
	}
	if runs := m.Runs(); len(runs) != 1 || runs[0].Samples != nil {
		t.Errorf("expected one run listed without samples, got %+v", runs)
	}
}

func TestFITSWritesImageAndSamples(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFITS(dir)
	if err != nil {
		t.Fatal(err)
	}
	h, err := f.BeginRun(meta2D())
	if err != nil {
		t.Fatal(err)
	}
	// an aborted run, 4 of 6 points
	smp := samples(4)
	for _, s := range smp {
		if err := f.AddSample(h, s); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.EndRun(h, sweep.Aborted); err != nil {
		t.Fatal(err)
	}
	fn, ok := f.Path(h)
	if !ok {
		t.Fatal("expected the run to have been written")
	}
	fid, err := os.Open(fn)
	if err != nil {
		t.Fatal(err)
	}
	defer fid.Close()
	fits, err := fitsio.Open(fid)
	if err != nil {
		t.Fatal(err)
	}
	defer fits.Close()

	img := fits.HDU(0).(fitsio.Image)
	if diff := cmp.Diff([]int{3, 2}, img.Header().Axes()); diff != "" {
		t.Errorf("axes mismatch (-want +got):\n%s", diff)
	}
	pix := make([]float64, 6)
	if err := img.Read(&pix); err != nil {
		t.Fatal(err)
	}
	truth := []float64{0, 1e-3, 2e-3, 3e-3, math.NaN(), math.NaN()}
	if diff := cmp.Diff(truth, pix, cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("image mismatch (-want +got):\n%s", diff)
	}
	hdr := img.Header()
	if c := hdr.Get("STATE"); c == nil || c.Value != "aborted" {
		t.Errorf("expected STATE aborted, got %+v", c)
	}
	if c := hdr.Get("SAMPCRC"); c == nil || c.Value != int(SampleCRC(smp)) {
		t.Errorf("expected SAMPCRC %d, got %+v", SampleCRC(smp), c)
	}

	ext := fits.HDU(1).(fitsio.Image)
	if diff := cmp.Diff([]int{3, 4}, ext.Header().Axes()); diff != "" {
		t.Errorf("sample table axes mismatch (-want +got):\n%s", diff)
	}
	tbl := make([]float64, 12)
	if err := ext.Read(&tbl); err != nil {
		t.Fatal(err)
	}
	var want []float64
	for _, s := range smp {
		for _, e := range s {
			want = append(want, e.Value)
		}
	}
	if diff := cmp.Diff(want, tbl); diff != "" {
		t.Errorf("sample table mismatch (-want +got):\n%s", diff)
	}
	if c := ext.Header().Get("PARAM3"); c == nil || c.Value != "dmm_volt" {
		t.Errorf("expected PARAM3 dmm_volt, got %+v", c)
	}
}

func TestFixedCardsInChannelOrder(t *testing.T) {
	m := meta2D()
	m.Fixed = map[instrument.ChannelID]float64{7: 0.7, 2: 0.2, 5: 0.5, 12: 1.2}
	var names []string
	var vals []float64
	for _, c := range headerCards(Record{Handle: "x", Meta: m}) {
		if strings.HasPrefix(c.Name, "FIXED") {
			names = append(names, c.Name)
			vals = append(vals, c.Value.(float64))
		}
	}
	if diff := cmp.Diff([]string{"FIXED2", "FIXED5", "FIXED7", "FIXED12"}, names); diff != "" {
		t.Errorf("card order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{0.2, 0.5, 0.7, 1.2}, vals); diff != "" {
		t.Errorf("card values mismatch (-want +got):\n%s", diff)
	}
}

func TestFITSReleasesSamplesOnceWritten(t *testing.T) {
	f, err := NewFITS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h, err := f.BeginRun(meta2D())
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range samples(6) {
		if err := f.AddSample(h, s); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.EndRun(h, sweep.Completed); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.Path(h); !ok {
		t.Fatal("expected the run to have been written")
	}
	r, err := f.mem.Run(h)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Samples) != 0 || r.Count != 6 || r.State != "completed" {
		t.Errorf("expected a record of 6 samples with none held, got %d held, count %d, state %s", len(r.Samples), r.Count, r.State)
	}
}

func TestSampleCRCSeesValues(t *testing.T) {
	a := samples(3)
	b := samples(3)
	b[1][2].Value += 1e-9
	if SampleCRC(a) == SampleCRC(b) {
		t.Error("expected a changed value to change the CRC")
	}
	if SampleCRC(a) != SampleCRC(samples(3)) {
		t.Error("expected equal samples to have equal CRCs")
	}
}

func TestBadgerRoundTrip(t *testing.T) {
	b, err := OpenBadger("", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	h, err := b.BeginRun(meta2D())
	if err != nil {
		t.Fatal(err)
	}
	// more than 10 so lexical key order would differ from numeric without padding
	smp := make([]sweep.Sample, 12)
	for i := range smp {
		smp[i] = sweep.Sample{{Param: "qdac_ch02_v", Value: float64(i)}, {Param: "dmm_volt", Value: -float64(i)}}
		if err := b.AddSample(h, smp[i]); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.EndRun(h, sweep.Failed); err != nil {
		t.Fatal(err)
	}
	got, err := b.Samples(h)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(smp, got); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}
	r, err := b.Run(h)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != "failed" || r.Count != 12 || r.Meta.Device != "dev7" {
		t.Errorf("unexpected record %+v", r)
	}
	if _, err := b.Run("nope"); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("expected ErrUnknownRun, got %v", err)
	}
}

func TestBadgerKeepsNonFiniteReadings(t *testing.T) {
	b, err := OpenBadger("", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	h, err := b.BeginRun(meta2D())
	if err != nil {
		t.Fatal(err)
	}
	smp := []sweep.Sample{
		{{Param: "qdac_ch02_v", Value: 0.25}, {Param: "dmm_volt", Value: math.NaN()}},
		{{Param: "qdac_ch02_v", Value: 0.5}, {Param: "dmm_volt", Value: math.Inf(1)}},
		{{Param: "qdac_ch02_v", Value: 0.75}, {Param: "dmm_volt", Value: math.Inf(-1)}},
		{{Param: "qdac_ch02_v", Value: 1}, {Param: "dmm_volt", Value: 1e-9}},
	}
	for _, s := range smp {
		if err := b.AddSample(h, s); err != nil {
			t.Fatalf("overrange reading refused: %v", err)
		}
	}
	if err := b.EndRun(h, sweep.Completed); err != nil {
		t.Fatal(err)
	}
	got, err := b.Samples(h)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(smp, got, cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}
}

func TestBadgerListsRuns(t *testing.T) {
	b, err := OpenBadger("", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	for i := 0; i < 2; i++ {
		h, err := b.BeginRun(meta2D())
		if err != nil {
			t.Fatal(err)
		}
		b.AddSample(h, samples(1)[0])
		b.EndRun(h, sweep.Completed)
	}
	runs := b.Runs()
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	for _, r := range runs {
		if r.Count != 1 || r.State != "completed" {
			t.Errorf("unexpected record %+v", r)
		}
	}
}
