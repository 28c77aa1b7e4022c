package tftp

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestAcceptOptionsValidation(t *testing.T) {
	cases := []struct {
		name      string
		requested Options
		want      Options
	}{
		{
			name:      "blksize below floor dropped",
			requested: Options{{Name: "blksize", Value: "7"}},
			want:      nil,
		},
		{
			name:      "blksize at floor kept",
			requested: Options{{Name: "blksize", Value: "8"}},
			want:      Options{{Name: "blksize", Value: "8"}},
		},
		{
			name:      "blksize at ceiling kept",
			requested: Options{{Name: "blksize", Value: "65464"}},
			want:      Options{{Name: "blksize", Value: "65464"}},
		},
		{
			name:      "blksize above ceiling dropped",
			requested: Options{{Name: "blksize", Value: "65465"}},
			want:      nil,
		},
		{
			name:      "blksize non-numeric dropped",
			requested: Options{{Name: "blksize", Value: "fast"}},
			want:      nil,
		},
		{
			name:      "timeout zero dropped",
			requested: Options{{Name: "timeout", Value: "0"}},
			want:      nil,
		},
		{
			name:      "timeout bounds kept",
			requested: Options{{Name: "timeout", Value: "1"}, {Name: "timeout", Value: "255"}},
			want:      Options{{Name: "timeout", Value: "1"}, {Name: "timeout", Value: "255"}},
		},
		{
			name:      "timeout above ceiling dropped",
			requested: Options{{Name: "timeout", Value: "256"}},
			want:      nil,
		},
		{
			name:      "tsize negative dropped",
			requested: Options{{Name: "tsize", Value: "-1"}},
			want:      nil,
		},
		{
			name:      "tsize non-numeric dropped",
			requested: Options{{Name: "tsize", Value: "large"}},
			want:      nil,
		},
		{
			name:      "tsize declared size kept",
			requested: Options{{Name: "tsize", Value: "4096"}},
			want:      Options{{Name: "tsize", Value: "4096"}},
		},
		{
			name:      "unrecognized name ignored",
			requested: Options{{Name: "windowsize", Value: "4"}},
			want:      nil,
		},
		{
			name: "invalid value drops only that option",
			requested: Options{
				{Name: "blksize", Value: "70000"},
				{Name: "timeout", Value: "2"},
			},
			want: Options{{Name: "timeout", Value: "2"}},
		},
		{
			name: "request order preserved",
			requested: Options{
				{Name: "tsize", Value: "10"},
				{Name: "blksize", Value: "1024"},
				{Name: "timeout", Value: "3"},
			},
			want: Options{
				{Name: "tsize", Value: "10"},
				{Name: "blksize", Value: "1024"},
				{Name: "timeout", Value: "3"},
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := acceptOptions(c.requested, nil)
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf("acceptOptions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAcceptOptionsTransferSizeProbe(t *testing.T) {
	probe := Options{{Name: "tsize", Value: "0"}}

	got := acceptOptions(probe, func() (int64, bool) { return 181, true })
	want := Options{{Name: "tsize", Value: "181"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("probe against known size (-want +got):\n%s", diff)
	}

	if got := acceptOptions(probe, func() (int64, bool) { return 0, false }); got != nil {
		t.Errorf("probe against unknown size = %v, want dropped", got)
	}

	// Without a source to measure, a literal zero is a declared size.
	got = acceptOptions(probe, nil)
	if diff := cmp.Diff(probe, got); diff != "" {
		t.Errorf("probe without source (-want +got):\n%s", diff)
	}
}

// settingsRecorder captures what applyOptions configures.
type settingsRecorder struct {
	engine
	blockSize int
	policy    []time.Duration
	tsize     int64
}

func (r *settingsRecorder) setBlockSize(n int)                 { r.blockSize = n }
func (r *settingsRecorder) setTimeoutPolicy(p []time.Duration) { r.policy = p }
func (r *settingsRecorder) setTransferSize(n int64)            { r.tsize = n }

func TestApplyOptions(t *testing.T) {
	rec := &settingsRecorder{}
	applyOptions(rec, Options{
		{Name: "blksize", Value: "1428"},
		{Name: "timeout", Value: "7"},
		{Name: "tsize", Value: "65536"},
	})

	if rec.blockSize != 1428 {
		t.Errorf("blockSize = %d, want 1428", rec.blockSize)
	}
	wantPolicy := []time.Duration{7 * time.Second, 7 * time.Second, 7 * time.Second}
	if diff := cmp.Diff(wantPolicy, rec.policy); diff != "" {
		t.Errorf("negotiated timeout policy (-want +got):\n%s", diff)
	}
	if rec.tsize != 65536 {
		t.Errorf("tsize = %d, want 65536", rec.tsize)
	}
}
