package clock

import "testing"

func TestFrameDurationUS(t *testing.T) {
	cases := []struct {
		rate Rate
		want int64
	}{
		{Rate{30, 1}, 33_333},
		{Rate{60, 1}, 16_666},
		{Rate{30000, 1001}, 33_366},
	}
	for _, c := range cases {
		got := c.rate.FrameDurationUS()
		if got != c.want {
			t.Errorf("FrameDurationUS(%v) = %d, want %d", c.rate, got, c.want)
		}
	}
}

func TestPTSRoundTrip(t *testing.T) {
	r := Rate{30, 1}
	for _, n := range []int64{0, 1, 59, 54_000, 1_000_000} {
		pts := r.FrameIndexToPTS90k(n)
		back := r.PTSToFrameIndex(pts)
		if back != n {
			t.Errorf("round trip n=%d -> pts=%d -> %d", n, pts, back)
		}
	}
}

func TestClassifyMode(t *testing.T) {
	cases := []struct {
		inNum, inDen, outNum, outDen int64
		want                         ConversionMode
	}{
		{30, 1, 30, 1, ModeOff},
		{60, 1, 30, 1, ModeDrop},
		{30000, 1001, 30, 1, ModeCadence},
	}
	for _, c := range cases {
		got := ClassifyMode(c.inNum, c.inDen, c.outNum, c.outDen)
		if got != c.want {
			t.Errorf("ClassifyMode(%d/%d, %d/%d) = %v, want %v", c.inNum, c.inDen, c.outNum, c.outDen, got, c.want)
		}
	}
}

func TestSessionAnchorFenceTick(t *testing.T) {
	a := SessionAnchor{EpochUTCMs: 1_738_987_200_000, Rate: Rate{30, 1}}
	got := a.FenceTick(a.EpochUTCMs + 1_800_000)
	if got != 54_000 {
		t.Errorf("FenceTick = %d, want 54000", got)
	}
}

func TestDeadlineMonoNS(t *testing.T) {
	a := SessionAnchor{EpochMonoNS: 0, Rate: Rate{30, 1}}
	got := a.DeadlineMonoNS(30)
	want := int64(1_000_000_000)
	if got != want {
		t.Errorf("DeadlineMonoNS(30) = %d, want %d", got, want)
	}
}
