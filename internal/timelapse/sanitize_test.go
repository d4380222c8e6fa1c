package timelapse

import "testing"

func TestSanitize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"benchy.gcode", "benchy"},
		{"Benchy v2 (0.2mm).gcode", "Benchy_v2_0_2mm"},
		{"nuts & bolts.gcode", "nuts_and_bolts"},
		{"sub/dir\\file.gcode", "subdirfile"},
		{"[MK3] cal-cube #5.gcode", "MK3_cal_cube_5"},
		{"---", "unknown"},
		{"", "unknown"},
		{"a;b:c,d.e", "a_b_c_d_e"},
	}
	for _, tc := range cases {
		if got := Sanitize(tc.in); got != tc.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
