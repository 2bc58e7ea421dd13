package engine

import "testing"

func TestClosestSound(t *testing.T) {
	t.Parallel()
	types := []string{"ding", "ring", "notification"}
	tests := []struct {
		in   string
		want string
	}{
		{in: "dinng", want: "ding"},
		{in: "RING", want: "ring"},
		{in: "notifcation", want: "notification"},
		{in: "boom", want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			if got := closestSound(tc.in, types); got != tc.want {
				t.Errorf("closestSound(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
	if got := closestSound("ding", nil); got != "" {
		t.Errorf("empty catalog: got %q", got)
	}
}
