package observe

import (
	"strings"
	"testing"
)

func TestSampler_Ratio(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{ratio: 0, want: "AlwaysOnSampler"},
		{ratio: 1, want: "AlwaysOnSampler"},
		{ratio: -2, want: "AlwaysOnSampler"},
		{ratio: 0.25, want: "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := sampler(tt.ratio).Description()
		if !strings.HasPrefix(desc, "ParentBased{") {
			t.Errorf("sampler(%v) = %q, want parent-based", tt.ratio, desc)
		}
		if !strings.Contains(desc, "root:"+tt.want) {
			t.Errorf("sampler(%v) = %q, want root %s", tt.ratio, desc, tt.want)
		}
	}
}
