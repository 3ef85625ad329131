package slurm

import "testing"

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw    string
		want   Status
		wantOK bool
	}{
		{"PENDING", StatusPending, true},
		{"running", StatusRunning, true},
		{"  COMPLETING\n", StatusCompleting, true},
		{"COMPLETED", StatusCompleted, true},
		{"FAILED", StatusFailed, true},
		{"OUT_OF_MEMORY", StatusFailed, true},
		{"NODE_FAIL", StatusFailed, true},
		{"PREEMPTED", StatusFailed, true},
		{"CANCELLED by 1234", StatusCancelled, true},
		{"CANCELLED+", StatusCancelled, true},
		{"TIMEOUT", StatusTimeout, true},
		{"CONFIGURING", StatusPending, true},
		{"REQUEUED", StatusPending, true},
		{"SUSPENDED", StatusRunning, true},
		{"", StatusUnknown, false},
		{"slurm_load_jobs error", StatusUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseStatus(tt.raw)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseStatus(%q) = %v, %v; want %v, %v", tt.raw, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:    false,
		StatusRunning:    false,
		StatusCompleting: false,
		StatusUnknown:    false,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
		StatusTimeout:    true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestValidJobID(t *testing.T) {
	for _, id := range []string{"4242", "1", "123_4"} {
		if !ValidJobID(id) {
			t.Errorf("ValidJobID(%q) = false", id)
		}
	}
	for _, id := range []string{"", "abc", "42; rm -rf /", "42_", "-1"} {
		if ValidJobID(id) {
			t.Errorf("ValidJobID(%q) = true", id)
		}
	}
}
