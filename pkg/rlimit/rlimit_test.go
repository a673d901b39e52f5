package rlimit

import (
	"syscall"
	"testing"
)

func TestPrepareRLimit(t *testing.T) {
	r := RLimits{
		CPU:         1,
		FileSize:    1 << 20,
		DisableCore: true,
	}
	prepared := r.PrepareRLimit()
	if len(prepared) != 3 {
		t.Fatalf("expected 3 limits, got %d", len(prepared))
	}
	if prepared[0].Res != syscall.RLIMIT_CPU || prepared[0].Rlim.Cur != 1 {
		t.Errorf("unexpected cpu limit: %+v", prepared[0])
	}
	if prepared[1].Res != syscall.RLIMIT_FSIZE || prepared[1].Rlim.Cur != 1<<20 {
		t.Errorf("unexpected fsize limit: %+v", prepared[1])
	}
	if prepared[2].Res != syscall.RLIMIT_CORE || prepared[2].Rlim.Max != 0 {
		t.Errorf("unexpected core limit: %+v", prepared[2])
	}
}

func TestPrepareRLimit_Empty(t *testing.T) {
	var r RLimits
	if got := r.PrepareRLimit(); len(got) != 0 {
		t.Errorf("expected no limits, got %v", got)
	}
}

func TestString(t *testing.T) {
	r := RLimits{CPU: 2, Stack: 1 << 20}
	s := r.String()
	if s != "RLimits[CPU[2 s:2 s],Stack[1048576:1048576]]" {
		t.Errorf("unexpected string: %s", s)
	}
}
