package coremodel

import "testing"

func TestCPStateCanCharge(t *testing.T) {
	tests := []struct {
		state     CPState
		canCharge bool
	}{
		{StateRegistered, false},
		{StateAvailable, true}, // 只有 AVAILABLE 可以授权充电
		{StateCharging, false},
		{StateOutOfOrder, false},
		{StateDisconnected, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.CanCharge(); got != tt.canCharge {
				t.Errorf("CPState(%s).CanCharge() = %v, want %v", tt.state, got, tt.canCharge)
			}
		})
	}
}

func TestExclusionCauseMask(t *testing.T) {
	var e ExclusionCause
	if e != ExclusionNone {
		t.Fatalf("zero value should be ExclusionNone")
	}

	e |= ExclusionFault
	e |= ExclusionWeather
	if !e.Has(ExclusionFault) || !e.Has(ExclusionWeather) {
		t.Fatalf("mask should carry both causes: %v", e)
	}
	if e.String() != "fault+weather" {
		t.Errorf("String() = %q, want fault+weather", e.String())
	}

	e &^= ExclusionWeather
	if e.Has(ExclusionWeather) {
		t.Fatalf("weather bit should be cleared")
	}
	if !e.Has(ExclusionFault) {
		t.Fatalf("fault bit must survive weather restore")
	}
}

func TestSessionStatusTerminal(t *testing.T) {
	if SessionActive.Terminal() {
		t.Errorf("ACTIVE must not be terminal")
	}
	if !SessionCompleted.Terminal() || !SessionAborted.Terminal() {
		t.Errorf("COMPLETED/ABORTED must be terminal")
	}
}
