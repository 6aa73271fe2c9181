package models

import (
	"testing"
	"time"
)

func TestPickupTime(t *testing.T) {
	c := &Course{Date: "2026-09-01", Time: "14:30"}
	got, err := c.PickupTime()
	if err != nil {
		t.Fatalf("PickupTime: %v", err)
	}
	want := time.Date(2026, 9, 1, 14, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("PickupTime = %v, want %v", got, want)
	}

	bad := &Course{Date: "01/09/2026", Time: "14:30"}
	if _, err := bad.PickupTime(); err == nil {
		t.Fatal("expected error for malformed date")
	}
}

func TestSweepReservation(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)

	tests := []struct {
		name   string
		course Course
		want   bool
	}{
		{"open course untouched", Course{Status: StatusOpen}, false},
		{"assigned course untouched", Course{Status: StatusAssigned, AssignedDriverID: "d1"}, false},
		{"live hold untouched", Course{Status: StatusReserved, ReservedByDriverID: "d1", ReservedUntil: &future}, false},
		{"missing deadline untouched", Course{Status: StatusReserved, ReservedByDriverID: "d1"}, false},
		{"elapsed hold reopened", Course{Status: StatusReserved, ReservedByDriverID: "d1", ReservedUntil: &past}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.course
			if got := SweepReservation(&c, now); got != tt.want {
				t.Fatalf("SweepReservation = %v, want %v", got, tt.want)
			}
			if tt.want {
				if c.Status != StatusOpen || c.ReservedByDriverID != "" || c.ReservedUntil != nil {
					t.Fatalf("swept course not reset: %+v", c)
				}
			}
		})
	}
}

func TestSweepReservationAtExactDeadline(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	deadline := now
	c := Course{Status: StatusReserved, ReservedByDriverID: "d1", ReservedUntil: &deadline}
	if !SweepReservation(&c, now) {
		t.Fatal("a hold whose deadline equals now has elapsed")
	}
}

func TestOpenLifecycleClearsClaimState(t *testing.T) {
	until := time.Now().UTC()
	c := &Course{
		Status:             StatusReserved,
		ReservedByDriverID: "d1",
		ReservedUntil:      &until,
		AssignedDriverID:   "d1",
		CancelReason:       CancelReasonAdmin,
		CommissionPaid:     true,
		CommissionPaidAt:   &until,
	}
	lc := OpenLifecycle(c)
	if lc.Status != StatusOpen {
		t.Fatalf("Status = %s", lc.Status)
	}
	if lc.ReservedByDriverID != "" || lc.ReservedUntil != nil || lc.AssignedDriverID != "" || lc.CancelReason != "" {
		t.Fatalf("claim state not cleared: %+v", lc)
	}
	// Commission payment facts survive a reset; guards upstream refuse to
	// reopen paid courses in the first place.
	if !lc.CommissionPaid || lc.CommissionPaidAt == nil {
		t.Fatal("commission payment fields must be carried")
	}
}

func TestLifecycleApplyRoundTrip(t *testing.T) {
	until := time.Now().UTC()
	c := &Course{Status: StatusOpen}
	lc := LifecycleOf(c)
	lc.Status = StatusReserved
	lc.ReservedByDriverID = "d1"
	lc.ReservedUntil = &until
	lc.Apply(c)
	if c.Status != StatusReserved || c.ReservedByDriverID != "d1" || c.ReservedUntil == nil {
		t.Fatalf("apply did not copy lifecycle: %+v", c)
	}
}
