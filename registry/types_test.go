package registry

import (
	"testing"
	"time"
)

func TestRecordCloneIsIndependentCopy(t *testing.T) {
	orig := &Record{
		SubscriptionID:  "sub-1",
		Status:          StatusOpen,
		CallbackURL:     "http://callback.example/hook",
		LastHealthCheck: &HealthCheckResult{CheckedAt: time.Now(), StatusCode: 500, Reason: "server error"},
	}
	clone := orig.Clone()

	clone.Status = StatusChecking
	clone.LastHealthCheck.StatusCode = 200

	if orig.Status != StatusOpen {
		t.Error("mutating the clone's Status must not affect the original")
	}
	if orig.LastHealthCheck.StatusCode != 500 {
		t.Error("Clone must deep-copy LastHealthCheck, not share the pointer")
	}
}

func TestRecordCloneNilLastHealthCheck(t *testing.T) {
	orig := &Record{SubscriptionID: "sub-1", Status: StatusOpen}
	clone := orig.Clone()
	if clone.LastHealthCheck != nil {
		t.Error("Clone of a record with no health check should also have nil LastHealthCheck")
	}
}

func TestRecordCloneNilReceiver(t *testing.T) {
	var r *Record
	if r.Clone() != nil {
		t.Error("Clone on a nil Record should return nil")
	}
}
