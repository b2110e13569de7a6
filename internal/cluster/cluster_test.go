package cluster

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNew_NilConfigDisablesClustering(t *testing.T) {
	c, err := New(nil)
	if err != nil {
		t.Fatalf("New(nil) error = %v, want nil", err)
	}
	if c != nil {
		t.Fatalf("New(nil) = %v, want nil (single-instance mode)", c)
	}
}

func TestClusterMessage_ExcludeRoundTrip(t *testing.T) {
	cm := clusterMessage{
		Type:            msgTypeExclude,
		Provider:        "acme",
		Model:           "gpt-4",
		CooldownSeconds: 30.5,
	}

	raw, err := json.Marshal(cm)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got clusterMessage
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got != cm {
		t.Errorf("round-tripped message = %+v, want %+v", got, cm)
	}

	if d := time.Duration(got.CooldownSeconds * float64(time.Second)); d != 30500*time.Millisecond {
		t.Errorf("cooldown duration = %v, want %v", d, 30500*time.Millisecond)
	}
}

func TestClusterMessage_UnknownTypeUnmarshals(t *testing.T) {
	var cm clusterMessage
	if err := json.Unmarshal([]byte(`{"type":"ping"}`), &cm); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if cm.Type != "ping" {
		t.Errorf("Type = %q, want %q", cm.Type, "ping")
	}
}
