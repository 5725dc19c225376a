package logger

import "testing"

func TestWithServiceNameAddsEnv(t *testing.T) {
	t.Setenv("SERVICE_NAME", "ai-server")
	f := withServiceName(nil)
	if f["service_name"] != "ai-server" {
		t.Fatalf("service_name = %v", f["service_name"])
	}

	f = withServiceName(Fields{"service_name": "custom"})
	if f["service_name"] != "custom" {
		t.Fatalf("explicit service_name overwritten: %v", f["service_name"])
	}
}

func TestNewHonoursLevel(t *testing.T) {
	if New("debug") == nil || New("unknown") == nil {
		t.Fatalf("New returned nil")
	}
}
