package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		Server:   ServerConfig{Port: 8080, ReadTimeout: 10, WriteTimeout: 10},
		Database: DatabaseConfig{Host: "localhost", Port: 5432, User: "proximity", DBName: "proximity"},
		NATS:     NATSConfig{URL: "nats://localhost:4222", Encoding: "json"},
		Valkey:   ValkeyConfig{Addr: "localhost:6379"},
		Proximity: ProximityConfig{
			ChunkSize:             1000,
			AzimuthBucketWidthDeg: 45,
			DistanceBucketCount:   5,
			IDField:               "OBJECTID",
		},
	}
}

func TestValidate_OK(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_ProximityFields(t *testing.T) {
	cfg := validConfig()
	cfg.Proximity.ChunkSize = 0
	cfg.Proximity.AzimuthBucketWidthDeg = 400
	cfg.Proximity.IDField = ""
	cfg.NATS.Encoding = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"chunk_size", "azimuth_bucket_width_deg", "id_field", "nats.encoding"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %s, got %v", want, err)
		}
	}
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("PROXIMITY_PROXIMITY_CHUNK_SIZE", "250")
	t.Setenv("PROXIMITY_PROXIMITY_ID_FIELD", "FID")

	cfg, err := Load("proximity-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Proximity.ChunkSize != 250 {
		t.Errorf("expected chunk size 250, got %d", cfg.Proximity.ChunkSize)
	}
	if cfg.Proximity.IDField != "FID" {
		t.Errorf("expected id field FID, got %s", cfg.Proximity.IDField)
	}
	if cfg.Proximity.AzimuthBucketWidthDeg != 45 || cfg.Proximity.DistanceBucketCount != 5 {
		t.Errorf("unexpected histogram defaults: %+v", cfg.Proximity)
	}
	if cfg.Proximity.SyncOverlapSeconds != 120 {
		t.Errorf("expected sync overlap 120s, got %d", cfg.Proximity.SyncOverlapSeconds)
	}
	if cfg.Telemetry.ServiceName != "proximity-test" {
		t.Errorf("expected service name proximity-test, got %s", cfg.Telemetry.ServiceName)
	}
}
