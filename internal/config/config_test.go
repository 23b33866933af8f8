package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %q", cfg.Host)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.MaxRooms != 100 {
		t.Errorf("MaxRooms = %d", cfg.MaxRooms)
	}
	if cfg.RoomTimeout != time.Hour {
		t.Errorf("RoomTimeout = %v", cfg.RoomTimeout)
	}
	if cfg.RoomGracePeriod != 30*time.Second {
		t.Errorf("RoomGracePeriod = %v", cfg.RoomGracePeriod)
	}
	if cfg.CORSOrigin != "*" {
		t.Errorf("CORSOrigin = %q", cfg.CORSOrigin)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "9000")
	t.Setenv("MAX_ROOMS", "5")
	t.Setenv("ROOM_TIMEOUT", "10m")
	t.Setenv("ROOM_GRACE_PERIOD", "45")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Addr() != "127.0.0.1:9000" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
	if cfg.MaxRooms != 5 {
		t.Errorf("MaxRooms = %d", cfg.MaxRooms)
	}
	if cfg.RoomTimeout != 10*time.Minute {
		t.Errorf("RoomTimeout = %v", cfg.RoomTimeout)
	}
	// Bare numbers are read as seconds.
	if cfg.RoomGracePeriod != 45*time.Second {
		t.Errorf("RoomGracePeriod = %v", cfg.RoomGracePeriod)
	}
}

func TestLoadBadValuesFallBack(t *testing.T) {
	t.Setenv("MAX_ROOMS", "not-a-number")
	t.Setenv("ROOM_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxRooms != 100 {
		t.Errorf("MaxRooms = %d, want default 100", cfg.MaxRooms)
	}
	if cfg.RoomTimeout != time.Hour {
		t.Errorf("RoomTimeout = %v, want default 1h", cfg.RoomTimeout)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{Port: "8080", MaxRooms: 1, RoomTimeout: time.Hour, RoomGracePeriod: time.Second}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := *cfg
	bad.Port = ""
	if err := bad.Validate(); err == nil {
		t.Error("empty port should be rejected")
	}

	bad = *cfg
	bad.MaxRooms = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero MaxRooms should be rejected")
	}

	bad = *cfg
	bad.RoomGracePeriod = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero grace period should be rejected")
	}
}
