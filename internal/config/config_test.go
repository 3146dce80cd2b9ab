package config

import "testing"

func validConfig() *Config {
	return &Config{
		Addr:             ":3010",
		MaxClients:       10,
		SenderWorkers:    2,
		PlistenerWorkers: 2,
		PoolMaxSlabMB:    8,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsEmptyAddr(t *testing.T) {
	c := validConfig()
	c.Addr = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("want error for empty Addr")
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	c := validConfig()
	c.LogLevel = "verbose"
	if err := c.Validate(); err == nil {
		t.Fatalf("want error for invalid LogLevel")
	}
}

func TestValidateRejectsZeroWorkers(t *testing.T) {
	c := validConfig()
	c.SenderWorkers = 0
	if err := c.Validate(); err == nil {
		t.Fatalf("want error for zero SenderWorkers")
	}
}
