package database

import (
	"strings"
	"testing"
)

func TestConnectionString(t *testing.T) {
	cfg := &Config{
		Host:     "db",
		Port:     5432,
		User:     "payments",
		Password: "secret",
		Database: "payments",
		SSLMode:  "disable",
	}

	dsn := cfg.ConnectionString()
	for _, want := range []string{
		"host=db",
		"port=5432",
		"dbname=payments",
		"sslmode=disable",
		"application_name=stkpush",
	} {
		if !strings.Contains(dsn, want) {
			t.Errorf("connection string missing %q: %s", want, dsn)
		}
	}
}
