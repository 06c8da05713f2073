package modules

import (
	"context"
	"strings"
	"testing"
)

func TestPostgresPingRequiresUser(t *testing.T) {
	_, err := Default().Build("postgres_ping", paramsNode(t, "port: 5433\n"))
	if err == nil || !strings.Contains(err.Error(), "user is required") {
		t.Fatalf("expected user error, got %v", err)
	}
}

func TestPostgresPingDSNDefaultsToTargetAddress(t *testing.T) {
	mod := buildModule(t, "postgres_ping", "user: postgres\npassword: secret\n")
	m := mod.(*postgresPingModule)
	want := "host=192.0.2.20 port=5432 user=postgres dbname=postgres sslmode=disable connect_timeout=10 password=secret"
	if got := m.dsn("192.0.2.20"); got != want {
		t.Errorf("dsn = %q, want %q", got, want)
	}
}

func TestPostgresPingExplicitHostWins(t *testing.T) {
	mod := buildModule(t, "postgres_ping", "user: postgres\nhost: db.internal\nport: 5433\n")
	m := mod.(*postgresPingModule)
	// No password param means no password field in the DSN.
	want := "host=db.internal port=5433 user=postgres dbname=postgres sslmode=disable connect_timeout=10"
	if got := m.dsn("192.0.2.20"); got != want {
		t.Errorf("dsn = %q, want %q", got, want)
	}
}

func TestPostgresPingCheckMode(t *testing.T) {
	mod := buildModule(t, "postgres_ping", "user: postgres\n")
	req := request(newFakeTransport())
	req.CheckMode = true
	req.HostAddress = "192.0.2.20"
	res, err := mod.Apply(context.Background(), req)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Changed || res.Msg != "would ping postgres" {
		t.Errorf("result = %+v", res)
	}
}
