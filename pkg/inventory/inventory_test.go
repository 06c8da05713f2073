package inventory

import (
	"reflect"
	"testing"
)

const sampleInventory = `
hosts:
  db1:
    address: 10.40.0.11
    user: admin
    sudo_password: changeme
    become: true
    vars:
      postgres_port: 5433
  db2:
    address: 10.40.0.12
    user: admin
  log1:
    address: 10.40.0.21
    user: admin
    port: 2222
groups:
  dbservers:
    hosts: [db1, db2]
    vars:
      role: database
      postgres_port: 5432
  logservers:
    hosts: [log1]
    vars:
      role: logging
`

func parseSample(t *testing.T) *Inventory {
	t.Helper()
	inv, err := NewLoader().Parse([]byte(sampleInventory))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	return inv
}

func TestParseAppliesDefaults(t *testing.T) {
	inv := parseSample(t)

	db1 := inv.Host("db1")
	if db1 == nil {
		t.Fatal("expected host db1")
	}
	if db1.Port != 22 {
		t.Errorf("expected default port 22, got %d", db1.Port)
	}
	if db1.Connection != ConnectionSSH {
		t.Errorf("expected default connection ssh, got %s", db1.Connection)
	}
	if db1.Address != "10.40.0.11" {
		t.Errorf("expected explicit address kept, got %s", db1.Address)
	}

	if !db1.Become {
		t.Error("expected become to carry over from the inventory")
	}

	log1 := inv.Host("log1")
	if log1.Port != 2222 {
		t.Errorf("expected explicit port 2222, got %d", log1.Port)
	}
	if log1.Become {
		t.Error("become should default to off")
	}
}

func TestAddressDefaultsToName(t *testing.T) {
	inv, err := New([]*Host{{Name: "web1.example.com"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := inv.Host("web1.example.com").Address; got != "web1.example.com" {
		t.Errorf("expected address to default to name, got %s", got)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := NewLoader().Parse([]byte(`
hosts:
  db1:
    adress: 10.40.0.11
`))
	if err == nil {
		t.Fatal("expected error for misspelled field")
	}
}

func TestParseRejectsUnknownGroupMember(t *testing.T) {
	_, err := NewLoader().Parse([]byte(`
hosts:
  db1:
    user: admin
groups:
  dbservers:
    hosts: [db1, ghost]
`))
	if err == nil {
		t.Fatal("expected error for unknown group member")
	}
}

func TestParseRejectsInvalidPort(t *testing.T) {
	_, err := NewLoader().Parse([]byte(`
hosts:
  db1:
    port: 70000
`))
	if err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestParseRejectsInvalidConnection(t *testing.T) {
	_, err := NewLoader().Parse([]byte(`
hosts:
  db1:
    connection: telnet
`))
	if err == nil {
		t.Fatal("expected error for unknown connection type")
	}
}

func TestParseRejectsReservedGroupName(t *testing.T) {
	_, err := NewLoader().Parse([]byte(`
hosts:
  db1:
    user: admin
groups:
  all:
    hosts: [db1]
`))
	if err == nil {
		t.Fatal("expected error for reserved group name")
	}
}

func TestResolveSingleHost(t *testing.T) {
	inv := parseSample(t)

	hosts, err := inv.Resolve("db1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hosts) != 1 || hosts[0].Name != "db1" {
		t.Errorf("expected [db1], got %v", hostNames(hosts))
	}
}

func TestResolveGroup(t *testing.T) {
	inv := parseSample(t)

	hosts, err := inv.Resolve("dbservers")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(hostNames(hosts), []string{"db1", "db2"}) {
		t.Errorf("expected [db1 db2], got %v", hostNames(hosts))
	}
}

func TestResolveAll(t *testing.T) {
	inv := parseSample(t)

	hosts, err := inv.Resolve("all")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(hostNames(hosts), []string{"db1", "db2", "log1"}) {
		t.Errorf("expected sorted host list, got %v", hostNames(hosts))
	}
}

func TestResolveUnionDropsDuplicates(t *testing.T) {
	inv := parseSample(t)

	hosts, err := inv.Resolve("dbservers,db1,log1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(hostNames(hosts), []string{"db1", "db2", "log1"}) {
		t.Errorf("expected union without duplicates, got %v", hostNames(hosts))
	}
}

func TestResolveImplicitLocalhost(t *testing.T) {
	inv := parseSample(t)

	hosts, err := inv.Resolve("localhost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hosts) != 1 {
		t.Fatalf("expected one host, got %d", len(hosts))
	}
	if !hosts[0].IsLocal() {
		t.Error("expected implicit localhost to use the local connection")
	}
}

func TestResolveExplicitLocalhostWins(t *testing.T) {
	inv, err := New([]*Host{{Name: "localhost", Vars: map[string]any{"marker": true}}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	hosts, err := inv.Resolve("localhost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hosts[0].Vars["marker"] != true {
		t.Error("expected the inventory's localhost entry, not the implicit one")
	}
	if !hosts[0].IsLocal() {
		t.Error("expected localhost to default to the local connection")
	}
}

func TestResolveUnknownPattern(t *testing.T) {
	inv := parseSample(t)

	if _, err := inv.Resolve("webservers"); err == nil {
		t.Fatal("expected error for unknown pattern")
	}
}

func TestEffectiveVarsPrecedence(t *testing.T) {
	inv := parseSample(t)

	vars := inv.Host("db1").EffectiveVars()

	// Host var overrides the group's value.
	if vars["postgres_port"] != 5433 {
		t.Errorf("expected host var to win, got %v", vars["postgres_port"])
	}
	// Group var reaches hosts without their own value.
	if vars["role"] != "database" {
		t.Errorf("expected group var, got %v", vars["role"])
	}

	db2 := inv.Host("db2").EffectiveVars()
	if db2["postgres_port"] != 5432 {
		t.Errorf("expected group default for db2, got %v", db2["postgres_port"])
	}
}

func TestEffectiveVarsGroupNameOrder(t *testing.T) {
	hosts := []*Host{{Name: "h1"}}
	groups := []*Group{
		{Name: "zebra", Hosts: []string{"h1"}, Vars: map[string]any{"tier": "z"}},
		{Name: "alpha", Hosts: []string{"h1"}, Vars: map[string]any{"tier": "a"}},
	}
	inv, err := New(hosts, groups)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Later group name wins on conflict.
	if got := inv.Host("h1").EffectiveVars()["tier"]; got != "z" {
		t.Errorf("expected 'z' from the lexically later group, got %v", got)
	}
}

func TestEffectiveVarsReturnsFreshMap(t *testing.T) {
	inv := parseSample(t)

	first := inv.Host("db1").EffectiveVars()
	first["role"] = "mutated"

	if inv.Host("db1").EffectiveVars()["role"] != "database" {
		t.Error("mutating the merged map must not leak into the inventory")
	}
}

func TestHostGroups(t *testing.T) {
	inv := parseSample(t)

	if !reflect.DeepEqual(inv.Host("db1").Groups(), []string{"dbservers"}) {
		t.Errorf("expected [dbservers], got %v", inv.Host("db1").Groups())
	}
}

func hostNames(hosts []*Host) []string {
	names := make([]string, len(hosts))
	for i, h := range hosts {
		names[i] = h.Name
	}
	return names
}
