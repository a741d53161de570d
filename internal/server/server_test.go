package server

import (
	"testing"
)

func TestParseSeedAccounts(t *testing.T) {
	balances, err := ParseSeedAccounts(" alice=100, bob = 50 ,")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(balances) != 2 || balances["alice"] != 100 || balances["bob"] != 50 {
		t.Errorf("unexpected balances %v", balances)
	}

	empty, err := ParseSeedAccounts("  ")
	if err != nil {
		t.Fatalf("empty spec: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("empty spec produced %v", empty)
	}

	for _, bad := range []string{"alice", "alice=lots", "alice=100,bob"} {
		if _, err := ParseSeedAccounts(bad); err == nil {
			t.Errorf("spec %q accepted", bad)
		}
	}
}

func TestParseStaticUsers(t *testing.T) {
	users, err := ParseStaticUsers("alice:read|write; bob:read ;carol:")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("unexpected users %v", users)
	}
	if !users["alice"].Has("read") || !users["alice"].Has("write") {
		t.Errorf("alice permissions %v", users["alice"].Permissions)
	}
	if !users["bob"].Has("read") || users["bob"].Has("write") {
		t.Errorf("bob permissions %v", users["bob"].Permissions)
	}
	if len(users["carol"].Permissions) != 0 {
		t.Errorf("carol should hold no permissions, got %v", users["carol"].Permissions)
	}

	if _, err := ParseStaticUsers("alice"); err == nil {
		t.Error("spec without permissions separator accepted")
	}
}
