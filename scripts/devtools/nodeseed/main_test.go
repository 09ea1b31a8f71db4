package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeInventory(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write inventory: %v", err)
	}
	return path
}

func TestLoadInventory(t *testing.T) {
	path := writeInventory(t, `
database:
  dsn: "root@tcp(127.0.0.1:3306)/oj"
nodes:
  - name: a
    address: http://10.0.0.1:5000
    token: t1
  - name: b
    address: http://10.0.0.2:5000
    token: t2
    concurrency: 4
    disabled: true
    runtimeMultiplier: 1.5
`)
	inventory, err := loadInventory(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(inventory.Nodes) != 2 || inventory.Database.DSN == "" {
		t.Fatalf("unexpected inventory %+v", inventory)
	}
	a := inventory.Nodes[0].toNode()
	if a.Concurrency != 2 || !a.Enabled || a.Multiplier() != 1 {
		t.Fatalf("unexpected defaults %+v", a)
	}
	b := inventory.Nodes[1].toNode()
	if b.Concurrency != 4 || b.Enabled || b.Multiplier() != 1.5 {
		t.Fatalf("unexpected node %+v", b)
	}
}

func TestLoadInventoryRejects(t *testing.T) {
	cases := map[string]string{
		"empty":     "nodes: []\n",
		"no token":  "nodes:\n  - name: a\n    address: x\n",
		"duplicate": "nodes:\n  - {name: a, address: x, token: t}\n  - {name: a, address: y, token: t}\n",
		"no name":   "nodes:\n  - {address: x, token: t}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := loadInventory(writeInventory(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
