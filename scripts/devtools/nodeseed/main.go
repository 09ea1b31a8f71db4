package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"judgedispatch/internal/common/db"
	"judgedispatch/internal/dispatcher/model"
	"judgedispatch/internal/dispatcher/repository"

	"gopkg.in/yaml.v3"
)

// Inventory lists judge nodes to register.
type Inventory struct {
	Database db.MySQLConfig `yaml:"database"`
	Nodes    []NodeEntry    `yaml:"nodes"`
}

type NodeEntry struct {
	Name              string  `yaml:"name"`
	Address           string  `yaml:"address"`
	Token             string  `yaml:"token"`
	Concurrency       int     `yaml:"concurrency"`
	Disabled          bool    `yaml:"disabled"`
	RuntimeMultiplier float64 `yaml:"runtimeMultiplier"`
}

func main() {
	inventoryPath := flag.String("nodes", "configs/nodes.yaml", "Path to judge node inventory")
	dsn := flag.String("dsn", "", "Override database DSN")
	dryRun := flag.Bool("dry-run", false, "Validate the inventory without writing")
	flag.Parse()

	inventory, err := loadInventory(*inventoryPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load inventory failed: %v\n", err)
		os.Exit(1)
	}
	if *dsn != "" {
		inventory.Database.DSN = *dsn
	}
	if *dryRun {
		fmt.Printf("%d nodes ok\n", len(inventory.Nodes))
		return
	}

	database, err := db.NewMySQLWithConfig(&inventory.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect database failed: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	repo := repository.NewNodeRepository(database)
	for _, entry := range inventory.Nodes {
		node := entry.toNode()
		if err := repo.Register(ctx, node); err != nil {
			fmt.Fprintf(os.Stderr, "register %q failed: %v\n", entry.Name, err)
			os.Exit(1)
		}
		fmt.Printf("registered %s -> %s\n", node.Name, node.Address)
	}
}

func loadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory failed: %w", err)
	}

	var inventory Inventory
	if err := yaml.Unmarshal(data, &inventory); err != nil {
		return nil, fmt.Errorf("parse inventory failed: %w", err)
	}
	if len(inventory.Nodes) == 0 {
		return nil, errors.New("inventory has no nodes")
	}
	seen := make(map[string]struct{}, len(inventory.Nodes))
	for i, entry := range inventory.Nodes {
		if entry.Name == "" || entry.Address == "" {
			return nil, fmt.Errorf("node #%d: name and address are required", i)
		}
		if _, ok := seen[entry.Name]; ok {
			return nil, fmt.Errorf("node %q listed twice", entry.Name)
		}
		seen[entry.Name] = struct{}{}
		if entry.Token == "" {
			return nil, fmt.Errorf("node %q: token is required", entry.Name)
		}
	}
	return &inventory, nil
}

func (e NodeEntry) toNode() *model.Node {
	concurrency := e.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	return &model.Node{
		Name:              e.Name,
		Address:           e.Address,
		Token:             e.Token,
		Concurrency:       concurrency,
		Enabled:           !e.Disabled,
		RuntimeMultiplier: e.RuntimeMultiplier,
	}
}
