package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"
)

type backupRecord struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	SourcePath string   `json:"source_path"`
	ParentID   string   `json:"parent_id,omitempty"`
	Chunks     []string `json:"chunks"`
	Digest     string   `json:"digest"`
	CreatedAt  int64    `json:"created_at"`
	RawSize    int64    `json:"raw_size"`
	NewChunks  int      `json:"new_chunks"`
	Status     string   `json:"status"`
}

func handleBackupCommand(args []string) {
	if len(args) == 0 {
		fmt.Println("Backup subcommand required")
		fmt.Println("Usage: arkeepctl backup <create|list|show|validate|restore|delete> [options]")
		os.Exit(1)
	}

	var serverURL string
	flagSet := flag.NewFlagSet("backup", flag.ExitOnError)
	flagSet.StringVar(&serverURL, "server", defaultServer, "arkeep server URL")

	subcommand := args[0]
	flagSet.Parse(args[1:])
	remainingArgs := flagSet.Args()

	client := NewArkeepClient(serverURL)

	switch subcommand {
	case "create":
		handleBackupCreate(client, remainingArgs)
	case "list":
		handleBackupList(client)
	case "show":
		handleBackupShow(client, remainingArgs)
	case "validate":
		handleBackupValidate(client, remainingArgs)
	case "restore":
		handleBackupRestore(client, remainingArgs)
	case "delete":
		handleBackupDelete(client, remainingArgs)
	default:
		fmt.Printf("Unknown backup subcommand: %s\n", subcommand)
		os.Exit(1)
	}
}

func handleBackupCreate(client *ArkeepClient, args []string) {
	if len(args) < 2 || len(args) > 3 {
		fmt.Println("Usage: arkeepctl backup create <source-path> <type> [parent-id]")
		os.Exit(1)
	}

	body := map[string]string{
		"source_path": args[0],
		"type":        args[1],
	}
	if len(args) == 3 {
		body["parent_id"] = args[2]
	}

	var b backupRecord
	if err := client.post("/backups", body, &b); err != nil {
		fmt.Printf("Error creating backup: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Backup created: %s (%s, %d chunks, %d new)\n", b.ID, b.Type, len(b.Chunks), b.NewChunks)
}

func handleBackupList(client *ArkeepClient) {
	var backups []backupRecord
	if err := client.get("/backups", &backups); err != nil {
		fmt.Printf("Error listing backups: %v\n", err)
		os.Exit(1)
	}

	if len(backups) == 0 {
		fmt.Println("No backups")
		return
	}
	for _, b := range backups {
		created := time.Unix(0, b.CreatedAt).Format(time.RFC3339)
		fmt.Printf("%s  %-12s  %-9s  %s  %s\n", b.ID, b.Type, b.Status, created, b.SourcePath)
	}
}

func handleBackupShow(client *ArkeepClient, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: arkeepctl backup show <id>")
		os.Exit(1)
	}

	var b backupRecord
	if err := client.get("/backups/"+args[0], &b); err != nil {
		fmt.Printf("Error getting backup '%s': %v\n", args[0], err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(b, "", "  ")
	fmt.Println(string(out))
}

func handleBackupValidate(client *ArkeepClient, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: arkeepctl backup validate <id>")
		os.Exit(1)
	}

	if err := client.post("/backups/"+args[0]+"/validate", nil, nil); err != nil {
		fmt.Printf("Validation failed for backup '%s': %v\n", args[0], err)
		os.Exit(1)
	}
	fmt.Printf("Backup %s is valid\n", args[0])
}

func handleBackupRestore(client *ArkeepClient, args []string) {
	if len(args) != 2 {
		fmt.Println("Usage: arkeepctl backup restore <id> <target-path>")
		os.Exit(1)
	}

	body := map[string]interface{}{
		"target_path": args[1],
		"validate":    true,
	}
	if err := client.post("/backups/"+args[0]+"/restore", body, nil); err != nil {
		fmt.Printf("Error restoring backup '%s': %v\n", args[0], err)
		os.Exit(1)
	}
	fmt.Printf("Backup %s restored to %s\n", args[0], args[1])
}

func handleBackupDelete(client *ArkeepClient, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: arkeepctl backup delete <id>")
		os.Exit(1)
	}

	if err := client.delete("/backups/"+args[0], nil); err != nil {
		fmt.Printf("Error deleting backup '%s': %v\n", args[0], err)
		os.Exit(1)
	}
	fmt.Printf("Backup %s deleted\n", args[0])
}
