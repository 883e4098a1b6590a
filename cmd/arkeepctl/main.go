package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

const defaultServer = "http://localhost:8787"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "txn":
		handleTxnCommand(args)
	case "backup":
		handleBackupCommand(args)
	case "recovery":
		handleRecoveryCommand(args)
	case "version":
		fmt.Printf("arkeepctl version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("arkeepctl - arkeep CLI Tool")
	fmt.Println()
	fmt.Println("Usage: arkeepctl <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  txn <subcommand>       Transaction operations")
	fmt.Println("    begin [isolation]    Start a transaction")
	fmt.Println("    read <id> <key>      Read a key inside a transaction")
	fmt.Println("    write <id> <key> <value>  Stage a write")
	fmt.Println("    delete <id> <key>    Stage a delete")
	fmt.Println("    prepare <id>         Run the vote phase")
	fmt.Println("    commit <id>          Commit")
	fmt.Println("    abort <id>           Abort")
	fmt.Println("    status <id>          Show transaction state")
	fmt.Println("    list                 List transactions")
	fmt.Println()
	fmt.Println("  backup <subcommand>    Backup operations")
	fmt.Println("    create <source> <type> [parent]  Capture a backup")
	fmt.Println("    list                 List the catalog")
	fmt.Println("    show <id>            Show one record")
	fmt.Println("    validate <id>        Verify integrity")
	fmt.Println("    restore <id> <target>  Restore to a path")
	fmt.Println("    delete <id>          Delete a backup")
	fmt.Println()
	fmt.Println("  recovery <subcommand>  Recovery operations")
	fmt.Println("    pitr <source> <target-ts> <target>  Plan point-in-time recovery")
	fmt.Println("    plan <backup-id> <target>  Plan a single-backup restore")
	fmt.Println("    execute <plan-id>    Run a plan")
	fmt.Println("    cancel <plan-id>     Cancel a running plan")
	fmt.Println("    show <plan-id>       Show a plan")
	fmt.Println("    list                 List plans")
	fmt.Println()
	fmt.Println("  version                Show version")
	fmt.Println("  help                   Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Printf("  --server <url>         arkeep server URL (default: %s)\n", defaultServer)
}
