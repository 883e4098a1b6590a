package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
)

type txnStatus struct {
	ID           string   `json:"id"`
	State        string   `json:"state"`
	Isolation    string   `json:"isolation"`
	StartTS      int64    `json:"start_ts"`
	CommitTS     int64    `json:"commit_ts,omitempty"`
	WriteSetSize int      `json:"write_set_size"`
	Participants []string `json:"participants,omitempty"`
}

func handleTxnCommand(args []string) {
	if len(args) == 0 {
		fmt.Println("Txn subcommand required")
		fmt.Println("Usage: arkeepctl txn <begin|read|write|delete|prepare|commit|abort|status|list> [options]")
		os.Exit(1)
	}

	var serverURL string
	flagSet := flag.NewFlagSet("txn", flag.ExitOnError)
	flagSet.StringVar(&serverURL, "server", defaultServer, "arkeep server URL")

	subcommand := args[0]
	flagSet.Parse(args[1:])
	remainingArgs := flagSet.Args()

	client := NewArkeepClient(serverURL)

	switch subcommand {
	case "begin":
		handleTxnBegin(client, remainingArgs)
	case "read":
		handleTxnRead(client, remainingArgs)
	case "write":
		handleTxnWrite(client, remainingArgs)
	case "delete":
		handleTxnDelete(client, remainingArgs)
	case "prepare":
		handleTxnPhase(client, remainingArgs, "prepare")
	case "commit":
		handleTxnPhase(client, remainingArgs, "commit")
	case "abort":
		handleTxnPhase(client, remainingArgs, "abort")
	case "status":
		handleTxnStatus(client, remainingArgs)
	case "list":
		handleTxnList(client)
	default:
		fmt.Printf("Unknown txn subcommand: %s\n", subcommand)
		os.Exit(1)
	}
}

func handleTxnBegin(client *ArkeepClient, args []string) {
	body := map[string]string{}
	if len(args) > 0 {
		body["isolation"] = args[0]
	}

	var status txnStatus
	if err := client.post("/txn/begin", body, &status); err != nil {
		fmt.Printf("Error beginning transaction: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Transaction started: %s (isolation: %s)\n", status.ID, status.Isolation)
}

func handleTxnRead(client *ArkeepClient, args []string) {
	if len(args) != 2 {
		fmt.Println("Usage: arkeepctl txn read <id> <key>")
		os.Exit(1)
	}

	var resp struct {
		Key     string `json:"key"`
		Value   string `json:"value"`
		Version int64  `json:"version"`
	}
	if err := client.get("/txn/"+args[0]+"/keys/"+args[1], &resp); err != nil {
		fmt.Printf("Error reading key '%s': %v\n", args[1], err)
		os.Exit(1)
	}
	fmt.Printf("%s\n", resp.Value)
}

func handleTxnWrite(client *ArkeepClient, args []string) {
	if len(args) != 3 {
		fmt.Println("Usage: arkeepctl txn write <id> <key> <value>")
		os.Exit(1)
	}

	body := map[string]string{"value": args[2]}
	if err := client.put("/txn/"+args[0]+"/keys/"+args[1], body, nil); err != nil {
		fmt.Printf("Error writing key '%s': %v\n", args[1], err)
		os.Exit(1)
	}
	fmt.Printf("Staged %s = %s in transaction %s\n", args[1], args[2], args[0])
}

func handleTxnDelete(client *ArkeepClient, args []string) {
	if len(args) != 2 {
		fmt.Println("Usage: arkeepctl txn delete <id> <key>")
		os.Exit(1)
	}

	if err := client.delete("/txn/"+args[0]+"/keys/"+args[1], nil); err != nil {
		fmt.Printf("Error deleting key '%s': %v\n", args[1], err)
		os.Exit(1)
	}
	fmt.Printf("Staged delete of %s in transaction %s\n", args[1], args[0])
}

func handleTxnPhase(client *ArkeepClient, args []string, phase string) {
	if len(args) != 1 {
		fmt.Printf("Usage: arkeepctl txn %s <id>\n", phase)
		os.Exit(1)
	}

	if err := client.post("/txn/"+args[0]+"/"+phase, nil, nil); err != nil {
		fmt.Printf("Error on %s of transaction %s: %v\n", phase, args[0], err)
		os.Exit(1)
	}
	fmt.Printf("Transaction %s: %s succeeded\n", args[0], phase)
}

func handleTxnStatus(client *ArkeepClient, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: arkeepctl txn status <id>")
		os.Exit(1)
	}

	var status txnStatus
	if err := client.get("/txn/"+args[0], &status); err != nil {
		fmt.Printf("Error getting transaction '%s': %v\n", args[0], err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(status, "", "  ")
	fmt.Println(string(out))
}

func handleTxnList(client *ArkeepClient) {
	var statuses []txnStatus
	if err := client.get("/txn/", &statuses); err != nil {
		fmt.Printf("Error listing transactions: %v\n", err)
		os.Exit(1)
	}

	if len(statuses) == 0 {
		fmt.Println("No transactions")
		return
	}
	for _, s := range statuses {
		fmt.Printf("%s  %-10s  %s  writes=%d\n", s.ID, s.State, s.Isolation, s.WriteSetSize)
	}
}
