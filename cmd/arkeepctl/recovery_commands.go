package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
)

type recoveryPlan struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	TargetTS       int64  `json:"target_ts,omitempty"`
	TargetLocation string `json:"target_location"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"created_at"`
	Steps          []struct {
		Index    int    `json:"index"`
		Action   string `json:"action"`
		BackupID string `json:"backup_id,omitempty"`
		Status   string `json:"status"`
		Attempts int    `json:"attempts"`
		Error    string `json:"error,omitempty"`
	} `json:"steps"`
}

func handleRecoveryCommand(args []string) {
	if len(args) == 0 {
		fmt.Println("Recovery subcommand required")
		fmt.Println("Usage: arkeepctl recovery <pitr|plan|execute|cancel|show|list> [options]")
		os.Exit(1)
	}

	var serverURL string
	flagSet := flag.NewFlagSet("recovery", flag.ExitOnError)
	flagSet.StringVar(&serverURL, "server", defaultServer, "arkeep server URL")

	subcommand := args[0]
	flagSet.Parse(args[1:])
	remainingArgs := flagSet.Args()

	client := NewArkeepClient(serverURL)

	switch subcommand {
	case "pitr":
		handleRecoveryPITR(client, remainingArgs)
	case "plan":
		handleRecoveryPlan(client, remainingArgs)
	case "execute":
		handleRecoveryExecute(client, remainingArgs)
	case "cancel":
		handleRecoveryCancel(client, remainingArgs)
	case "show":
		handleRecoveryShow(client, remainingArgs)
	case "list":
		handleRecoveryList(client)
	default:
		fmt.Printf("Unknown recovery subcommand: %s\n", subcommand)
		os.Exit(1)
	}
}

func handleRecoveryPITR(client *ArkeepClient, args []string) {
	if len(args) != 3 {
		fmt.Println("Usage: arkeepctl recovery pitr <source-path> <target-ts> <target-location>")
		os.Exit(1)
	}

	targetTS, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Invalid target timestamp '%s': %v\n", args[1], err)
		os.Exit(1)
	}

	body := map[string]interface{}{
		"source_path":     args[0],
		"target_ts":       targetTS,
		"target_location": args[2],
	}

	var plan recoveryPlan
	if err := client.post("/recovery/plans/pitr", body, &plan); err != nil {
		fmt.Printf("Error planning recovery: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Plan created: %s (%d steps)\n", plan.ID, len(plan.Steps))
}

func handleRecoveryPlan(client *ArkeepClient, args []string) {
	if len(args) != 2 {
		fmt.Println("Usage: arkeepctl recovery plan <backup-id> <target-location>")
		os.Exit(1)
	}

	body := map[string]string{
		"backup_id":       args[0],
		"target_location": args[1],
	}

	var plan recoveryPlan
	if err := client.post("/recovery/plans/backup", body, &plan); err != nil {
		fmt.Printf("Error planning recovery: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Plan created: %s\n", plan.ID)
}

func handleRecoveryExecute(client *ArkeepClient, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: arkeepctl recovery execute <plan-id>")
		os.Exit(1)
	}

	if err := client.post("/recovery/plans/"+args[0]+"/execute", nil, nil); err != nil {
		fmt.Printf("Error executing plan '%s': %v\n", args[0], err)
		os.Exit(1)
	}
	fmt.Printf("Execution of plan %s started\n", args[0])
}

func handleRecoveryCancel(client *ArkeepClient, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: arkeepctl recovery cancel <plan-id>")
		os.Exit(1)
	}

	if err := client.post("/recovery/plans/"+args[0]+"/cancel", nil, nil); err != nil {
		fmt.Printf("Error cancelling plan '%s': %v\n", args[0], err)
		os.Exit(1)
	}
	fmt.Printf("Cancellation of plan %s requested\n", args[0])
}

func handleRecoveryShow(client *ArkeepClient, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: arkeepctl recovery show <plan-id>")
		os.Exit(1)
	}

	var plan recoveryPlan
	if err := client.get("/recovery/plans/"+args[0], &plan); err != nil {
		fmt.Printf("Error getting plan '%s': %v\n", args[0], err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(plan, "", "  ")
	fmt.Println(string(out))
}

func handleRecoveryList(client *ArkeepClient) {
	var plans []recoveryPlan
	if err := client.get("/recovery/plans", &plans); err != nil {
		fmt.Printf("Error listing plans: %v\n", err)
		os.Exit(1)
	}

	if len(plans) == 0 {
		fmt.Println("No recovery plans")
		return
	}
	for _, p := range plans {
		fmt.Printf("%s  %-10s  %-11s  steps=%d\n", p.ID, p.Kind, p.Status, len(p.Steps))
	}
}
