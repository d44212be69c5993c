package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/goapprove/goapprove/internal/log"
	internal_storage "github.com/goapprove/goapprove/internal/storage"
	"github.com/goapprove/goapprove/pkg/models"
	"github.com/goapprove/goapprove/pkg/service"
	"github.com/spf13/cobra"
)

func SetupCLI(rootCmd *cobra.Command) {
	definitionsCmd := &cobra.Command{
		Use:   "definitions",
		Short: "List workflow definitions",
		Run: func(cmd *cobra.Command, args []string) {
			svc, store := definitionService(cmd)
			defer store.Close()
			defs, err := svc.ListDefinitions()
			if err != nil {
				fail("Failed to list definitions: %v", err)
			}
			if len(defs) == 0 {
				fmt.Println("No definitions found.")
				return
			}
			for _, d := range defs {
				fmt.Printf("- ID: %d, Name: %s, Version: %d, Status: %s\n", d.ID, d.Name, d.Version, d.Status)
			}
		},
	}

	createDefinitionCmd := &cobra.Command{
		Use:   "create-definition [file.json]",
		Short: "Create a draft definition from a JSON file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			data, err := os.ReadFile(args[0])
			if err != nil {
				fail("Failed to read %s: %v", args[0], err)
			}
			var def models.WorkflowDefinition
			if err := json.Unmarshal(data, &def); err != nil {
				fail("Failed to parse %s: %v", args[0], err)
			}
			svc, store := definitionService(cmd)
			defer store.Close()
			id, err := svc.CreateDefinition(def)
			if err != nil {
				fail("Failed to create definition: %v", err)
			}
			fmt.Printf("Created draft definition '%s' with ID %d\n", def.Name, id)
		},
	}

	publishCmd := &cobra.Command{
		Use:   "publish [id]",
		Short: "Validate and publish a draft definition",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id := parseID(args[0])
			svc, store := definitionService(cmd)
			defer store.Close()
			if err := svc.Publish(id); err != nil {
				fail("Failed to publish definition %d: %v", id, err)
			}
			fmt.Printf("Published definition %d\n", id)
		},
	}

	instancesCmd := &cobra.Command{
		Use:   "instances",
		Short: "List workflow instances",
		Run: func(cmd *cobra.Command, args []string) {
			svc, store := instanceService(cmd)
			defer store.Close()
			instances, err := svc.ListInstances()
			if err != nil {
				fail("Failed to list instances: %v", err)
			}
			if len(instances) == 0 {
				fmt.Println("No instances found.")
				return
			}
			for _, inst := range instances {
				node := inst.CurrentNodeID
				if node == "" {
					node = "-"
				}
				fmt.Printf("- ID: %d, Entity: %s/%s, Node: %s, Status: %s, Initiated: %s\n",
					inst.ID, inst.EntityType, inst.EntityID, node, inst.Status, inst.InitiatedAt.Format(time.RFC3339))
			}
		},
	}

	instanceCmd := &cobra.Command{
		Use:   "instance [id]",
		Short: "Show one instance with its tasks and history",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id := parseID(args[0])
			svc, store := instanceService(cmd)
			defer store.Close()
			details, err := svc.InstanceDetails(id)
			if err != nil {
				fail("Failed to load instance %d: %v", id, err)
			}
			inst := details.Instance
			node := inst.CurrentNodeID
			if node == "" {
				node = "-"
			}
			fmt.Printf("Instance %d (%s/%s)\n", inst.ID, inst.EntityType, inst.EntityID)
			fmt.Printf("  Definition: %s v%d\n", details.Definition.Name, inst.DefinitionVersion)
			fmt.Printf("  Status: %s, Node: %s, Initiated by %s at %s\n",
				inst.Status, node, inst.InitiatedBy, inst.InitiatedAt.Format(time.RFC3339))
			for _, n := range details.Definition.Nodes {
				tasks := details.TasksByNode[n.ID]
				if len(tasks) == 0 {
					continue
				}
				fmt.Printf("  Node %s:\n", n.ID)
				for _, t := range tasks {
					line := fmt.Sprintf("    Task %d [%s] assigned to %s (epoch %d)", t.ID, t.Status, t.AssignedTo, t.Epoch)
					if t.DelegatedTo != "" {
						line += ", delegated to " + t.DelegatedTo
					}
					fmt.Println(line)
				}
			}
			if len(details.History) > 0 {
				fmt.Println("  History:")
				for _, rec := range details.History {
					fmt.Printf("    %s %s at %s (%s)\n", rec.Approver, rec.Action, rec.NodeID, rec.RecordedAt.Format(time.RFC3339))
				}
			}
		},
	}

	pendingCmd := &cobra.Command{
		Use:   "pending [principal]",
		Short: "List a principal's pending approval tasks",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			ledger := service.NewLedgerService(store, log.GetLogger())
			tasks, err := ledger.PendingTasksFor(args[0])
			if err != nil {
				fail("Failed to list pending tasks: %v", err)
			}
			if len(tasks) == 0 {
				fmt.Println("No pending tasks.")
				return
			}
			for _, t := range tasks {
				fmt.Printf("- Task: %d, Instance: %d, Node: %s, Assigned: %s\n", t.ID, t.InstanceID, t.NodeID, t.AssignedAt.Format(time.RFC3339))
			}
		},
	}

	decideCmd := &cobra.Command{
		Use:   "decide [task-id] [action] [actor]",
		Short: "Submit a decision (APPROVE, REJECT, RETURN or DELEGATE)",
		Args:  cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			taskID := parseID(args[0])
			comment, _ := cmd.Flags().GetString("comment")
			delegate, _ := cmd.Flags().GetString("delegate")
			svc, store := instanceService(cmd)
			defer store.Close()
			dec := service.Decision{
				Action:   models.DecisionAction(args[1]),
				Actor:    args[2],
				Comment:  comment,
				Delegate: delegate,
			}
			if err := svc.SubmitDecision(taskID, dec); err != nil {
				fail("Failed to submit decision: %v", err)
			}
			fmt.Printf("Recorded %s by %s on task %d\n", dec.Action, dec.Actor, taskID)
		},
	}
	decideCmd.Flags().String("comment", "", "Decision comment")
	decideCmd.Flags().String("delegate", "", "Delegate principal (DELEGATE action only)")

	rootCmd.AddCommand(definitionsCmd, createDefinitionCmd, publishCmd, instancesCmd, instanceCmd, pendingCmd, decideCmd)
}

func definitionService(cmd *cobra.Command) (*service.DefinitionService, *internal_storage.PostgresStore) {
	store := initStore(cmd)
	return service.NewDefinitionService(store, log.GetLogger()), store
}

func instanceService(cmd *cobra.Command) (*service.InstanceService, *internal_storage.PostgresStore) {
	store := initStore(cmd)
	logger := log.GetLogger()
	binding := service.StaticBinding{}
	dispatcher := service.NewTaskDispatcher(binding, service.AssigneeAuthorizer{}, logger)
	return service.NewInstanceService(store, dispatcher, binding, service.NopNotifier{}, logger), store
}

func initStore(cmd *cobra.Command) *internal_storage.PostgresStore {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}

func parseID(raw string) int64 {
	var id int64
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil || id <= 0 {
		fail("Invalid id %q", raw)
	}
	return id
}

func fail(format string, args ...interface{}) {
	log.GetLogger().Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
