package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jiazeyu1987/AgentFolder/internal/model"
)

var (
	statusPlanFlag string
	errorsPlanFlag string
	errorsLimit    int
	llmPlanFlag    string
	llmLimit       int
)

// statusCmd prints the plan tree with per-status counts
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the plan tree and task counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := boot()
		if err != nil {
			return err
		}
		defer e.store.Close()

		planID, err := currentPlanID(e, statusPlanFlag)
		if err != nil {
			return err
		}
		plan, err := e.store.GetPlan(planID)
		if err != nil {
			return err
		}
		tasks, err := e.store.PlanTasks(planID)
		if err != nil {
			return err
		}
		edges, err := e.store.PlanEdges(planID)
		if err != nil {
			return err
		}

		byID := map[string]*model.TaskNode{}
		children := map[string][]string{}
		for _, t := range tasks {
			byID[t.TaskID] = t
		}
		for _, edge := range edges {
			if edge.EdgeType == model.EdgeDecompose {
				children[edge.FromTaskID] = append(children[edge.FromTaskID], edge.ToTaskID)
			}
		}
		for id := range children {
			ids := children[id]
			sort.Slice(ids, func(i, j int) bool {
				a, b := byID[ids[i]], byID[ids[j]]
				if a == nil || b == nil {
					return ids[i] < ids[j]
				}
				if a.Priority != b.Priority {
					return a.Priority > b.Priority
				}
				return a.TaskID < b.TaskID
			})
		}

		fmt.Printf("Plan: %s (%s)\n\n", plan.Title, plan.PlanID)
		var print func(id string, depth int)
		print = func(id string, depth int) {
			t := byID[id]
			if t == nil {
				return
			}
			marker := ""
			if !t.ActiveBranch {
				marker = " [inactive]"
			}
			blocked := ""
			if t.Status == model.StatusBlocked {
				blocked = fmt.Sprintf(" (%s)", t.BlockedReason)
			}
			fmt.Printf("%s%-6s %-14s %s%s\n",
				strings.Repeat("  ", depth), t.NodeType, string(t.Status)+blocked, t.Title, marker)
			for _, c := range children[id] {
				print(c, depth+1)
			}
		}
		print(plan.RootTaskID, 0)

		counts := map[model.Status]int{}
		for _, t := range tasks {
			counts[t.Status]++
		}
		fmt.Println()
		order := []model.Status{
			model.StatusPending, model.StatusReady, model.StatusInProgress,
			model.StatusReadyToCheck, model.StatusToBeModify, model.StatusBlocked,
			model.StatusDone, model.StatusFailed, model.StatusAbandoned,
		}
		var parts []string
		for _, s := range order {
			if counts[s] > 0 {
				parts = append(parts, fmt.Sprintf("%s=%d", s, counts[s]))
			}
		}
		fmt.Printf("Tasks: %d (%s)\n", len(tasks), strings.Join(parts, ", "))
		return nil
	},
}

// errorsCmd lists recent errors and their counters
var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Show recent errors and error counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := boot()
		if err != nil {
			return err
		}
		defer e.store.Close()

		planID, err := currentPlanID(e, errorsPlanFlag)
		if err != nil {
			return err
		}
		events, err := e.store.RecentEvents(planID, "ERROR", errorsLimit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No errors recorded.")
		} else {
			fmt.Printf("Recent errors (%d):\n", len(events))
			for _, ev := range events {
				fmt.Printf("  %s task=%s %s\n", ev.CreatedAt, ev.TaskID, ev.Payload)
			}
		}

		counters, err := e.store.ErrorCounters(planID)
		if err != nil {
			return err
		}
		if len(counters) > 0 {
			fmt.Println("\nError counters:")
			for _, c := range counters {
				fmt.Printf("  %-24s task=%s count=%d\n", c.Key, c.TaskID, c.Count)
			}
		}
		return nil
	},
}

// llmCallsCmd lists recent language-model calls
var llmCallsCmd = &cobra.Command{
	Use:   "llm-calls",
	Short: "Show recent language-model call telemetry",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := boot()
		if err != nil {
			return err
		}
		defer e.store.Close()

		planID, err := currentPlanID(e, llmPlanFlag)
		if err != nil {
			return err
		}
		calls, err := e.store.RecentLLMCalls(planID, llmLimit)
		if err != nil {
			return err
		}
		if len(calls) == 0 {
			fmt.Println("No llm calls recorded.")
			return nil
		}
		for _, c := range calls {
			status := "ok"
			if c.ErrorCode != "" {
				status = c.ErrorCode
			} else if c.ValidatorError != "" {
				status = "contract: " + c.ValidatorError
			}
			fmt.Printf("%s  %-12s %-10s task=%s  %s\n",
				c.CreatedAt, c.Scope, c.Agent, c.TaskID, status)
		}
		total, err := e.store.CountLLMCalls(planID)
		if err == nil {
			fmt.Printf("\nTotal calls for plan: %d (budget %d)\n", total, e.cfg.MaxLLMCalls)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusPlanFlag, "plan", "", "plan id (default: latest)")
	errorsCmd.Flags().StringVar(&errorsPlanFlag, "plan", "", "plan id (default: latest)")
	errorsCmd.Flags().IntVar(&errorsLimit, "limit", 20, "max errors to show")
	llmCallsCmd.Flags().StringVar(&llmPlanFlag, "plan", "", "plan id (default: latest)")
	llmCallsCmd.Flags().IntVar(&llmLimit, "limit", 20, "max calls to show")
}
