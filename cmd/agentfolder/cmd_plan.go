package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jiazeyu1987/AgentFolder/internal/doctor"
	"github.com/jiazeyu1987/AgentFolder/internal/engine"
	"github.com/jiazeyu1987/AgentFolder/internal/llm"
	"github.com/jiazeyu1987/AgentFolder/internal/logging"
	"github.com/jiazeyu1987/AgentFolder/internal/planner"
	"github.com/jiazeyu1987/AgentFolder/internal/prompt"
	"github.com/jiazeyu1987/AgentFolder/internal/skills"
)

var (
	planFlag string
	goalFile string
)

// newClient builds the configured language-model client.
func newClient(ctx context.Context, e *env) (llm.Client, error) {
	switch e.cfg.LLM.Provider {
	case "stub":
		return llm.NewStubClient(), nil
	case "gemini":
		apiKey := os.Getenv("GEMINI_API_KEY")
		if apiKey == "" {
			apiKey = os.Getenv("GOOGLE_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is not set")
		}
		return llm.NewGeminiClient(ctx, apiKey, e.cfg.LLM.Model)
	}
	return nil, fmt.Errorf("unknown llm provider %q", e.cfg.LLM.Provider)
}

// loadPrompts reads the prompt bundle and registers its versions.
func loadPrompts(e *env) (*prompt.Bundle, error) {
	b := prompt.Load(e.layout.PromptsDir())
	if err := prompt.Register(e.store, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// signalContext cancels on SIGINT/SIGTERM so a run stops cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// createPlanCmd drafts and reviews a plan for a goal
var createPlanCmd = &cobra.Command{
	Use:   "create-plan [goal]",
	Short: "Draft and review a plan for a goal",
	Long: `Asks the executor agent to decompose the goal into a plan, has the
reviewer agent score it, and persists the approved plan. Rejected drafts
are retried with the reviewer's notes.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		goal := strings.TrimSpace(strings.Join(args, " "))
		if goalFile != "" {
			data, err := os.ReadFile(goalFile)
			if err != nil {
				return err
			}
			goal = strings.TrimSpace(string(data))
		}
		if goal == "" {
			return fmt.Errorf("provide a goal as arguments or via --goal-file")
		}

		e, err := boot()
		if err != nil {
			return err
		}
		defer e.store.Close()

		ctx, cancel := signalContext()
		defer cancel()

		client, err := newClient(ctx, e)
		if err != nil {
			return err
		}
		bundle, err := loadPrompts(e)
		if err != nil {
			return err
		}

		res, err := planner.New(e.store, e.cfg, e.layout, client, bundle).CreatePlan(ctx, goal)
		if err != nil {
			return err
		}
		fmt.Printf("Plan %s approved (score %d, %d attempt(s))\n",
			res.Plan.PlanID, res.Score, res.Attempts)
		fmt.Printf("  %d node(s), written to %s\n",
			len(res.Plan.Nodes), e.layout.PlanJSONPath())
		return nil
	},
}

// runCmd executes the plan until it finishes or blocks
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the current plan",
	Long: `Runs the engine loop: match inputs, recompute readiness, and hand
tasks to the agents until the plan completes, blocks on missing input, or
hits a runtime fuse. Interrupting the run is safe; it resumes from the
database next time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := boot()
		if err != nil {
			return err
		}
		defer e.store.Close()

		planID, err := currentPlanID(e, planFlag)
		if err != nil {
			return err
		}

		// Preflight: refuse to run over a broken workspace.
		report, err := doctor.Run(e.store, e.cfg, planID)
		if err != nil {
			return err
		}
		if !report.OK() {
			fmt.Print(doctor.Format(report))
			logging.Get(logging.CategoryBoot).Error("doctor preflight failed")
			os.Exit(2)
		}

		ctx, cancel := signalContext()
		defer cancel()

		client, err := newClient(ctx, e)
		if err != nil {
			return err
		}
		bundle, err := loadPrompts(e)
		if err != nil {
			return err
		}
		reg, err := skills.Load(e.store, e.layout.SkillsRegistryPath())
		if err != nil {
			return err
		}
		_ = e.store.EmitEvent(planID, "", "SKILLS_LOADED", map[string]interface{}{
			"skills": reg.Names(),
		})

		eng := engine.New(e.store, e.cfg, e.layout, client, bundle, reg, planID)
		reason, err := eng.Run(ctx)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Println("Run interrupted; state saved.")
				return nil
			}
			return err
		}
		switch reason {
		case engine.StopPlanDone:
			fmt.Println("Plan complete. Run `agentfolder export` to collect deliverables.")
		case engine.StopBlockedOnUser:
			fmt.Printf("Run blocked on your input. See %s/blocked_summary.md\n",
				e.layout.RequiredDocsDir())
		default:
			fmt.Printf("Run stopped: %s\n", reason)
		}
		return nil
	},
}

func init() {
	createPlanCmd.Flags().StringVar(&goalFile, "goal-file", "",
		"read the goal from a file")
	runCmd.Flags().StringVar(&planFlag, "plan", "", "plan id (default: latest)")
}
