// Command workflowctl is a demo CLI over the workflow engine: it
// registers a built-in order-approval graph and drives it through
// execute/suspend/resume/finish, printing the outcome at each step.
// Grounded on cmd/server/main.go's cobra root command + viper-bound
// subcommand pattern, scoped down to a single demo CLI with no
// HTTP/REST surface (§1 marks that surface explicitly out of scope).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	"github.com/driftkit-ai/driftkit-framework/internal/db"
	"github.com/driftkit-ai/driftkit-framework/pkg/engine"
	"github.com/driftkit-ai/driftkit-framework/pkg/schema"
	"github.com/driftkit-ai/driftkit-framework/pkg/state"
	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

func main() {
	initConfig()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "workflowctl",
	Short: "Durable workflow orchestration engine demo CLI",
	Long: `workflowctl drives the embeddable workflow engine through its
built-in order-approval demo graph: validate the order, charge it with
retries, suspend for manager approval above a threshold, ship
asynchronously, and finish.`,
}

var usePostgres bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the demo order-approval workflow end to end",
	Run: func(cmd *cobra.Command, args []string) {
		runDemo(viper.GetString("run.input"), viper.GetBool("run.approve"))
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations against DATABASE_URL",
	Run: func(cmd *cobra.Command, args []string) {
		db.Connect()
		log.Println("migrations applied")
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [instance-id]",
	Short: "Print a previously persisted instance's state (requires --postgres)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		inspectInstance(args[0])
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(inspectCmd)

	rootCmd.PersistentFlags().BoolVar(&usePostgres, "postgres", false, "persist instance state in Postgres (DATABASE_URL) instead of in-memory")
	viper.BindPFlag("engine.postgres", rootCmd.PersistentFlags().Lookup("postgres"))

	runCmd.Flags().String("input", `{"orderId":"ORD-1001","amount":500}`, "JSON OrderRequest trigger payload")
	runCmd.Flags().Bool("approve", true, "auto-approve and resume a suspended instance; false leaves it suspended")
	viper.BindPFlag("run.input", runCmd.Flags().Lookup("input"))
	viper.BindPFlag("run.approve", runCmd.Flags().Lookup("approve"))
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.workflowctl")
	viper.AddConfigPath("/etc/workflowctl")

	viper.SetEnvPrefix("WORKFLOWCTL")
	viper.AutomaticEnv()
	viper.BindEnv("database.url", "DATABASE_URL")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("error reading config file: %v", err)
		}
	}
}

// newEngine wires an *engine.Engine exactly the way Engine.New
// documents: a StateRepository (Postgres if --postgres, in-memory
// otherwise), in-memory suspension/async repositories (no durable
// backend exists for those yet — see DESIGN.md), a reflection-based
// schema provider, default circuit breaker config, and a real otel SDK
// MeterProvider so retry metrics actually record somewhere.
func newEngine(log *zap.Logger) (*engine.Engine, func(), error) {
	registry := workflow.NewTypeRegistry()
	converter := workflow.GetConverter("json")
	registerDemoTypes(registry)

	var stateRepo state.StateRepository
	cleanup := func() {}
	if usePostgres {
		db.Connect()
		stateRepo = state.NewPostgresStateRepository(db.DB, registry, converter)
		cleanup = func() { db.DB.Close() }
	} else {
		stateRepo = state.NewMemoryStateRepository(1000, log)
	}

	suspensionRepo := state.NewMemorySuspensionRepository()
	asyncRepo := state.NewMemoryAsyncStateRepository()
	schemaProvider := schema.NewReflectProvider()
	meterProvider := sdkmetric.NewMeterProvider()

	e, err := engine.New(
		engine.DefaultConfig(),
		stateRepo,
		suspensionRepo,
		asyncRepo,
		registry,
		converter,
		schemaProvider,
		workflow.DefaultCircuitBreakerConfig(),
		meterProvider,
		log,
	)
	if err != nil {
		return nil, cleanup, err
	}
	return e, cleanup, nil
}

func runDemo(inputJSON string, autoApprove bool) {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	e, cleanup, err := newEngine(logger)
	if err != nil {
		log.Fatalf("workflowctl: engine init failed: %v", err)
	}
	defer cleanup()

	g, err := buildDemoGraph()
	if err != nil {
		log.Fatalf("workflowctl: building demo graph: %v", err)
	}
	if err := e.Register(g); err != nil {
		log.Fatalf("workflowctl: registering demo graph: %v", err)
	}

	var order OrderRequest
	if err := json.Unmarshal([]byte(inputJSON), &order); err != nil {
		log.Fatalf("workflowctl: invalid --input: %v", err)
	}

	ctx := context.Background()
	ex, err := e.Execute(ctx, g.ID, order)
	if err != nil {
		log.Fatalf("workflowctl: execute failed: %v", err)
	}

	result, waitErr := waitOrSuspended(ctx, e, ex)
	if waitErr != nil {
		log.Fatalf("workflowctl: %v", waitErr)
	}
	if result.Status != workflow.StatusSuspended {
		printResult(ex.InstanceID, result)
		return
	}

	fmt.Printf("instance %s suspended: %v\n", ex.InstanceID, result.Prompt)
	if !autoApprove {
		fmt.Println("--approve=false: instance left suspended; workflowctl has no resume subcommand and suspension data does not outlive this process (see DESIGN.md)")
		return
	}

	decision := ApprovalDecision{Approved: true, Reviewer: "auto-approver"}
	resumeEx, err := e.Resume(ctx, ex.InstanceID, decision)
	if err != nil {
		log.Fatalf("workflowctl: resume failed: %v", err)
	}
	final, waitErr := waitOrSuspended(ctx, e, resumeEx)
	if waitErr != nil {
		log.Fatalf("workflowctl: %v", waitErr)
	}
	printResult(ex.InstanceID, final)
}

// waitOrSuspended waits up to a generous timeout for ex to settle, but
// gives up and reports the instance's current (likely SUSPENDED)
// status rather than blocking forever — an Execution never completes
// while an instance is suspended (§4.9).
func waitOrSuspended(ctx context.Context, e *engine.Engine, ex *engine.Execution) (*engine.CurrentResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	type waitOutcome struct {
		result interface{}
		err    error
	}
	done := make(chan waitOutcome, 1)
	go func() {
		r, err := ex.Wait(waitCtx)
		done <- waitOutcome{r, err}
	}()

	select {
	case outcome := <-done:
		if outcome.err == nil {
			return e.GetCurrentResult(ctx, ex.InstanceID)
		}
	case <-waitCtx.Done():
	}
	return e.GetCurrentResult(ctx, ex.InstanceID)
}

func printResult(instanceID string, result *engine.CurrentResult) {
	out, _ := json.MarshalIndent(map[string]interface{}{
		"instanceId": instanceID,
		"status":     result.Status,
		"percent":    result.Percent,
		"message":    result.Message,
	}, "", "  ")
	fmt.Println(string(out))
}

func inspectInstance(instanceID string) {
	if !usePostgres {
		log.Fatal("workflowctl inspect requires --postgres (in-memory state does not survive across processes)")
	}
	db.Connect()
	defer db.DB.Close()

	registry := workflow.NewTypeRegistry()
	registerDemoTypes(registry)
	repo := state.NewPostgresStateRepository(db.DB, registry, workflow.GetConverter("json"))

	instance, found, err := repo.Load(context.Background(), instanceID)
	if err != nil {
		log.Fatalf("workflowctl: load failed: %v", err)
	}
	if !found {
		log.Fatalf("workflowctl: no such instance: %s", instanceID)
	}

	out, _ := json.MarshalIndent(map[string]interface{}{
		"instanceId":    instance.InstanceID,
		"workflowId":    instance.WorkflowID,
		"status":        instance.Status,
		"currentStepId": instance.CurrentStepID,
		"createdAt":     instance.CreatedAt,
		"updatedAt":     instance.UpdatedAt,
	}, "", "  ")
	fmt.Println(string(out))
}
