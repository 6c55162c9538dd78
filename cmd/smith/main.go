package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/smithrun/smith/internal/config"
	"github.com/smithrun/smith/internal/engine"
	"github.com/smithrun/smith/internal/llm"
	"github.com/smithrun/smith/internal/planner"
	"github.com/smithrun/smith/internal/registry"
	"github.com/smithrun/smith/internal/server"
	"github.com/smithrun/smith/internal/throttle"
	"github.com/smithrun/smith/internal/tools"
)

func main() {
	// A missing .env is fine; the environment may carry everything.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "plan":
		cmdPlan(os.Args[2:])
	case "tools":
		cmdTools(os.Args[2:])
	case "serve":
		cmdServe(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  smith run [--config <file>] [--debug] [--yes] \"<request>\"")
	fmt.Fprintln(os.Stderr, "  smith plan [--config <file>] \"<request>\"")
	fmt.Fprintln(os.Stderr, "  smith tools [--config <file>]")
	fmt.Fprintln(os.Stderr, "  smith serve [--config <file>] [--addr <host:port>]")
}

// runtime bundles everything a subcommand needs after configuration.
type runtime struct {
	cfg    *config.Config
	reg    *registry.Registry
	pacer  *throttle.Pacer
	plnr   *planner.Planner
	client *llm.Client
}

// buildRuntime loads config and wires the registry, throttler, model
// client, and planner. requireModel controls whether a missing API key
// is fatal.
func buildRuntime(cfgPath string, requireModel bool) (*runtime, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	var client *llm.Client
	if cfg.GroqAPIKey != "" {
		adapter, err := llm.NewGroqAdapter(cfg.GroqAPIKey)
		if err != nil {
			return nil, err
		}
		throttler := throttle.New(time.Duration(cfg.BackoffMaxSec * float64(time.Second)))
		throttler.Configure("groq", throttle.ProviderLimits{
			RPM:              cfg.GroqRPM,
			TPM:              cfg.GroqTPM,
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
		})
		client = llm.NewClient(adapter, throttler, cfg.PrimaryModel)
	} else if requireModel {
		return nil, fmt.Errorf("GROQ_API_KEY is not set (put it in the environment or a .env file)")
	}

	reg := registry.New()
	httpClient := &http.Client{Timeout: 10 * time.Second}
	var gen tools.Generator
	if client != nil {
		gen = client
	}
	if err := tools.RegisterBuiltins(reg, httpClient, gen); err != nil {
		return nil, err
	}
	if cfg.RegistryPath != "" {
		if err := reg.LoadFile(cfg.RegistryPath); err != nil {
			return nil, err
		}
	}

	pacer := throttle.NewPacer()
	tools.ConfigurePacer(pacer, reg)

	var plnr *planner.Planner
	if client != nil {
		plnr = planner.New(client, reg, cfg.PrimaryModel)
	}

	return &runtime{cfg: cfg, reg: reg, pacer: pacer, plnr: plnr, client: client}, nil
}

func engineOptions(rt *runtime, autoApproveAll bool) engine.Options {
	policy := engine.ApprovalPolicy{
		Require:     rt.cfg.RequireApprovalEnabled(),
		AutoApprove: rt.cfg.AutoApprove,
	}
	if autoApproveAll {
		policy.Require = false
	}
	return engine.Options{
		MaxWorkers:      rt.cfg.MaxWorkers,
		DefaultTimeout:  time.Duration(rt.cfg.DefaultTimeoutSec * float64(time.Second)),
		DefaultRetries:  rt.cfg.MaxRetries,
		TraceLimitChars: rt.cfg.TraceLimitChars,
		DebugMode:       rt.cfg.DebugMode,
		SynthesisModel:  rt.cfg.PrimaryModel,
		Approval:        policy,
	}
}

func cmdRun(args []string) {
	var cfgPath string
	var debug bool
	var yes bool
	var request string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			cfgPath = args[i]
		case "--debug":
			debug = true
		case "--yes":
			yes = true
		default:
			if strings.HasPrefix(args[i], "--") {
				fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
				os.Exit(1)
			}
			request = args[i]
		}
	}
	if strings.TrimSpace(request) == "" {
		usage()
		os.Exit(1)
	}

	rt, err := buildRuntime(cfgPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if debug {
		rt.cfg.DebugMode = true
	}

	opts := engineOptions(rt, yes)
	opts.Sink = engine.SinkFunc(printEvent)
	opts.Approval.Decider = terminalApprover

	eng := engine.New(rt.reg, rt.plnr, rt.client, rt.pacer, opts)
	res, err := eng.Run(context.Background(), request)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(res.Answer)
	fmt.Fprintf(os.Stderr, "\nquality: %s (score %d)\n", res.Quality.Grade, res.Quality.Score)
	if len(res.Quality.Violations) > 0 {
		for _, v := range res.Quality.Violations {
			fmt.Fprintf(os.Stderr, "violation: %s\n", v)
		}
	}
}

func cmdPlan(args []string) {
	var cfgPath string
	var request string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			cfgPath = args[i]
		default:
			if strings.HasPrefix(args[i], "--") {
				fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
				os.Exit(1)
			}
			request = args[i]
		}
	}
	if strings.TrimSpace(request) == "" {
		usage()
		os.Exit(1)
	}

	rt, err := buildRuntime(cfgPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	rt.plnr.SetWarningHandler(func(msg string) {
		fmt.Fprintf(os.Stderr, "warning: %s\n", msg)
	})
	plan, err := rt.plnr.PlanTask(context.Background(), request)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func cmdTools(args []string) {
	var cfgPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			cfgPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	rt, err := buildRuntime(cfgPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	for _, d := range rt.reg.Descriptors() {
		danger := ""
		if d.Dangerous {
			danger = " [dangerous]"
		}
		fmt.Printf("%s (%s)%s\n", d.Name, d.Domain, danger)
		if d.Description != "" {
			fmt.Printf("    %s\n", d.Description)
		}
		for _, fn := range d.Functions {
			fmt.Printf("    - %s\n", fn.Name)
		}
	}
}

func cmdServe(args []string) {
	var cfgPath string
	var addr string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			cfgPath = args[i]
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			addr = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	rt, err := buildRuntime(cfgPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if addr == "" {
		addr = rt.cfg.ListenAddr
	}

	srv := server.New(server.Config{Addr: addr}, server.Runner{
		Registry:  rt.reg,
		Planner:   rt.plnr,
		Generator: rt.client,
		Pacer:     rt.pacer,
		Options:   engineOptions(rt, false),
	})
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// printEvent renders run events for the terminal. The final answer is
// printed by cmdRun itself.
func printEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventStatus:
		fmt.Fprintf(os.Stderr, "· %v\n", ev.Payload["message"])
	case engine.EventPlanCreated:
		if plan, ok := ev.Payload["plan"].(*planner.Plan); ok {
			fmt.Fprintf(os.Stderr, "· plan ready: %d steps\n", len(plan.Nodes))
		}
	case engine.EventStepStart:
		fmt.Fprintf(os.Stderr, "→ %v\n", ev.Payload["message"])
	case engine.EventStepComplete:
		status := ev.Payload["status"]
		mark := "✓"
		if status != "success" {
			mark = "✗"
		}
		fmt.Fprintf(os.Stderr, "%s %v.%v (%.2fs)\n", mark, ev.Payload["tool"], ev.Payload["function"], ev.Payload["duration"])
	case engine.EventDebugArgs:
		args, _ := json.Marshal(ev.Payload["args"])
		fmt.Fprintf(os.Stderr, "  args: %s\n", args)
	case engine.EventWarning:
		fmt.Fprintf(os.Stderr, "! %v\n", ev.Payload["message"])
	case engine.EventApprovalRequired:
		fmt.Fprintf(os.Stderr, "! %v\n", ev.Payload["message"])
	case engine.EventError:
		fmt.Fprintf(os.Stderr, "error: %v\n", ev.Payload["message"])
	}
}

// terminalApprover prompts on stdin for dangerous tool calls.
func terminalApprover(ctx context.Context, req engine.ApprovalRequest) (bool, error) {
	inputs, _ := json.Marshal(req.Inputs)
	fmt.Fprintf(os.Stderr, "tool '%s.%s' wants to run with inputs %s\n", req.Tool, req.Function, inputs)
	fmt.Fprint(os.Stderr, "approve? [y/N] ")

	line := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			line <- scanner.Text()
			return
		}
		line <- ""
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case answer := <-line:
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "y" || answer == "yes", nil
	}
}
