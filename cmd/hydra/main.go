// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"hydra/coordinator/config"
	"hydra/coordinator/fanout"
	"hydra/coordinator/ledger"
	"hydra/coordinator/limb"
	"hydra/coordinator/shared/logger"
	"hydra/coordinator/spine"
)

var version = "1.0.0"

const banner = `
  _   _ __   ____  ____      _
 | | | |\ \ / /  \|  _ \    / \
 | |_| | \ V /| | | |_) |  / _ \
 |  _  |  | | | |_| |  _ < / ___ \
 |_| |_|  |_| |____/|_| \_\_/   \_\  coordinator
`

var (
	flagJSON     bool
	flagNoBanner bool
	flagSCBEURL  string
	flagConfig   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "hydra",
		Short:         "Policy-gated multi-head coordinator",
		Long:          `hydra coordinates AI heads and execution limbs behind a governance gate, a turnstile, and an append-only audit ledger.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "structured JSON output")
	rootCmd.PersistentFlags().BoolVar(&flagNoBanner, "no-banner", false, "suppress the startup banner")
	rootCmd.PersistentFlags().StringVar(&flagSCBEURL, "scbe-url", "", "external governance endpoint override")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file")

	rootCmd.AddCommand(
		interactiveCmd(),
		statusCmd(),
		statsCmd(),
		executeCmd(),
		workflowCmd(),
		rememberCmd(),
		recallCmd(),
		searchCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		// Runtime failures exit 2; bad arguments exit 1.
		if _, ok := err.(*argError); ok {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

type argError struct{ msg string }

func (e *argError) Error() string { return e.msg }

// coordinator bundles everything a subcommand needs.
type coordinator struct {
	cfg *config.Config
	led *ledger.Ledger
	sp  *spine.Spine
	hub *fanout.Hub
	reg *prometheus.Registry
	log *logger.Logger
}

// setup builds the full stack: ledger, librarian, registry, evaluator,
// consensus, spine, fanout hub, and the default limbs.
func setup(ctx context.Context) (*coordinator, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagSCBEURL != "" {
		cfg.SCBEURL = flagSCBEURL
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger dir: %w", err)
	}
	secret := []byte(cfg.LedgerSecret)
	if len(secret) == 0 {
		secret = []byte(cfg.SessionID)
	}
	led, err := ledger.Open(cfg.DBPath, cfg.SessionID, secret)
	if err != nil {
		return nil, err
	}

	lib, err := ledger.NewLibrarian(ctx, led)
	if err != nil {
		led.Close()
		return nil, err
	}

	govCfg := spine.GovernanceConfig{
		Blocklist:      cfg.Blocklist,
		Trustlist:      cfg.Trustlist,
		EnabledTongues: cfg.Tongues,
	}
	var extra []spine.Tongue
	if cfg.SCBEURL != "" {
		extra = append(extra, spine.NewRemoteTongue(cfg.SCBEURL))
	}
	eval := spine.NewEvaluator(govCfg, extra...)

	reg := spine.NewRegistry(led)
	cons := spine.NewConsensus(led)
	promReg := prometheus.NewRegistry()

	sp := spine.New(led, lib, reg, eval, cons, spine.Options{
		HoneypotURL:        cfg.HoneypotURL,
		RateLimitPerMinute: cfg.RateLimit,
		RedisURL:           cfg.RedisURL,
		Registerer:         promReg,
	})
	if n, err := sp.LoadWorkflows(cfg.WorkflowDir); err != nil {
		led.Close()
		return nil, err
	} else if n > 0 {
		logger.New("cli").Info("", "", "workflows loaded", map[string]interface{}{"count": n})
	}

	hub := fanout.NewHub(sp, cfg.WSSecret)

	return &coordinator{
		cfg: cfg,
		led: led,
		sp:  sp,
		hub: hub,
		reg: promReg,
		log: logger.New("cli"),
	}, nil
}

func (c *coordinator) close() {
	c.hub.Close()
	c.led.Close()
}

// attachDefaultLimbs wires the reference backends for interactive use.
func (c *coordinator) attachDefaultLimbs(ctx context.Context) {
	for _, l := range []limb.Limb{
		limb.NewBrowser("browser-1"),
		limb.NewMultiBrowser("multi-browser-1"),
		limb.NewTerminal("terminal-1", ""),
		limb.NewAPI("api-1", ""),
	} {
		if err := c.sp.Registry().AttachLimb(ctx, l); err != nil {
			c.log.Warn("", "", "failed to attach limb", map[string]interface{}{
				"limb_id": l.ID(), "error": err.Error(),
			})
		}
	}
}

func interactiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interactive",
		Short: "Run the coordinator: HTTP/WebSocket server plus a stdin command loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := setup(ctx)
			if err != nil {
				return err
			}
			defer c.close()
			c.attachDefaultLimbs(ctx)

			if !flagNoBanner {
				fmt.Fprint(os.Stderr, banner)
				fmt.Fprintf(os.Stderr, "session %s  ledger %s  port %d\n\n",
					c.cfg.SessionID, c.cfg.DBPath, c.cfg.Port)
			}

			router := spine.NewRouter(c.sp, http.HandlerFunc(c.hub.ServeWS), c.reg)
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", c.cfg.Port),
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					c.log.Error("", "", "http server failed", map[string]interface{}{"error": err.Error()})
					stop()
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			return c.sp.RunStdin(ctx, os.Stdin, os.Stdout)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session, head, and limb status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := setup(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			report := c.sp.Status()
			if flagJSON {
				return printJSON(report)
			}
			fmt.Print(report.Summary())
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ledger statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := setup(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			stats, err := c.led.Stats(ctx)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(stats)
			}
			fmt.Printf("session:  %s\n", stats.SessionID)
			fmt.Printf("entries:  %d\n", stats.Total)
			for entryType, count := range stats.ByType {
				fmt.Printf("  %-16s %d\n", entryType, count)
			}
			for decision, count := range stats.ByDecision {
				fmt.Printf("  %-16s %d\n", decision, count)
			}
			fmt.Printf("memories: %d\n", stats.MemoryFacts)
			return nil
		},
	}
}

func executeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <json>",
		Short: "Dispatch a single command and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return &argError{"execute requires exactly one JSON command argument"}
			}
			var command spine.Command
			if err := json.Unmarshal([]byte(args[0]), &command); err != nil {
				return &argError{fmt.Sprintf("malformed command: %v", err)}
			}

			ctx := cmd.Context()
			c, err := setup(ctx)
			if err != nil {
				return err
			}
			defer c.close()
			c.attachDefaultLimbs(ctx)

			res := c.sp.Execute(ctx, &command)
			if err := printJSON(res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("command failed: %s", firstNonEmpty(res.Error, res.Reason, res.Decision))
			}
			return nil
		},
	}
}

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage and run workflows",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List defined workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()

			workflows := c.sp.ListWorkflows()
			if flagJSON {
				return printJSON(workflows)
			}
			for _, w := range workflows {
				fmt.Printf("%s  %-24s %-10s %d phases\n", w.ID, w.Name, w.Status, len(w.Phases))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "run <id-or-name>",
		Short: "Execute a defined workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return &argError{"workflow run requires a workflow id or name"}
			}
			ctx := cmd.Context()
			c, err := setup(ctx)
			if err != nil {
				return err
			}
			defer c.close()
			c.attachDefaultLimbs(ctx)

			res := c.sp.ExecuteWorkflow(ctx, args[0])
			if err := printJSON(res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("workflow failed: %s", firstNonEmpty(res.Error, res.Reason, res.Status))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id-or-name>",
		Short: "Show a workflow definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return &argError{"workflow show requires a workflow id or name"}
			}
			c, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()

			w := c.sp.GetWorkflow(args[0])
			if w == nil {
				return fmt.Errorf("workflow %s not defined", args[0])
			}
			return printJSON(w)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "save <id-or-name>",
		Short: "Save a workflow definition as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return &argError{"workflow save requires a workflow id or name"}
			}
			c, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()

			path, err := c.sp.SaveWorkflow(args[0], c.cfg.WorkflowDir)
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	})

	return cmd
}

func rememberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remember <key> <value>",
		Short: "Store a fact in cross-session memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return &argError{"remember requires a key and a value"}
			}
			ctx := cmd.Context()
			c, err := setup(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			res := c.sp.Execute(ctx, &spine.Command{
				Action: "remember",
				Target: args[0],
				Params: map[string]interface{}{"value": args[1]},
			})
			if !res.Success {
				return fmt.Errorf("remember failed: %s", firstNonEmpty(res.Error, res.Reason, res.Decision))
			}
			if flagJSON {
				return printJSON(res)
			}
			fmt.Printf("remembered %s\n", args[0])
			return nil
		},
	}
}

func recallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recall <key>",
		Short: "Retrieve a fact from cross-session memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return &argError{"recall requires a key"}
			}
			ctx := cmd.Context()
			c, err := setup(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			res := c.sp.Execute(ctx, &spine.Command{Action: "recall", Target: args[0]})
			if !res.Success {
				return fmt.Errorf("recall failed: %s", firstNonEmpty(res.Error, res.Reason, res.Decision))
			}
			if flagJSON {
				return printJSON(res)
			}
			if found, _ := res.Data["found"].(bool); !found {
				fmt.Printf("%s: not found\n", args[0])
				return nil
			}
			fmt.Printf("%s: %v\n", args[0], res.Data["value"])
			return nil
		},
	}
}

func searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <terms>...",
		Short: "Search memory facts by keyword relevance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return &argError{"search requires at least one term"}
			}
			ctx := cmd.Context()
			c, err := setup(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			facts, err := c.sp.Librarian().Search(ctx, strings.Join(args, " "), 20)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(facts)
			}
			for _, f := range facts {
				fmt.Printf("%-24s %-12s %.2f  %s\n", f.Key, f.Category, f.Importance, truncate(fmt.Sprint(f.Value), 60))
			}
			return nil
		},
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return "unknown"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
