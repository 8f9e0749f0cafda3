package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/heartflow/internal/config"
	"github.com/stellarlinkco/heartflow/internal/cron"
	"github.com/stellarlinkco/heartflow/internal/gateway"
	"github.com/stellarlinkco/heartflow/internal/heartflow"
	"github.com/stellarlinkco/heartflow/internal/llm"
	"github.com/stellarlinkco/heartflow/internal/logging"
	"github.com/stellarlinkco/heartflow/internal/persona"
	"github.com/stellarlinkco/heartflow/internal/store"
)

// JudgeOptions for running a one-off evaluation with custom dependencies
type JudgeOptions struct {
	Chat   heartflow.ChatModel
	Store  store.Store
	Stdout io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "heartflow",
	Short: "heartflow - a chat agent that knows when to speak up",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the gateway (channels + heartflow + housekeeping jobs)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config, workspace and persona registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnboard(cmd.OutOrStdout())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show heartflow status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.OutOrStdout())
	},
}

var judgeCmd = &cobra.Command{
	Use:   "judge [message]",
	Short: "Ask the judge whether the agent would join in on a message",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJudge,
}

var (
	judgeChat    string
	judgeSender  string
	judgeName    string
	judgeHistory []string
	judgeImages  []string
	judgeJSON    bool
)

func init() {
	judgeCmd.Flags().StringVar(&judgeChat, "chat", "cli:local", "Conversation id (channel:chat)")
	judgeCmd.Flags().StringVar(&judgeSender, "sender", "cli-user", "Sender id")
	judgeCmd.Flags().StringVar(&judgeName, "name", "", "Sender nickname")
	judgeCmd.Flags().StringArrayVar(&judgeHistory, "history", nil, "Earlier message as 'name: text' (repeatable)")
	judgeCmd.Flags().StringArrayVar(&judgeImages, "image", nil, "Image URL attached to the message (repeatable)")
	judgeCmd.Flags().BoolVar(&judgeJSON, "json", false, "Print the decision as JSON")
	rootCmd.AddCommand(gatewayCmd, onboardCmd, statusCmd, judgeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty, nil)
	return cfg, nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'heartflow onboard' or set HEARTFLOW_API_KEY / ANTHROPIC_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runJudge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return runJudgeWithOptions(cmd.Context(), cfg, strings.Join(args, " "), JudgeOptions{Stdout: cmd.OutOrStdout()})
}

// runJudgeWithOptions evaluates one message with injectable dependencies for testing.
// The persisted affinity is read but never written back.
func runJudgeWithOptions(ctx context.Context, cfg *config.Config, text string, opts JudgeOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}

	chat := opts.Chat
	if chat == nil {
		var err error
		if chat, err = llm.New(ctx, cfg); err != nil {
			return fmt.Errorf("create judge model: %w", err)
		}
	}

	registry, err := persona.NewRegistry(persona.Options{
		File:    cfg.PersonaFile(),
		Dir:     cfg.PersonaDir(),
		Default: cfg.Personas.Default,
	})
	if err != nil {
		return fmt.Errorf("load personas: %w", err)
	}

	st := opts.Store
	if st == nil {
		if st, err = store.Open(cfg); err != nil {
			return fmt.Errorf("open affinity store: %w", err)
		}
	}
	defer st.Close()

	engineOpts := gateway.EngineOptions(cfg)
	engineOpts.Enabled = true
	engine, err := heartflow.NewEngine(engineOpts, heartflow.Deps{Chat: chat, Personas: registry, Store: st})
	if err != nil {
		return err
	}
	if err := engine.Load(ctx); err != nil {
		fmt.Fprintf(out, "Affinity: unavailable (%v)\n", err)
	}

	for _, line := range judgeHistory {
		name, msg := splitHistory(line)
		engine.Decide(ctx, heartflow.Turn{
			ConversationID: judgeChat,
			SenderID:       name,
			SenderName:     name,
			Text:           msg,
			Addressed:      true, // buffered, not judged
		})
	}

	d := engine.Decide(ctx, heartflow.Turn{
		ConversationID: judgeChat,
		SenderID:       judgeSender,
		SenderName:     judgeName,
		Text:           text,
		ImageURLs:      judgeImages,
	})

	if judgeJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	}
	printDecision(out, d, cfg.Heartflow.ReplyThreshold)
	return nil
}

func splitHistory(line string) (string, string) {
	name, msg, ok := strings.Cut(line, ":")
	if !ok {
		return "someone", strings.TrimSpace(line)
	}
	return strings.TrimSpace(name), strings.TrimSpace(msg)
}

func printDecision(w io.Writer, d heartflow.Decision, threshold float64) {
	fmt.Fprintf(w, "Outcome: %s\n", d.Outcome)
	if d.Reason != "" && d.Outcome != heartflow.OutcomeAccept && d.Outcome != heartflow.OutcomeReject {
		fmt.Fprintf(w, "Reason: %s\n", d.Reason)
	}
	if d.Err != nil {
		fmt.Fprintf(w, "Error: %v\n", d.Err)
	}
	if d.Outcome != heartflow.OutcomeAccept && d.Outcome != heartflow.OutcomeReject {
		return
	}
	r := d.Result
	fmt.Fprintf(w, "Score: %.2f (threshold %.2f)\n", r.OverallScore, threshold)
	fmt.Fprintf(w, "  relevance %.1f  willingness %.1f  social %.1f  timing %.1f  continuity %.1f\n",
		r.Relevance, r.Willingness, r.Social, r.Timing, r.Continuity)
	fmt.Fprintf(w, "Affinity: %.1f (%+.2f)  p=%.2f draw=%.2f\n", d.Affinity, d.AffinityDelta, d.Probability, d.Draw)
	if r.Reasoning != "" {
		fmt.Fprintf(w, "Reasoning: %s\n", r.Reasoning)
	}
	fmt.Fprintf(w, "Reply: %v\n", d.ShouldReply)
}

func runOnboard(out io.Writer) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ws := cfg.Agent.Workspace
	for _, dir := range []string{ws, cfg.DataDir(), cfg.PersonaDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	writeIfNotExists(out, filepath.Join(ws, "AGENTS.md"), defaultAgentsMD)
	writeIfNotExists(out, cfg.PersonaFile(), persona.DefaultFile)

	fmt.Fprintf(out, "Workspace ready: %s\n", ws)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key and bot tokens\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set HEARTFLOW_API_KEY environment variable")
	fmt.Fprintf(out, "  3. Tune the personas in %s\n", cfg.PersonaFile())
	fmt.Fprintln(out, "  4. Run 'heartflow judge \"anyone up for lunch?\"' to test")

	return nil
}

func runStatus(out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Workspace: %s\n", cfg.Agent.Workspace)
	fmt.Fprintf(out, "Model: %s\n", cfg.Agent.Model)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	judge := cfg.JudgeProvider()
	fmt.Fprintf(out, "Judge: %s via %s (key %s)\n", cfg.Judge.Model, providerDisplay(judge.Type), maskKey(judge.APIKey))
	fmt.Fprintf(out, "Heartflow: enabled=%v threshold=%.2f context=%d\n",
		cfg.Heartflow.Enabled, cfg.Heartflow.ReplyThreshold, cfg.Heartflow.ContextMessages)
	if cfg.Heartflow.Whitelist.Enabled {
		fmt.Fprintf(out, "Whitelist: %d chats\n", len(cfg.Heartflow.Whitelist.Chats))
	}
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "Discord: enabled=%v\n", cfg.Channels.Discord.Enabled)

	if registry, err := persona.NewRegistry(persona.Options{File: cfg.PersonaFile(), Dir: cfg.PersonaDir(), Default: cfg.Personas.Default}); err != nil {
		fmt.Fprintf(out, "Personas: error (%v)\n", err)
	} else {
		ids := make([]string, 0)
		for _, p := range registry.List() {
			ids = append(ids, p.ID)
		}
		fmt.Fprintf(out, "Personas: %d %v\n", len(ids), ids)
	}

	fmt.Fprintf(out, "Affinity: enabled=%v storage=%s\n", cfg.Affinity.Enabled, storageDisplay(cfg.Storage.Type))
	if cfg.Affinity.Enabled {
		printAffinity(out, cfg)
	}

	jobs, err := cron.ReadState(filepath.Join(cfg.DataDir(), "cron", "jobs.json"))
	switch {
	case err != nil:
		fmt.Fprintf(out, "Jobs: error (%v)\n", err)
	case len(jobs) == 0:
		fmt.Fprintln(out, "Jobs: none (gateway not started yet)")
	default:
		for _, j := range jobs {
			fmt.Fprintf(out, "Job %s: runs=%d last=%s\n", j.Name, j.State.Runs, orDash(j.State.LastStatus))
		}
	}

	return nil
}

func printAffinity(out io.Writer, cfg *config.Config) {
	st, err := store.Open(cfg)
	if err != nil {
		fmt.Fprintf(out, "  store: error (%v)\n", err)
		return
	}
	defer st.Close()
	snap, err := st.Load(context.Background())
	if err != nil {
		fmt.Fprintf(out, "  store: error (%v)\n", err)
		return
	}

	levels := map[string]int{}
	users := 0
	for _, r := range snap.Local {
		for _, v := range r.Affinity {
			levels[heartflow.LevelOf(v).Name]++
			users++
		}
	}
	fmt.Fprintf(out, "  conversations=%d users=%d global=%d\n", len(snap.Local), users, len(snap.Global.Affinity))
	names := make([]string, 0, len(levels))
	for name := range levels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %s: %d\n", name, levels[name])
	}
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func storageDisplay(t string) string {
	if t == "" {
		return config.DefaultStorageType + " (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func writeIfNotExists(out io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}

const defaultAgentsMD = `# heartflow Agent

You are a member of one or more group chats. Sometimes people talk to you
directly, sometimes you decide on your own that you have something to add.

## Guidelines
- Reply like a chat member, not like an assistant writing a report
- One or two sentences is usually enough
- Do not repeat what others already said
- If you are unsure about a fact, say so instead of guessing
`
