package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/memokeeper/internal/bus"
	"github.com/stellarlinkco/memokeeper/internal/config"
	"github.com/stellarlinkco/memokeeper/internal/deadletter"
	"github.com/stellarlinkco/memokeeper/internal/filter"
	"github.com/stellarlinkco/memokeeper/internal/gateway"
	"github.com/stellarlinkco/memokeeper/internal/store"
	"github.com/stellarlinkco/memokeeper/internal/stream"
)

var rootCmd = &cobra.Command{
	Use:           "memokeeper",
	Short:         "memokeeper - turns group chat messages into memory and task events",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway (telegram + pipeline + jobs + ops server)",
	RunE:  runGateway,
}

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Dry-run one message through filter and extractor",
	RunE:  runClassify,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write a default config",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memokeeper status",
	RunE:  runStatus,
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Republish pending dead letters",
	RunE:  runReplay,
}

var (
	messageFlag string
	chatFlag    int64
	limitFlag   int
)

func init() {
	classifyCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Message text to classify")
	classifyCmd.Flags().Int64Var(&chatFlag, "chat", -1, "Chat id used for derived ids")
	replayCmd.Flags().IntVar(&limitFlag, "limit", 100, "Maximum letters to replay")
	rootCmd.AddCommand(runCmd, classifyCmd, onboardCmd, statusCmd, replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(out).
			With().
			Timestamp().
			Logger()
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg, os.Stdout)
	ctx := context.Background()
	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(ctx)
}

// classifyOutput is what the dry run prints.
type classifyOutput struct {
	Filtered   string          `json:"filtered,omitempty"`
	Dropped    bool            `json:"dropped,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
	Source     string          `json:"source,omitempty"`
	Event      json.RawMessage `json:"event,omitempty"`
}

func runClassify(cmd *cobra.Command, args []string) error {
	text := messageFlag
	if text == "" && len(args) > 0 {
		text = strings.Join(args, " ")
	}
	if text == "" {
		return fmt.Errorf("message is required (-m)")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	out, err := classifyMessage(cmd.Context(), cfg, logger, text, chatFlag)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(out)
}

func classifyMessage(ctx context.Context, cfg *config.Config, logger zerolog.Logger, text string, chatID int64) (classifyOutput, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	f := filter.New(cfg.Filter)
	if ok, reason := f.Check(text); !ok {
		return classifyOutput{Filtered: string(reason)}, nil
	}

	sem, _, err := gateway.NewSemantic(cfg, nil, logger)
	if err != nil {
		return classifyOutput{}, err
	}
	extractor, err := gateway.NewExtractor(cfg, sem, logger)
	if err != nil {
		return classifyOutput{}, err
	}

	msg := bus.InboundMessage{
		ChatID:    chatID,
		MessageID: 1,
		Text:      f.Clean(text),
		Timestamp: float64(time.Now().Unix()),
	}
	res := extractor.Extract(ctx, msg, nil)
	out := classifyOutput{Confidence: res.Confidence, Source: string(res.Source)}
	if res.Dropped() {
		out.Dropped = true
		return out, nil
	}

	raw, err := stream.Marshal(stream.FromResult(msg, res))
	if err != nil {
		return classifyOutput{}, err
	}
	out.Event = raw
	return out, nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(w, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(w, "Config already exists: %s\n", cfgPath)
	}

	fmt.Fprintln(w, "\nNext steps:")
	fmt.Fprintf(w, "  1. Edit %s to set the bot token and group ids\n", cfgPath)
	fmt.Fprintln(w, "  2. Or set BOT_TOKEN and GROUP_IDS environment variables")
	fmt.Fprintln(w, "  3. Run 'memokeeper classify -m \"Решили использовать PostgreSQL\"' to test")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(w, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(w, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(w, "Env: %s\n", cfg.Env)
	if cfg.Telegram.Token != "" {
		fmt.Fprintf(w, "Telegram: enabled=%v token=%s groups=%d\n", cfg.Telegram.Enabled, mask(cfg.Telegram.Token), len(cfg.Telegram.GroupIDs))
	} else {
		fmt.Fprintf(w, "Telegram: enabled=%v token=not set\n", cfg.Telegram.Enabled)
	}
	fmt.Fprintf(w, "Redis: %s\n", cfg.Redis.URL)
	fmt.Fprintf(w, "Stream: %s (partitions=%d)\n", cfg.Stream.Name, cfg.Stream.Partitions)
	fmt.Fprintf(w, "Dedup: %s\n", cfg.Dedup.Backend)
	if cfg.Semantic.Enabled {
		fmt.Fprintf(w, "Semantic: %s (daily budget %.2f)\n", cfg.Semantic.Model, cfg.Budget.Daily)
	} else {
		fmt.Fprintln(w, "Semantic: disabled")
	}

	path := cfg.DeadLetterPath()
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(w, "Dead letters: none")
		return nil
	}
	dlq, err := deadletter.Open(path)
	if err != nil {
		fmt.Fprintf(w, "Dead letters: error (%v)\n", err)
		return nil
	}
	defer dlq.Close()
	n, err := dlq.Count(cmd.Context())
	if err != nil {
		fmt.Fprintf(w, "Dead letters: error (%v)\n", err)
		return nil
	}
	fmt.Fprintf(w, "Dead letters: %d pending (%s)\n", n, path)
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	client, err := store.OpenRedis(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer client.Close()

	dlq, err := deadletter.Open(cfg.DeadLetterPath())
	if err != nil {
		return fmt.Errorf("open dead-letter store: %w", err)
	}
	defer dlq.Close()

	dd, _, err := gateway.NewDedup(cfg, client, logger)
	if err != nil {
		return err
	}
	pub := stream.NewRetrying(
		stream.NewRedisPublisher(client, cfg.Stream.Name, cfg.Stream.Partitions, logger),
		gateway.RetryConfig(cfg), dlq, logger,
	)
	n, err := deadletter.Replay(ctx, dlq, pub, dd, limitFlag, logger)
	fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d event(s)\n", n)
	return err
}

func mask(s string) string {
	if len(s) > 8 {
		return s[:4] + "..." + s[len(s)-4:]
	}
	return "set"
}
