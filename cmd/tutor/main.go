package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/tutor-chat/backend/internal/client"
	"github.com/zhouzirui/tutor-chat/backend/internal/config"
	"github.com/zhouzirui/tutor-chat/backend/internal/conversation"
	"github.com/zhouzirui/tutor-chat/backend/internal/logging"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/persona"
	"github.com/zhouzirui/tutor-chat/backend/internal/session"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tutor",
	Short: "Chat with a tutor from the terminal",
	Long: `tutor is a terminal client for the tutor-chat backend.

Conversations are kept on this machine (or in Postgres) and resumed on the
next run. Inside a conversation:

  /new            start a new thread with the current tutor
  /threads        list threads, newest first
  /switch <n>     open thread n from /threads
  /tutor <id>     talk to another tutor
  /go <n>         follow referral n and re-ask your last question there
  /attach <path>  send a picture or PDF with the next message
  /speak          save the last answer as an mp3
  /quit           leave`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	config.BindClientFlags(rootCmd.Flags())
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadClient(cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStorage()

	in := bufio.NewScanner(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	userName, err := resolveUserName(ctx, cfg, storage, in, out, logger)
	if err != nil {
		return err
	}

	api := client.New(cfg.ServerURL, client.WithLogger(logger))
	roster, err := api.ListCharacters(ctx)
	if err != nil {
		return fmt.Errorf("load tutors from %s: %w", cfg.ServerURL, err)
	}
	if len(roster) == 0 {
		return fmt.Errorf("the server has no tutors")
	}

	character, err := chooseCharacter(cfg.Character, roster, in, out)
	if err != nil {
		return err
	}

	ctrl := conversation.NewController(api, storage, userName, roster,
		conversation.WithHandoffDelay(cfg.HandoffDelay),
		conversation.WithLogger(logger),
	)
	if _, err := ctrl.Select(ctx, character); err != nil {
		return err
	}

	r := &repl{
		ctx:    ctx,
		ctrl:   ctrl,
		api:    api,
		in:     in,
		out:    out,
		logger: logger,
	}
	return r.loop()
}

func openStorage(ctx context.Context, cfg *config.ClientConfig) (session.Storage, func(), error) {
	switch cfg.Storage {
	case config.StoragePostgres:
		pg, err := session.NewPostgresStorage(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { _ = pg.Close() }, nil
	case config.StorageMemory:
		return session.NewMemoryStorage(), func() {}, nil
	default:
		fs, err := session.NewFileStorage(cfg.StorageDir)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	}
}

func resolveUserName(ctx context.Context, cfg *config.ClientConfig, storage session.Storage, in *bufio.Scanner, out io.Writer, logger *zap.Logger) (string, error) {
	name := cfg.UserName
	if name == "" {
		stored, err := session.LoadUserName(ctx, storage)
		if err != nil {
			return "", err
		}
		name = stored
	}

	for name == "" {
		fmt.Fprint(out, "What's your name? ")
		if !in.Scan() {
			return "", fmt.Errorf("no name given")
		}
		name = strings.TrimSpace(in.Text())
	}

	if err := session.SaveUserName(ctx, storage, name); err != nil {
		// 名字只是便利功能，保存失败不影响对话
		logger.Warn("failed to remember user name", zap.Error(err))
	}
	return name, nil
}

func chooseCharacter(preset string, roster []persona.Public, in *bufio.Scanner, out io.Writer) (string, error) {
	if preset != "" {
		for _, p := range roster {
			if p.ID == preset {
				return preset, nil
			}
		}
		return "", fmt.Errorf("unknown tutor %q", preset)
	}

	fmt.Fprintln(out, "Who would you like to learn with?")
	for i, p := range roster {
		fmt.Fprintf(out, "  [%d] %s %s (%s)\n", i+1, p.Icon, p.DisplayName, p.SubjectLabel)
	}
	for {
		fmt.Fprint(out, "> ")
		if !in.Scan() {
			return "", fmt.Errorf("no tutor chosen")
		}
		n, err := strconv.Atoi(strings.TrimSpace(in.Text()))
		if err == nil && n >= 1 && n <= len(roster) {
			return roster[n-1].ID, nil
		}
		fmt.Fprintf(out, "Pick a number from 1 to %d.\n", len(roster))
	}
}
