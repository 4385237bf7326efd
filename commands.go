package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"chatsync/internal/api"
	"chatsync/internal/auth"
	"chatsync/internal/chaterr"
	"chatsync/internal/config"
)

var (
	configPath     string
	conversationID string
	connectTimeout time.Duration
	replyTimeout   time.Duration

	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:           "chatsync",
		Short:         "Real-time chat sync core with a local HTTP bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "token" {
				return nil
			}
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
			return nil
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Keep the backend connection alive and serve the local bridge",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	askCmd = &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send one message and print the reply as it streams",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Print a random bridge token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.GenerateToken()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default $CHATSYNC_CONFIG or ./config.json)")
	askCmd.Flags().StringVar(&conversationID, "conversation", "", "conversation to continue (default: a new one)")
	askCmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 15*time.Second, "how long to wait for the backend")
	askCmd.Flags().DurationVar(&replyTimeout, "timeout", 5*time.Minute, "upper bound for the whole reply")
	rootCmd.AddCommand(serveCmd, askCmd, tokenCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	a.Start(ctx)

	authService := auth.NewService(cfg.Bridge.Token)
	if !authService.Enabled() {
		log.Printf("bridge token not set, %s is open to anyone who can reach it", cfg.Bridge.ServerAddress)
	}
	opts := []api.Option{api.WithCache(a.resources), api.WithMetrics(a.metrics.Handler())}
	if a.archive != nil {
		opts = append(opts, api.WithArchive(a.archive))
	}
	handlers := api.NewHandler(a.orch, authService, opts...)

	router := gin.Default()
	handlers.RegisterRoutes(router)
	srv := &http.Server{Addr: cfg.Bridge.ServerAddress, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("bridge listening on %s", cfg.Bridge.ServerAddress)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown bridge: %w", err)
	}
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	a.Start(ctx)

	waitCtx, waitCancel := context.WithTimeout(ctx, connectTimeout)
	err = a.WaitConnected(waitCtx)
	waitCancel()
	if err != nil {
		return chaterr.NotConnected()
	}

	id := conversationID
	if id == "" {
		id = uuid.NewString()
	} else {
		_ = a.orch.Hydrate(ctx, id)
	}

	reply, err := a.orch.Send(ctx, id, strings.Join(args, " "))
	if err != nil {
		return err
	}
	sub, err := a.orch.Subscribe(id)
	if err != nil {
		return err
	}
	defer sub.Close()

	out := cmd.OutOrStdout()
	printed := 0
	flush := func() {
		content := reply.Content()
		if len(content) > printed {
			fmt.Fprint(out, content[printed:])
			printed = len(content)
		}
	}
	for done := false; !done; {
		select {
		case _, open := <-sub.C():
			if !open {
				done = true
			}
			flush()
		case <-reply.Done():
			done = true
		case <-ctx.Done():
			reply.Cancel()
			done = true
		}
	}
	_, err = reply.Wait(context.Background())
	flush()
	fmt.Fprintln(out)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "conversation: %s\n", id)
	return nil
}
