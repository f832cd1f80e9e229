package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentdeck/agentdeck/internal/archive"
	"github.com/agentdeck/agentdeck/internal/backend"
	"github.com/agentdeck/agentdeck/internal/client"
	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/internal/reconnect"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/pkg/types"
)

var (
	chatSessionID  string
	chatRecipePath string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Start an interactive chat session against the configured backend.

A new session is created unless --session resumes an existing one.
Assistant output streams to the terminal as it arrives. Commands inside
the REPL: /stop cancels the current turn, /quit exits.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSessionID, "session", "s", "", "Resume an existing session id")
	chatCmd.Flags().StringVar(&chatRecipePath, "recipe", "", "Recipe YAML to seed the new session")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, stopWatch, err := setup()
	if err != nil {
		return err
	}
	defer stopWatch()

	backendClient := backend.NewClient(cfg.BaseURL, cfg.SecretKey)

	var opts []session.Option
	if cfg.ArchiveDir != "" {
		opts = append(opts, session.WithArchive(archive.New(cfg.ArchiveDir)))
	}
	manager := session.NewManager(backendClient, opts...)
	defer manager.Close()

	clientConn, serverConn := client.Pipe()
	go client.NewDispatcher(manager).Serve(serverConn)
	proxy := client.NewProxy(clientConn)
	defer proxy.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sessionID, err := openSession(ctx, backendClient, proxy, cfg.WorkingDir)
	if err != nil {
		return err
	}
	fmt.Printf("session %s (backend %s)\n", sessionID, cfg.BaseURL)
	defer func() {
		// Release backend resources for the session on exit.
		if err := backendClient.Stop(context.Background(), sessionID); err != nil {
			logging.Warn().Err(err).Str("sessionID", sessionID).Msg("backend stop failed")
		}
	}()

	// Session event tap: mirrors the raw engine feed into the debug log
	// and re-opens with the configured policy if the feed drops.
	tap := reconnect.New("event-tap", reconnect.PolicyFromName(cfg.Reconnect.Policy), eventTap(manager, sessionID))
	tap.Start(ctx)
	defer tap.Stop()

	render := newRenderer()
	unsub := proxy.Subscribe(sessionID, render.apply)
	defer unsub()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit", line == "/exit":
			return nil
		case line == "/stop":
			if err := proxy.StopStream(sessionID); err != nil {
				fmt.Fprintf(os.Stderr, "stop failed: %v\n", err)
			}
			continue
		}

		userMessage := types.Message{
			Role:    types.RoleUser,
			Content: []types.ContentBlock{types.NewTextBlock(line)},
		}
		render.beginTurn()
		if err := proxy.StartStream(sessionID, userMessage, nil); err != nil {
			fmt.Fprintf(os.Stderr, "\nturn failed: %v\n", err)
			continue
		}
		render.endTurn()
	}
	return scanner.Err()
}

// eventTap consumes one session's raw event feed and logs each event at
// debug level. Blocks until the feed closes, so the supervisor treats a
// closed feed as a clean connection end.
func eventTap(manager *session.Manager, sessionID string) reconnect.Connect {
	return func(ctx context.Context) error {
		feed, err := manager.Watch(ctx, sessionID)
		if err != nil {
			return err
		}
		log := logging.ForComponent("event-tap")
		for msg := range feed {
			log.Debug().Str("sessionID", sessionID).RawJSON("event", msg.Payload).Msg("engine event")
			msg.Ack()
		}
		return nil
	}
}

// openSession resumes the named session or starts a fresh one on the
// backend, optionally seeded from a recipe file.
func openSession(ctx context.Context, backendClient *backend.Client, proxy *client.Proxy, workingDir string) (string, error) {
	if chatSessionID != "" {
		state, err := proxy.LoadSession(chatSessionID)
		if err != nil {
			return "", fmt.Errorf("resume %s: %w", chatSessionID, err)
		}
		for _, msg := range state.Messages {
			prefix := "you"
			if msg.Role == types.RoleAssistant {
				prefix = "assistant"
			}
			fmt.Printf("[%s] %s\n", prefix, msg.Text())
		}
		return chatSessionID, nil
	}

	recipe, err := loadRecipe(chatRecipePath)
	if err != nil {
		return "", err
	}
	sess, err := backendClient.Start(ctx, workingDir, recipe)
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	if err := proxy.InitSession(sess.ID); err != nil {
		return "", err
	}
	return sess.ID, nil
}

// loadRecipe reads a recipe definition from YAML.
func loadRecipe(path string) (*types.Recipe, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe: %w", err)
	}
	var recipe types.Recipe
	if err := yaml.Unmarshal(data, &recipe); err != nil {
		return nil, fmt.Errorf("parse recipe: %w", err)
	}
	logging.Info().Str("recipe", recipe.Title).Msg("recipe loaded")
	return &recipe, nil
}

// renderer prints assistant text incrementally as update diffs arrive.
// Updates are delivered on the proxy's read goroutine while the REPL
// goroutine blocks in StartStream, so no locking is needed beyond the
// printed-prefix bookkeeping being confined to callbacks.
type renderer struct {
	lastID  string
	printed int
}

func newRenderer() *renderer { return &renderer{} }

func (r *renderer) beginTurn() {
	r.lastID = ""
	r.printed = 0
}

func (r *renderer) apply(update session.Update) {
	if len(update.Messages) == 0 {
		return
	}
	last := update.Messages[len(update.Messages)-1]
	if last.Role != types.RoleAssistant {
		return
	}
	text := last.Text()
	if last.ID != r.lastID {
		r.lastID = last.ID
		r.printed = 0
	}
	if len(text) > r.printed {
		fmt.Print(text[r.printed:])
		r.printed = len(text)
	}
}

func (r *renderer) endTurn() {
	fmt.Println()
}
