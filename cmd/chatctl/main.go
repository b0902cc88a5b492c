// Command chatctl is a device-side client for the messaging server. It keeps
// an encrypted outbox under the data directory so sends survive going
// offline, and can follow the realtime stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/LuyxT/PitchOS-apple--sub002/pkg/chatclient"
	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	"github.com/LuyxT/PitchOS-apple--sub002/pkg/outbox"
	"github.com/LuyxT/PitchOS-apple--sub002/pkg/realtime"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const usage = `usage: chatctl [flags] <command> [args]

commands:
  chats                       list chats
  messages <chat-id>          list the latest messages of a chat
  send <chat-id> <text...>    send a text message, queueing it when offline
  outbox                      show queued and failed messages
  flush                       replay queued messages
  retry <client-id>           requeue a failed message
  discard <client-id>         drop a queued or failed message
  listen                      follow the realtime stream

flags:
`

type app struct {
	client  *chatclient.Client
	dataDir string
	logger  *zap.Logger
}

func main() {
	_ = godotenv.Load()

	flags := pflag.NewFlagSet("chatctl", pflag.ExitOnError)
	baseURL := flags.String("base-url", envOr("PITCHOS_BASE_URL", "http://localhost:8080"), "server base URL")
	token := flags.String("token", os.Getenv("PITCHOS_TOKEN"), "bearer access token")
	dataDir := flags.String("data-dir", envOr("PITCHOS_DATA_DIR", defaultDataDir()), "directory for the outbox and its key")
	verbose := flags.BoolP("verbose", "v", false, "debug logging")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	logger, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatctl: logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if flags.NArg() == 0 {
		flags.Usage()
		os.Exit(2)
	}
	if *token == "" {
		logger.Fatal("an access token is required (--token or PITCHOS_TOKEN)")
	}

	client, err := chatclient.New(chatclient.Config{
		BaseURL: *baseURL,
		Token:   chatclient.StaticToken(*token),
		Logger:  logger.Named("api"),
	})
	if err != nil {
		logger.Fatal("configure client", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{client: client, dataDir: *dataDir, logger: logger}
	if err := a.run(ctx, flags.Arg(0), flags.Args()[1:]); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Fatal("command failed", zap.String("command", flags.Arg(0)), zap.Error(err))
	}
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "chats":
		return a.listChats(ctx)
	case "messages":
		if len(args) != 1 {
			return errors.New("messages needs a chat id")
		}
		return a.listMessages(ctx, args[0])
	case "send":
		if len(args) < 2 {
			return errors.New("send needs a chat id and a message")
		}
		return a.send(ctx, args[0], strings.Join(args[1:], " "))
	case "outbox":
		return a.showOutbox()
	case "flush":
		return a.flush(ctx)
	case "retry", "discard":
		if len(args) != 1 {
			return fmt.Errorf("%s needs a client id", command)
		}
		dispatcher, err := a.dispatcher()
		if err != nil {
			return err
		}
		if command == "retry" {
			return dispatcher.Retry(args[0])
		}
		return dispatcher.Discard(args[0])
	case "listen":
		return a.listen(ctx)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) listChats(ctx context.Context) error {
	page, err := a.client.ListChats(ctx, chatclient.ListChatsParams{})
	if err != nil {
		return err
	}
	for _, chat := range page.Chats {
		title := "(direct)"
		if chat.Title != nil {
			title = *chat.Title
		}
		preview := ""
		if chat.LastMessagePreview != nil {
			preview = *chat.LastMessagePreview
		}
		fmt.Printf("%s  %-6s  %-24s  %s\n", chat.ID, chat.Kind, title, preview)
	}
	return nil
}

func (a *app) listMessages(ctx context.Context, chatID string) error {
	page, err := a.client.ListMessages(ctx, chatID, "", 0)
	if err != nil {
		return err
	}
	for i := len(page.Messages) - 1; i >= 0; i-- {
		printMessage(page.Messages[i])
	}
	return nil
}

func (a *app) send(ctx context.Context, chatID, body string) error {
	dispatcher, err := a.dispatcher()
	if err != nil {
		return err
	}
	message, err := dispatcher.Send(ctx, chatID, models.MessageDraft{Type: models.MessageTypeText, Body: body})
	if errors.Is(err, outbox.ErrQueued) {
		fmt.Println("offline: message queued, run `chatctl flush` later")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("sent %s\n", message.ID)
	return nil
}

func (a *app) showOutbox() error {
	dispatcher, err := a.dispatcher()
	if err != nil {
		return err
	}
	items, err := dispatcher.Pending()
	if err != nil {
		return err
	}
	for _, item := range items {
		fmt.Printf("%s  %-6s  chat=%s  attempts=%d  %s\n", item.ClientID, item.Status, item.ChatID, item.Attempts, item.LastError)
	}
	return nil
}

func (a *app) flush(ctx context.Context) error {
	dispatcher, err := a.dispatcher()
	if err != nil {
		return err
	}
	result, err := dispatcher.Flush(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("sent %d, failed %d, still queued %d\n", len(result.Sent), len(result.Failed), result.Remaining)
	return nil
}

func (a *app) listen(ctx context.Context) error {
	transport := realtime.NewTransport(realtime.Options{Logger: a.logger.Named("realtime")})
	transport.OnEvent(func(event models.RealtimeEvent) {
		switch event.Type {
		case models.EventMessageCreated:
			printMessage(*event.Message)
		case models.EventMessageDeleted:
			fmt.Printf("[%s] message %s deleted\n", event.ChatID, event.MessageID)
		}
	})
	transport.OnStateChange(func(state realtime.State, err error) {
		a.logger.Info("realtime state", zap.String("state", string(state)), zap.Error(err))
	})

	reconnector, err := realtime.NewReconnector(realtime.ReconnectorConfig{
		Transport: transport,
		Endpoint:  a.client.RealtimeEndpoint(),
		Token: func(ctx context.Context) (string, error) {
			token, err := a.client.RealtimeToken(ctx)
			if err != nil {
				return "", err
			}
			return token.Token, nil
		},
		OnReconnected: func(ctx context.Context) {
			// The stream does not replay missed events, so catch up over REST
			// and push anything that queued up while offline.
			if err := a.listChats(ctx); err != nil {
				a.logger.Warn("resync failed", zap.Error(err))
			}
			if err := a.flush(ctx); err != nil {
				a.logger.Warn("outbox flush failed", zap.Error(err))
			}
		},
		Logger: a.logger.Named("reconnect"),
	})
	if err != nil {
		return err
	}
	return reconnector.Run(ctx)
}

func (a *app) dispatcher() (*outbox.Dispatcher, error) {
	key, err := outbox.LoadOrCreateKey(outbox.NewFileKeyStore(filepath.Join(a.dataDir, "keys")), "outbox")
	if err != nil {
		return nil, err
	}
	store, err := outbox.NewStore(filepath.Join(a.dataDir, "outbox.bin"), key)
	if err != nil {
		return nil, err
	}
	return outbox.NewDispatcher(outbox.NewQueue(store), a.client, a.logger.Named("outbox")), nil
}

func printMessage(message models.Message) {
	text := message.Body
	if text == "" {
		text = message.Preview()
	}
	fmt.Printf("[%s] %s %s: %s\n", message.ChatID, message.CreatedAt.Local().Format("15:04"), message.SenderName, text)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "pitchos")
	}
	return ".pitchos"
}
