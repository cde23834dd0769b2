// Command agentctl drives the realtime backend as a support agent: it sends
// messages, places and answers calls, and tails the agent's push channel.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"supportwidget-backend/internal/database"
	"supportwidget-backend/internal/realtime"
	"supportwidget-backend/internal/realtime/redisport"
	"supportwidget-backend/pkg/env"
	"supportwidget-backend/pkg/logger"
	"supportwidget-backend/pkg/sanitize"
)

type agent struct {
	redisAddr     string
	redisPassword string
	appID         string
	region        string
	authKey       string
	tokenSecret   string
	uid           string
	name          string
	logLevel      string

	rc   *database.RedisClient
	port *redisport.Port

	outMu sync.Mutex
	out   io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.CheckErr(newRootCommand(&agent{out: os.Stdout}).ExecuteContext(ctx))
}

func newRootCommand(a *agent) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentctl",
		Short: "Act as a support agent against the widget realtime backend",
		Long: "agentctl signs in as an agent with the app auth key and talks to widget\n" +
			"visitors through the same Redis backend the widget gateway uses.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(&logger.Config{Level: a.logLevel, Format: "text", Output: "stderr"})
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
			_ = logger.Sync()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.redisAddr, "redis-addr",
		env.GetString("REDIS_HOST", "localhost")+":"+env.GetString("REDIS_PORT", "6379"), "Redis address")
	flags.StringVar(&a.redisPassword, "redis-password", env.GetStringFromFile("REDIS_PASSWORD", ""), "Redis password")
	flags.StringVar(&a.appID, "app-id", env.GetString("REALTIME_APP_ID", ""), "Realtime app id")
	flags.StringVar(&a.region, "region", env.GetString("REALTIME_REGION", ""), "Realtime region")
	flags.StringVar(&a.authKey, "auth-key", env.GetStringFromFile("REALTIME_AUTH_KEY", ""), "Realtime app auth key")
	flags.StringVar(&a.tokenSecret, "token-secret", env.GetStringFromFile("REALTIME_TOKEN_SECRET", ""),
		"Token signing secret, defaults to the auth key")
	flags.StringVar(&a.uid, "uid", env.GetString("SESSION_DEFAULT_PEER_UID", "agent"), "Agent uid")
	flags.StringVar(&a.name, "name", "Support", "Agent display name")
	flags.StringVar(&a.logLevel, "log-level", "warn", "Log level")

	rootCmd.AddCommand(
		newRegisterCommand(a),
		newConversationsCommand(a),
		newMessagesCommand(a),
		newSendCommand(a),
		newCallCommand(a),
		newAcceptCommand(a),
		newRejectCommand(a),
		newEndCommand(a),
		newTokenCommand(a),
		newWatchCommand(a),
		newSweepCommand(a),
	)
	return rootCmd
}

func (a *agent) redis() *database.RedisClient {
	if a.rc == nil {
		a.rc = database.NewRedisClient(redis.NewClient(&redis.Options{
			Addr:     a.redisAddr,
			Password: a.redisPassword,
		}), nil)
	}
	return a.rc
}

// connect initializes a port and signs the agent in with the auth key
func (a *agent) connect(ctx context.Context) (*redisport.Port, error) {
	if a.port != nil {
		return a.port, nil
	}
	if !sanitize.ValidUID(a.uid) {
		return nil, fmt.Errorf("invalid --uid %q", a.uid)
	}
	port := redisport.New(redisport.Options{
		Redis:       a.redis(),
		TokenSecret: a.tokenSecret,
	})
	if err := port.Initialize(ctx, realtime.Config{AppID: a.appID, Region: a.region, AuthKey: a.authKey}); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if _, err := port.Authenticate(ctx, a.uid, realtime.Credential{AuthKey: a.authKey, DisplayName: a.name}); err != nil {
		return nil, fmt.Errorf("authenticate %s: %w", a.uid, err)
	}
	a.port = port
	return port, nil
}

func (a *agent) close() {
	if a.port != nil {
		_ = a.port.Logout(context.Background())
		a.port = nil
	}
	if a.rc != nil {
		_ = a.rc.Close()
		a.rc = nil
	}
}

// print writes v as one JSON line
func (a *agent) print(v any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	if err := json.NewEncoder(a.out).Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
	}
}
