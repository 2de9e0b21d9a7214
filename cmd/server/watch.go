package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"zac.app/discovery/internal/client"
	"zac.app/discovery/internal/realtime"
	"zac.app/discovery/internal/store"
)

var (
	watchServer   string
	watchToken    string
	watchUserID   string
	watchUsername string
	watchMatch    string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect to a server as a client and log every event",
	Long: `Opens a websocket session against a running server and logs the feed,
pairings and session traffic as the client state machine sees them.

Either pass --token, or --username to sign up and receive one.

Example:
  zac watch --server http://localhost:8080 --username night-owl`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchServer, "server", "http://localhost:8080", "Server base URL")
	watchCmd.Flags().StringVar(&watchToken, "token", "", "JWT issued by the server")
	watchCmd.Flags().StringVar(&watchUserID, "user", "", "User id (required with --token; optional with --username)")
	watchCmd.Flags().StringVar(&watchUsername, "username", "", "Sign up with this username when no token is given")
	watchCmd.Flags().StringVar(&watchMatch, "match", "", "Request id to match right after connecting")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if err := initLogger(os.Getenv("LOG_LEVEL")); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	userID, token := watchUserID, watchToken
	if token == "" {
		if watchUsername == "" {
			return fmt.Errorf("either --token or --username is required")
		}
		var err error
		userID, token, err = signUp(ctx, watchServer, watchUserID, watchUsername)
		if err != nil {
			return err
		}
		logger.Info("Signed up", zap.String("user", userID))
	} else if userID == "" {
		return fmt.Errorf("--user is required with --token")
	}

	c, err := client.Dial(ctx, watchServer, userID, token, logger.Named("client"))
	if err != nil {
		return err
	}
	c.OnUpdate(func(ev realtime.Event, snap client.Snapshot) {
		logger.Info("Event",
			zap.String("type", string(ev.Type())),
			zap.Stringer("state", snap.State),
			zap.String("conversation", snap.ConversationID),
			zap.Int("feed", len(snap.Feed)),
			zap.Int("messages", len(snap.Messages)))
	})

	go func() {
		requests, err := activeRequests(ctx, watchServer, token)
		if err == nil {
			err = c.ResetFeed(ctx, requests)
		}
		if err != nil {
			logger.Warn("Initial feed not loaded", zap.Error(err))
		}
	}()

	if watchMatch != "" {
		go func() {
			if err := c.Match(ctx, watchMatch); err != nil {
				logger.Warn("Match request not sent", zap.Error(err))
			}
		}()
	}

	return c.Run(ctx)
}

type signUpResponse struct {
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	Token string `json:"token"`
}

func signUp(ctx context.Context, server, userID, username string) (string, string, error) {
	body, err := json.Marshal(map[string]string{"id": userID, "username": username})
	if err != nil {
		return "", "", err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(server, "/")+"/api/users", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign up: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("sign up failed with status %d", resp.StatusCode)
	}

	var out signUpResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("failed to decode sign up response: %w", err)
	}
	return out.User.ID, out.Token, nil
}

func activeRequests(ctx context.Context, server, token string) ([]store.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(server, "/")+"/api/requests/active", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed request failed with status %d", resp.StatusCode)
	}

	var requests []store.Request
	if err := json.NewDecoder(resp.Body).Decode(&requests); err != nil {
		return nil, fmt.Errorf("failed to decode feed: %w", err)
	}
	return requests, nil
}
