// ABOUTME: Command-line client for the dm-gateway REST API
// ABOUTME: Handles accounts, conversations, messages, and live event watching

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var version = "dev"

const defaultGatewayURL = "http://localhost:8080"

func gatewayURL() string {
	if v := os.Getenv("DM_GATEWAY_URL"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return defaultGatewayURL
}

// tokenPath returns where the login token is cached on disk.
func tokenPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ".dm-token"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "dm", "token")
}

// loadToken resolves the auth token: DM_TOKEN env var wins, then the
// cached token file from a previous login.
func loadToken() string {
	if v := os.Getenv("DM_TOKEN"); v != "" {
		return v
	}
	data, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func saveToken(token string) error {
	path := tokenPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := &client{
		baseURL: gatewayURL(),
		token:   loadToken(),
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	var err error
	switch os.Args[1] {
	case "register":
		err = c.runRegister(ctx, os.Args[2:])
	case "login":
		err = c.runLogin(ctx, os.Args[2:])
	case "logout":
		err = runLogout()
	case "me":
		err = c.runMe(ctx)
	case "users":
		err = c.runUsers(ctx)
	case "conversations":
		err = c.runConversations(ctx)
	case "start":
		err = c.runStart(ctx, os.Args[2:])
	case "messages":
		err = c.runMessages(ctx, os.Args[2:])
	case "send":
		err = c.runSend(ctx, os.Args[2:])
	case "watch":
		err = c.runWatch(ctx, os.Args[2:])
	case "health":
		err = c.runHealth(ctx)
	case "version":
		fmt.Printf("dm-admin %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)

	bold.Println("dm-admin - dm-gateway command-line client")
	fmt.Println()
	fmt.Println("Usage: dm-admin <command> [arguments]")
	fmt.Println()
	bold.Println("Account:")
	fmt.Println("  register <username>            Create an account (prompts for password)")
	fmt.Println("  login <username>               Log in and cache the token")
	fmt.Println("  logout                         Remove the cached token")
	fmt.Println("  me                             Show the logged-in profile")
	fmt.Println()
	bold.Println("Messaging:")
	fmt.Println("  users                          List people you can message")
	fmt.Println("  conversations                  List your conversations")
	fmt.Println("  start <username>               Open (or reuse) a conversation with someone")
	fmt.Println("  messages <conversation-id>     Show the messages in a conversation")
	fmt.Println("  send <conversation-id> <text>  Send a message")
	fmt.Println("  watch <conversation-id>        Stream live messages until interrupted")
	fmt.Println()
	bold.Println("Server:")
	fmt.Println("  health                         Check gateway health")
	fmt.Println("  version                        Show client version")
	fmt.Println()
	gray.Println("Environment:")
	gray.Println("  DM_GATEWAY_URL   Gateway base URL (default http://localhost:8080)")
	gray.Println("  DM_TOKEN         Auth token (overrides the cached login)")
}

// client is a thin wrapper over the gateway REST API.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

// API shapes mirrored from the gateway.

type userInfo struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at"`
}

type loginResult struct {
	Token string   `json:"token"`
	User  userInfo `json:"user"`
}

type conversationInfo struct {
	ID        string   `json:"id"`
	Peer      userInfo `json:"peer"`
	CreatedAt string   `json:"created_at"`
}

type messageInfo struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	CreatedAt      string `json:"created_at"`
}

type apiError struct {
	Error string `json:"error"`
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func readPassword(promptText string) (string, error) {
	fmt.Print(promptText)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		data, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(data), nil
	}
	// Piped input, e.g. in scripts
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (c *client) runRegister(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: dm-admin register <username>")
	}
	username := args[0]

	password, err := readPassword("Password: ")
	if err != nil {
		return err
	}

	var user userInfo
	req := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/register", req, &user); err != nil {
		return err
	}

	color.New(color.FgGreen).Printf("✓ Account created: %s\n", user.Username)
	fmt.Println("Log in with: dm-admin login " + user.Username)
	return nil
}

func (c *client) runLogin(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: dm-admin login <username>")
	}
	username := args[0]

	password, err := readPassword("Password: ")
	if err != nil {
		return err
	}

	var result loginResult
	req := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/login", req, &result); err != nil {
		return err
	}

	if err := saveToken(result.Token); err != nil {
		return err
	}

	name := result.User.DisplayName
	if name == "" {
		name = result.User.Username
	}
	color.New(color.FgGreen).Printf("✓ Logged in as %s\n", name)
	return nil
}

func runLogout() error {
	if err := os.Remove(tokenPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing token: %w", err)
	}
	fmt.Println("Logged out.")
	return nil
}

func (c *client) runMe(ctx context.Context) error {
	var user userInfo
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, &user); err != nil {
		return err
	}

	fmt.Printf("ID:           %s\n", user.ID)
	fmt.Printf("Username:     %s\n", user.Username)
	fmt.Printf("Display name: %s\n", user.DisplayName)
	fmt.Printf("Joined:       %s\n", user.CreatedAt)
	return nil
}

func (c *client) runUsers(ctx context.Context) error {
	var users []userInfo
	if err := c.do(ctx, http.MethodGet, "/api/users", nil, &users); err != nil {
		return err
	}

	if len(users) == 0 {
		fmt.Println("No other users yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tNAME\tID")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\n", u.Username, u.DisplayName, u.ID)
	}
	return w.Flush()
}

func (c *client) runConversations(ctx context.Context) error {
	var convs []conversationInfo
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &convs); err != nil {
		return err
	}

	if len(convs) == 0 {
		fmt.Println("No conversations yet. Start one with: dm-admin start <username>")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tSTARTED\tID")
	for _, conv := range convs {
		name := conv.Peer.DisplayName
		if name == "" {
			name = conv.Peer.Username
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, formatTime(conv.CreatedAt), conv.ID)
	}
	return w.Flush()
}

// runStart opens a conversation with the named user, creating it if
// the pair has never talked before.
func (c *client) runStart(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: dm-admin start <username>")
	}
	username := args[0]

	var users []userInfo
	if err := c.do(ctx, http.MethodGet, "/api/users", nil, &users); err != nil {
		return err
	}

	var peer *userInfo
	for i := range users {
		if users[i].Username == username {
			peer = &users[i]
			break
		}
	}
	if peer == nil {
		return fmt.Errorf("no user named %q", username)
	}

	var conv conversationInfo
	req := map[string]string{"peer_id": peer.ID}
	if err := c.do(ctx, http.MethodPost, "/api/conversations", req, &conv); err != nil {
		return err
	}

	color.New(color.FgGreen).Printf("✓ Conversation with %s\n", username)
	fmt.Printf("  ID: %s\n", conv.ID)
	fmt.Printf("  dm-admin send %s <text>\n", conv.ID)
	return nil
}

func (c *client) runMessages(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: dm-admin messages <conversation-id>")
	}
	conversationID := args[0]

	var msgs []messageInfo
	path := fmt.Sprintf("/api/conversations/%s/messages", url.PathEscape(conversationID))
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return err
	}

	if len(msgs) == 0 {
		fmt.Println("No messages yet.")
		return nil
	}

	var me userInfo
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, &me); err != nil {
		return err
	}

	for _, msg := range msgs {
		printMessage(msg, me.ID)
	}
	return nil
}

func (c *client) runSend(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: dm-admin send <conversation-id> <text>")
	}
	conversationID := args[0]
	body := strings.Join(args[1:], " ")

	var msg messageInfo
	path := fmt.Sprintf("/api/conversations/%s/messages", url.PathEscape(conversationID))
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"body": body}, &msg); err != nil {
		return err
	}

	color.New(color.FgGreen).Printf("✓ Sent at %s\n", formatTime(msg.CreatedAt))
	return nil
}

// runWatch tails the conversation's live event stream and prints each
// message as it arrives. Runs until interrupted.
func (c *client) runWatch(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: dm-admin watch <conversation-id>")
	}
	conversationID := args[0]

	var me userInfo
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, &me); err != nil {
		return err
	}

	path := fmt.Sprintf("%s/api/conversations/%s/events", c.baseURL, url.PathEscape(conversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")

	// Streaming connection, no client timeout
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("event stream failed with status %d", resp.StatusCode)
	}

	color.New(color.FgHiBlack).Println("Watching for messages (Ctrl-C to stop)...")

	scanner := bufio.NewScanner(resp.Body)
	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if eventName != "message" {
				continue
			}
			var msg messageInfo
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg); err != nil {
				continue
			}
			printMessage(msg, me.ID)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event stream closed: %w", err)
	}
	return nil
}

func (c *client) runHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	color.New(color.FgGreen).Println("✓ healthy")
	return nil
}

func printMessage(msg messageInfo, selfID string) {
	ts := color.New(color.FgHiBlack).Sprint(formatTime(msg.CreatedAt))
	who := "them"
	whoColor := color.New(color.FgCyan)
	if msg.SenderID == selfID {
		who = "you"
		whoColor = color.New(color.FgGreen)
	}
	fmt.Printf("%s %s  %s\n", ts, whoColor.Sprintf("%-4s", who), msg.Body)
}

func formatTime(raw string) string {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return raw
	}
	return t.Local().Format("2006-01-02 15:04")
}
