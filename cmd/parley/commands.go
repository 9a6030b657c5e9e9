package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kalambet/parley/internal/config"
	"github.com/kalambet/parley/internal/router"
	"github.com/kalambet/parley/internal/storage"
)

// replyView mirrors the server's reply payload.
type replyView struct {
	SessionID string `json:"session_id"`
	SkillID   string `json:"skill_id"`
	Text      string `json:"text"`
	Outcome   string `json:"outcome"`
	Cached    bool   `json:"cached"`
	Category  string `json:"category"`
}

type streamEvent struct {
	Type  string     `json:"type"`
	Text  string     `json:"text"`
	Reply *replyView `json:"reply"`
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Talk to the bridge, one message or interactively",
	Long: `Talk to the bridge. With a message argument, sends it and prints the
reply. Without arguments, opens an interactive session.

Messages may start with a skill command, e.g. "/code write a parser".

Examples:
  parley chat "what is a goroutine?"
  parley chat --session work "/summary yesterday's thread"
  parley chat`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		stream, _ := cmd.Flags().GetBool("stream")
		if sessionID == "" {
			sessionID = "cli-" + uuid.NewString()[:8]
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) > 0 {
			return sendMessage(cmd.Context(), client, sessionID, strings.Join(args, " "), stream)
		}

		fmt.Fprintf(os.Stderr, "session %s — type a message, or 'exit' to leave\n", sessionID)
		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Fprint(os.Stderr, "> ")
			if !scanner.Scan() {
				break
			}
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			if text == "exit" || text == "quit" {
				break
			}
			if err := sendMessage(cmd.Context(), client, sessionID, text, stream); err != nil {
				printError("%v", err)
			}
		}
		return scanner.Err()
	},
}

func sendMessage(ctx context.Context, client *apiClient, sessionID, text string, stream bool) error {
	body := map[string]any{
		"session_id": sessionID,
		"text":       text,
		"stream":     stream,
	}

	if stream {
		var final *replyView
		err := client.postStream(ctx, "/v1/messages", body, func(payload json.RawMessage) error {
			var ev streamEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				return fmt.Errorf("malformed event: %w", err)
			}
			switch ev.Type {
			case "fragment":
				fmt.Print(ev.Text)
			case "reply":
				final = ev.Reply
			}
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Println()
		if final != nil && final.Outcome != "answer" {
			printReplyOutcome(*final)
		}
		return nil
	}

	resp, err := client.post(ctx, "/v1/messages", body)
	if err != nil {
		return err
	}
	var reply replyView
	if err := decodeJSON(resp, &reply); err != nil {
		return err
	}

	if reply.Outcome != "answer" {
		printReplyOutcome(reply)
		return nil
	}
	if reply.SkillID != "" {
		fmt.Fprintln(os.Stderr, colorize(colorCyan, "["+reply.SkillID+"]"))
	}
	fmt.Println(reply.Text)
	return nil
}

func printReplyOutcome(reply replyView) {
	switch reply.Outcome {
	case "escalated":
		printError("%s", reply.Text)
	default:
		printWarning("%s", reply.Text)
	}
	if reply.Category != "" {
		fmt.Fprintln(os.Stderr, colorize(colorBold, "category: ")+reply.Category)
	}
}

func init() {
	chatCmd.Flags().String("session", "", "session identifier (default: a fresh one per run)")
	chatCmd.Flags().Bool("stream", false, "stream the reply as it is generated")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search a session's conversation memory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		limit, _ := cmd.Flags().GetInt("limit")
		if sessionID == "" {
			return fmt.Errorf("--session is required")
		}
		query := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/sessions/%s/search?q=%s&limit=%d",
			url.PathEscape(sessionID), url.QueryEscape(query), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var body struct {
			Results []struct {
				Role      string `json:"role"`
				Text      string `json:"text"`
				Timestamp string `json:"timestamp"`
			} `json:"results"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		if len(body.Results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for _, r := range body.Results {
			text := r.Text
			if len(text) > 200 {
				text = text[:200] + "..."
			}
			fmt.Printf("%s  %s\n", colorize(colorBold, r.Role), text)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().String("session", "", "session identifier to search")
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
}

// --- skills ---

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "List available skills",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		skills, err := router.Load(cfg.Router.SkillsDir)
		if err != nil {
			return err
		}

		for _, s := range skills {
			command := "—"
			if s.Command != "" {
				command = "/" + s.Command
			}
			fmt.Printf("%s  %s\n", colorize(colorBold, fmt.Sprintf("%-12s", s.Name)), command)
			if s.Description != "" {
				fmt.Printf("              %s\n", s.Description)
			}
		}
		return nil
	},
}

// --- errors ---

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Show recent classified errors from the audit trail",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		// Reads the trail directly; WAL mode allows this next to a
		// running server.
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		records, err := store.RecentErrorRecords(limit)
		if err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No errors recorded.")
			return nil
		}

		for _, r := range records {
			mark := colorize(colorRed, "✗")
			if r.Recovered {
				mark = colorize(colorGreen, "✓")
			}
			fmt.Printf("%s %s  %-18s  %s\n",
				mark,
				r.Timestamp.Format("2006-01-02 15:04:05"),
				r.Category,
				r.Message,
			)
		}
		return nil
	},
}

func init() {
	errorsCmd.Flags().Int("limit", 20, "maximum number of records to show")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
