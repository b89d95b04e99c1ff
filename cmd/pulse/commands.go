package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/pulse/internal/analytics"
	"github.com/kalambet/pulse/internal/api"
	"github.com/kalambet/pulse/internal/config"
	"github.com/kalambet/pulse/internal/ingest"
	"github.com/kalambet/pulse/internal/jobs"
	"github.com/kalambet/pulse/internal/pipeline"
)

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Submit and inspect citizen feedback",
}

var feedbackAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Submit a feedback report",
	Long: `Submit a feedback report. The record is stored immediately and
analyzed in the background.

Examples:
  pulse feedback add --title "Pothole" --body "Huge pothole on Main St" --location "Main St"
  pulse feedback add --file ./letter.html --format html
  pulse feedback add --file ./scan.pdf --format pdf --category roads`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		body, _ := cmd.Flags().GetString("body")
		file, _ := cmd.Flags().GetString("file")
		format, _ := cmd.Flags().GetString("format")
		location, _ := cmd.Flags().GetString("location")
		category, _ := cmd.Flags().GetString("category")

		if body == "" && file == "" {
			return fmt.Errorf("one of --body or --file is required")
		}

		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			if format == ingest.FormatPDF {
				body = base64.StdEncoding.EncodeToString(data)
			} else {
				body = string(data)
			}
			if title == "" {
				title = file
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/feedback", ingest.Submission{
			Title:         title,
			Body:          body,
			Format:        format,
			Location:      location,
			IssueCategory: category,
		})
		if err != nil {
			return err
		}

		var rec api.RecordView
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}

		printSuccess("Stored feedback %s; analysis queued", rec.ID)
		return nil
	},
}

var feedbackShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a feedback record with its comments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/feedback/"+args[0])
		if err != nil {
			return err
		}

		var rec api.RecordView
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return printJSON(cmd.OutOrStdout(), rec)
		}
		printRecord(cmd.OutOrStdout(), rec)
		return nil
	},
}

var feedbackCommentCmd = &cobra.Command{
	Use:   "comment <id> <text>",
	Short: "Add a follow-up comment to a feedback record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		author, _ := cmd.Flags().GetString("author")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/feedback/"+args[0]+"/comments", map[string]string{
			"author": author,
			"body":   args[1],
		})
		if err != nil {
			return err
		}

		var c api.CommentView
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}

		printSuccess("Added comment %s", c.ID)
		return nil
	},
}

func printRecord(w io.Writer, rec api.RecordView) {
	fmt.Fprintf(w, "%s\n", colorize(colorBold, rec.Title))
	fmt.Fprintf(w, "  id:         %s\n", rec.ID)
	if rec.Location != "" {
		fmt.Fprintf(w, "  location:   %s\n", rec.Location)
	}
	if rec.IssueCategory != "" {
		fmt.Fprintf(w, "  category:   %s\n", rec.IssueCategory)
	}
	if rec.AnalyzedAt == nil {
		fmt.Fprintf(w, "  analysis:   %s\n", colorize(colorYellow, "pending"))
	} else {
		fmt.Fprintf(w, "  sentiment:  %s\n", rec.Sentiment)
		fmt.Fprintf(w, "  urgency:    %s\n", rec.Urgency)
		fmt.Fprintf(w, "  department: %s\n", rec.Department)
		if len(rec.Tags) > 0 {
			fmt.Fprintf(w, "  tags:       %s\n", strings.Join(rec.Tags, ", "))
		}
	}
	fmt.Fprintf(w, "  created:    %s\n\n", rec.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintln(w, rec.Body)

	if len(rec.Comments) > 0 {
		fmt.Fprintf(w, "\n%s\n", colorize(colorBold, fmt.Sprintf("Comments (%d)", len(rec.Comments))))
		for _, c := range rec.Comments {
			author := c.Author
			if author == "" {
				author = "anonymous"
			}
			fmt.Fprintf(w, "  [%s] %s: %s\n", c.CreatedAt.Local().Format(time.DateTime), author, c.Body)
		}
	}
}

func init() {
	feedbackAddCmd.Flags().String("title", "", "short title for the report")
	feedbackAddCmd.Flags().String("body", "", "report text")
	feedbackAddCmd.Flags().String("file", "", "read the report from a file")
	feedbackAddCmd.Flags().String("format", ingest.FormatText, "body format: text, html or pdf")
	feedbackAddCmd.Flags().String("location", "", "where the issue is")
	feedbackAddCmd.Flags().String("category", "", "issue category, e.g. roads or sanitation")

	feedbackShowCmd.Flags().Bool("json", false, "print the raw JSON record")

	feedbackCommentCmd.Flags().String("author", "", "comment author")

	feedbackCmd.AddCommand(feedbackAddCmd)
	feedbackCmd.AddCommand(feedbackShowCmd)
	feedbackCmd.AddCommand(feedbackCommentCmd)
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question grounded in the feedback corpus",
	Long: `Ask a question grounded in the feedback corpus. Without
--conversation a new conversation is started and its id is printed so you
can follow up.

Examples:
  pulse ask "What are the main complaints about roads?"
  pulse ask --conversation 3f2c... "Which department should handle them?"
  pulse ask --stream "Summarize sanitation issues this month"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, _ := cmd.Flags().GetString("conversation")
		stream, _ := cmd.Flags().GetBool("stream")
		question := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if convID == "" {
			resp, err := client.post(ctx, "/conversations", map[string]string{"title": "cli"})
			if err != nil {
				return err
			}
			var conv struct {
				ID string `json:"id"`
			}
			if err := decodeJSON(resp, &conv); err != nil {
				return err
			}
			convID = conv.ID
			printStep("Started conversation %s", convID)
		}

		out := cmd.OutOrStdout()
		var answer pipeline.Answer
		if stream {
			answer, err = askStream(ctx, client, convID, question, out)
		} else {
			answer, err = askOnce(ctx, client, convID, question)
			if err == nil {
				fmt.Fprintln(out, answer.Text)
			}
		}
		if err != nil {
			return err
		}

		printAnswerFooter(answer)
		return nil
	},
}

func askOnce(ctx context.Context, client *apiClient, convID, question string) (pipeline.Answer, error) {
	resp, err := client.post(ctx, "/conversations/"+convID+"/messages", map[string]any{
		"question": question,
	})
	if err != nil {
		return pipeline.Answer{}, err
	}
	var answer pipeline.Answer
	if err := decodeJSON(resp, &answer); err != nil {
		return pipeline.Answer{}, err
	}
	return answer, nil
}

// streamEvent is one SSE data payload from the chat endpoint.
type streamEvent struct {
	Delta  string           `json:"delta"`
	Done   bool             `json:"done"`
	Answer *pipeline.Answer `json:"answer"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func askStream(ctx context.Context, client *apiClient, convID, question string, out io.Writer) (pipeline.Answer, error) {
	resp, err := client.post(ctx, "/conversations/"+convID+"/messages", map[string]any{
		"question": question,
		"stream":   true,
	})
	if err != nil {
		return pipeline.Answer{}, err
	}
	if resp.StatusCode >= 400 {
		return pipeline.Answer{}, decodeJSON(resp, nil)
	}
	defer resp.Body.Close()
	return readAnswerStream(resp.Body, out)
}

// readAnswerStream copies deltas to out as they arrive and returns the final
// answer.
func readAnswerStream(r io.Reader, out io.Writer) (pipeline.Answer, error) {
	var answer pipeline.Answer
	done := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return answer, fmt.Errorf("decoding stream event: %w", err)
		}
		switch {
		case ev.Error != nil:
			fmt.Fprintln(out)
			return answer, errors.New(ev.Error.Message)
		case ev.Done:
			done = true
			if ev.Answer != nil {
				answer = *ev.Answer
			}
		default:
			fmt.Fprint(out, ev.Delta)
		}
	}
	if err := scanner.Err(); err != nil {
		return answer, fmt.Errorf("reading stream: %w", err)
	}
	fmt.Fprintln(out)
	if !done {
		return answer, errors.New("answer stream ended early")
	}
	return answer, nil
}

func printAnswerFooter(a pipeline.Answer) {
	if a.Fallback {
		printWarning("Model unavailable; priority below is computed from the matching records")
	}
	if len(a.RecordIDs) == 0 {
		return
	}
	score := colorize(priorityColor(a.Priority.Score), fmt.Sprintf("%d", a.Priority.Score))
	printStatus("Priority", "%s/100", score)
	if a.Department != "" {
		printStatus("Department", "%s", a.Department)
	}
	printStatus("Records", "%d", len(a.RecordIDs))
	printStatus("Conversation", "%s", a.ConversationID)
}

func init() {
	askCmd.Flags().String("conversation", "", "continue an existing conversation")
	askCmd.Flags().Bool("stream", false, "print the answer as it is generated")
}

// --- report ---

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate and view the priority report",
}

var reportRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Queue a new priority report",
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceDays, _ := cmd.Flags().GetInt("since-days")

		body := map[string]any{}
		if sinceDays > 0 {
			body["since"] = time.Now().AddDate(0, 0, -sinceDays).UTC()
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/analytics/report", body)
		if err != nil {
			return err
		}

		var state jobs.State
		if err := decodeJSON(resp, &state); err != nil {
			return err
		}

		printSuccess("Report %s queued", state.ID)
		printStep("Check progress with: pulse report progress")
		return nil
	},
}

var reportShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the latest priority report",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/analytics/report")
		if err != nil {
			return err
		}

		var report analytics.Report
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return printJSON(cmd.OutOrStdout(), report)
		}
		printReport(cmd.OutOrStdout(), report)
		return nil
	},
}

var reportProgressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Show report generation progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/jobs/"+ingest.ReportKey+"/progress")
		if err != nil {
			return err
		}

		var view jobs.View
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}

		printStatus("Status", "%s", view.Status)
		printStatus("Progress", "%d%%", view.Progress)
		printStatus("Message", "%s", view.Message)
		return nil
	},
}

func printReport(w io.Writer, r analytics.Report) {
	header := fmt.Sprintf("Priority report (%d records, generated %s)",
		r.Total, r.GeneratedAt.Local().Format(time.DateTime))
	fmt.Fprintln(w, colorize(colorBold, header))
	if len(r.Topics) == 0 {
		fmt.Fprintln(w, "  no feedback in range")
		return
	}

	fmt.Fprintf(w, "  %-5s  %-24s  %6s  %s\n", "SCORE", "TOPIC", "COUNT", "DEPARTMENT")
	for _, t := range r.Topics {
		score := colorize(priorityColor(t.Priority.Score), fmt.Sprintf("%5d", t.Priority.Score))
		fmt.Fprintf(w, "  %s  %-24s  %6d  %s\n", score, analytics.CategoryLabel(t.Category), t.Count, t.Department)
	}
}

func init() {
	reportRunCmd.Flags().Int("since-days", 0, "only include feedback from the last N days")
	reportShowCmd.Flags().Bool("json", false, "print the raw JSON report")

	reportCmd.AddCommand(reportRunCmd)
	reportCmd.AddCommand(reportShowCmd)
	reportCmd.AddCommand(reportProgressCmd)
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
		cfg, err := config.LoadClient()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
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
