package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

var version = "dev"

// loadDotEnv reads ~/.councilhub/env and fills in
// any keys the environment does not already define, so councilctl works
// without shell profile setup.
func loadDotEnv() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	f, err := os.Open(filepath.Join(home, ".councilhub", "env"))
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if os.Getenv(key) == "" {
			_ = os.Setenv(key, value)
		}
	}
}

func main() {
	loadDotEnv()
	if len(os.Args) < 2 {
		usageTo(os.Stderr)
		os.Exit(1)
	}
	api := newClient()
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("councilctl %s\n", version)
	case "ask":
		cmdAsk(api, args)
	case "conversations", "conversation":
		cmdConversations(api)
	case "show":
		cmdShow(api, args)
	case "delete":
		cmdDelete(api, args)
	case "models", "model":
		cmdModels(api, args)
	case "settings":
		cmdSettings(api, args)
	case "stats":
		cmdStats(api, args)
	case "health":
		cmdHealth(api, args)
	case "events":
		cmdEvents(api)
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usageTo(os.Stderr)
		os.Exit(1)
	}
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `councilctl — CLI for the CouncilHub API

Usage: councilctl <command> [arguments]

Environment:
  COUNCILHUB_URL          Base URL (default: http://localhost:8001)
  COUNCILHUB_ADMIN_TOKEN  Bearer token for settings mutation

  ~/.councilhub/env       Auto-sourced on startup.
                          Explicit environment variables take precedence.

Commands:
  ask "question" [-search] [-conv id]
                              Run a council deliberation and stream progress.
                              -search prefixes the council with web results;
                              -conv continues an existing conversation.

  conversations               List conversations
  show <id>                   Show a conversation with its messages
  delete <id>                 Delete a conversation

  models                      List selectable models (OpenRouter or builtin)
  models -direct              List models from directly-keyed providers

  settings                    Show current settings
  settings defaults           Show environment-derived defaults
  settings set <json>         Patch settings (admin token required)

  stats                       Show deliberation and per-model stats
  stats history [-hours N] [-model id] [-provider id]
                              Show bucketed latency history

  health [-probe]             Show provider health; -probe checks live
  events                      Stream real-time deliberation events

  version                     Show version
  help                        Show this help

Examples:
  councilctl ask "What are the tradeoffs of SQLite WAL mode?"
  councilctl ask "Latest on the EU AI Act?" -search
  councilctl ask "And enforcement?" -conv 8f14f9c2-4f7a-4f6e-9a6e-2f6a1c0b9d7e
  councilctl settings set '{"chairman_model":"anthropic/claude-sonnet-4"}'
  councilctl stats history -hours 6 -model openai/gpt-4.1
`)
}

// die prints a message to stderr and exits non-zero.
func die(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func check(err error) {
	if err != nil {
		die("error: %v", err)
	}
}

// --- API client ---

// client talks to one councilhub instance. Plain calls get a 30s budget;
// streams have none, since deliberations run for minutes and the event
// feed lives until Ctrl-C.
type client struct {
	base    string
	token   string
	plain   *http.Client
	streams *http.Client
}

func newClient() *client {
	base := os.Getenv("COUNCILHUB_URL")
	if base == "" {
		base = "http://localhost:8001"
	}
	return &client{
		base:    strings.TrimRight(base, "/"),
		token:   os.Getenv("COUNCILHUB_ADMIN_TOKEN"),
		plain:   &http.Client{Timeout: 30 * time.Second},
		streams: &http.Client{},
	}
}

func (c *client) newRequest(method, path, body string) *http.Request {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, c.base+path, rdr)
	check(err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req
}

// exchange runs one JSON call. Any transport or HTTP failure terminates
// the process; commands only ever see a decoded success body.
func (c *client) exchange(method, path, body string) map[string]any {
	resp, err := c.plain.Do(c.newRequest(method, path, body))
	check(err)
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	check(err)
	if resp.StatusCode >= 400 {
		die("HTTP %d: %s", resp.StatusCode, data)
	}
	return decodeBody(data)
}

func (c *client) get(path string) map[string]any        { return c.exchange("GET", path, "") }
func (c *client) post(path, body string) map[string]any { return c.exchange("POST", path, body) }
func (c *client) put(path, body string) map[string]any  { return c.exchange("PUT", path, body) }
func (c *client) del(path string) map[string]any        { return c.exchange("DELETE", path, "") }

// stream opens a long-lived request. The caller owns the body.
func (c *client) stream(method, path, body string) *http.Response {
	resp, err := c.streams.Do(c.newRequest(method, path, body))
	check(err)
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		die("HTTP %d: %s", resp.StatusCode, data)
	}
	return resp
}

// decodeBody tolerates the three response shapes the API produces: an
// object, a bare array (wrapped under "items"), or plain text (printed
// as-is).
func decodeBody(data []byte) map[string]any {
	var obj map[string]any
	if json.Unmarshal(data, &obj) == nil {
		return obj
	}
	var arr []any
	if json.Unmarshal(data, &arr) == nil {
		return map[string]any{"items": arr}
	}
	fmt.Println(string(data))
	os.Exit(0)
	return nil
}

// sseFrames reads a Server-Sent Events body and calls handle once per data
// payload. Deliberation streams carry the frame type inside the JSON; the
// event feed names it on an event: line, passed through as eventName.
// handle returning false stops the read.
func sseFrames(body io.Reader, handle func(eventName, payload string) bool) error {
	sc := bufio.NewScanner(body)
	// A stage1_complete frame carries every council answer in one line.
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	eventName := ""
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if !handle(eventName, strings.TrimSpace(strings.TrimPrefix(line, "data:"))) {
				return nil
			}
			eventName = ""
		}
	}
	return sc.Err()
}

// --- Commands ---

func cmdAsk(api *client, args []string) {
	var question, convID string
	webSearch := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-search", "--search":
			webSearch = true
		case "-conv", "--conv":
			if i+1 < len(args) {
				convID = args[i+1]
				i++
			}
		default:
			if question == "" {
				question = args[i]
			}
		}
	}
	if strings.TrimSpace(question) == "" {
		die(`usage: councilctl ask "question" [-search] [-conv id]`)
	}

	if convID == "" {
		created := api.post("/api/conversations", "{}")
		convID, _ = created["id"].(string)
		if convID == "" {
			die("server did not return a conversation id")
		}
	}

	body := fmt.Sprintf(`{"content":%s,"web_search":%t}`, jsonStr(question), webSearch)
	resp := api.stream("POST", "/api/conversations/"+convID+"/message/stream", body)
	defer func() { _ = resp.Body.Close() }()

	failed := false
	err := sseFrames(resp.Body, func(_, payload string) bool {
		var frame map[string]any
		if json.Unmarshal([]byte(payload), &frame) != nil {
			return true
		}
		typ, _ := frame["type"].(string)
		switch typ {
		case "search_start":
			fmt.Println("Searching the web...")
		case "search_complete":
			if data, ok := frame["data"].(map[string]any); ok {
				if q, _ := data["search_query"].(string); q != "" {
					fmt.Printf("Search query: %s\n", q)
				}
			}
		case "stage1_init":
			fmt.Printf("Council of %s answering...\n", fmtNum(frame["total"]))
		case "stage1_progress":
			printProgress(frame, "answered")
		case "stage2_init":
			fmt.Printf("Ranking %s anonymized responses...\n", fmtNum(frame["total"]))
		case "stage2_progress":
			printProgress(frame, "ranked")
		case "stage2_complete":
			printAggregate(frame)
		case "stage3_start":
			fmt.Println("Chairman synthesizing...")
		case "stage3_complete":
			if data, ok := frame["data"].(map[string]any); ok {
				response, _ := data["response"].(string)
				model, _ := data["model"].(string)
				fmt.Printf("\n%s\n\n— %s\n\n", response, model)
			}
		case "title_complete":
			if t, _ := frame["title"].(string); t != "" {
				fmt.Printf("Conversation titled %q\n", t)
			}
		case "error":
			msg, _ := frame["message"].(string)
			fmt.Fprintf(os.Stderr, "deliberation failed: %s\n", msg)
			failed = true
			return false
		case "complete":
			fmt.Printf("Follow up with: councilctl ask \"...\" -conv %s\n", convID)
			return false
		}
		return true
	})
	check(err)
	if failed {
		os.Exit(1)
	}
}

func printProgress(frame map[string]any, verb string) {
	model := "?"
	if data, ok := frame["data"].(map[string]any); ok {
		if m, _ := data["model"].(string); m != "" {
			model = m
		}
		if bad, _ := data["error"].(bool); bad {
			verb = "failed"
		}
	}
	fmt.Printf("  [%s/%s] %s %s\n", fmtNum(frame["count"]), fmtNum(frame["total"]), model, verb)
}

func printAggregate(frame map[string]any) {
	meta, ok := frame["metadata"].(map[string]any)
	if !ok {
		return
	}
	ranks, _ := meta["aggregate_rankings"].([]any)
	if len(ranks) == 0 {
		return
	}
	fmt.Println("Peer ranking:")
	for i, raw := range ranks {
		m, _ := raw.(map[string]any)
		model, _ := m["model"].(string)
		fmt.Printf("  %d. %s (avg rank %s across %s ballots)\n",
			i+1, model, fmtNum(m["average_rank"]), fmtNum(m["rankings_count"]))
	}
}

func cmdConversations(api *client) {
	items, _ := api.get("/api/conversations")["items"].([]any)
	if len(items) == 0 {
		fmt.Println("No conversations.")
		return
	}
	t := newTable("ID", "TITLE", "MESSAGES", "UPDATED")
	for _, raw := range items {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		title, _ := m["title"].(string)
		t.row(id, truncate(title, 48), fmtNum(m["message_count"]), fmtTime(m["updated_at"]))
	}
	t.flush()
}

func cmdShow(api *client, args []string) {
	if len(args) < 1 {
		die("usage: councilctl show <conversation-id>")
	}
	data := api.get("/api/conversations/" + args[0])
	title, _ := data["title"].(string)
	fmt.Printf("%s\n%s · created %s\n", title, args[0], fmtTime(data["created_at"]))

	msgs, _ := data["messages"].([]any)
	for _, raw := range msgs {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		fmt.Printf("\n[%s] %s\n%s\n", fmtTime(m["created_at"]), role, content)
		if role != "assistant" {
			continue
		}
		if s3, ok := m["stage3"].(map[string]any); ok {
			if model, _ := s3["model"].(string); model != "" {
				fmt.Printf("(chairman: %s)\n", model)
			}
		}
		if meta, ok := m["metadata"].(map[string]any); ok {
			if q, _ := meta["search_query"].(string); q != "" {
				fmt.Printf("(web search: %s)\n", q)
			}
		}
	}
}

func cmdDelete(api *client, args []string) {
	if len(args) < 1 {
		die("usage: councilctl delete <conversation-id>")
	}
	if api.del("/api/conversations/"+args[0])["status"] == "deleted" {
		fmt.Println("Conversation deleted.")
	}
}

func cmdModels(api *client, args []string) {
	direct := len(args) > 0 && (args[0] == "-direct" || args[0] == "--direct" || args[0] == "direct")

	var models []any
	if direct {
		models, _ = api.get("/api/models/direct")["items"].([]any)
	} else {
		models, _ = api.get("/api/models")["models"].([]any)
	}
	if len(models) == 0 {
		fmt.Println("No models available.")
		return
	}
	t := newTable("ID", "NAME", "PROVIDER", "CONTEXT")
	for _, raw := range models {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		name, _ := m["name"].(string)
		provider, _ := m["provider"].(string)
		ctx := "-"
		if n, ok := m["context_length"].(float64); ok && n > 0 {
			ctx = strconv.Itoa(int(n))
		}
		t.row(id, name, provider, ctx)
	}
	t.flush()
}

func cmdSettings(api *client, args []string) {
	if len(args) == 0 {
		fmt.Println(prettyJSON(api.get("/api/settings")))
		return
	}
	switch args[0] {
	case "defaults":
		fmt.Println(prettyJSON(api.get("/api/settings/defaults")))
	case "set":
		if len(args) < 2 {
			die("usage: councilctl settings set <json>")
		}
		api.put("/api/settings", args[1])
		fmt.Println("Settings updated.")
	default:
		die("unknown settings command: %s", args[0])
	}
}

func cmdStats(api *client, args []string) {
	if len(args) > 0 && args[0] == "history" {
		cmdStatsHistory(api, args[1:])
		return
	}

	data := api.get("/api/stats")
	if d, ok := data["deliberations"].(map[string]any); ok {
		fmt.Printf("Deliberations:  %s total, %s cancelled, %s with web search\n",
			fmtNum(d["total_runs"]), fmtNum(d["cancelled"]), fmtNum(d["web_searches"]))
		fmt.Printf("Average run:    %s (stage1 %s, stage2 %s, stage3 %s)\n",
			fmtDuration(d["avg_total_ms"]), fmtDuration(d["avg_stage1_ms"]),
			fmtDuration(d["avg_stage2_ms"]), fmtDuration(d["avg_stage3_ms"]))
	}

	byModel, _ := data["by_model"].(map[string]any)
	if len(byModel) == 0 {
		fmt.Println("\nNo model queries recorded yet.")
		return
	}
	fmt.Println()
	t := newTable("MODEL", "WINDOW", "QUERIES", "ERR RATE", "AVG LATENCY", "P95")
	for model, raw := range byModel {
		windows, _ := raw.([]any)
		for _, wr := range windows {
			w, ok := wr.(map[string]any)
			if !ok {
				continue
			}
			window, _ := w["window"].(string)
			rate, _ := w["error_rate"].(float64)
			t.row(model, window, fmtNum(w["query_count"]), fmt.Sprintf("%.0f%%", rate*100),
				fmtDuration(w["avg_latency_ms"]), fmtDuration(w["p95_latency_ms"]))
		}
	}
	t.flush()
}

func cmdStatsHistory(api *client, args []string) {
	hours := 24
	model := ""
	provider := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-hours", "--hours":
			if i+1 < len(args) {
				if n, err := strconv.Atoi(args[i+1]); err == nil && n > 0 {
					hours = n
				}
				i++
			}
		case "-model", "--model":
			if i+1 < len(args) {
				model = args[i+1]
				i++
			}
		case "-provider", "--provider":
			if i+1 < len(args) {
				provider = args[i+1]
				i++
			}
		}
	}

	path := fmt.Sprintf("/api/stats/history?since_hours=%d", hours)
	if model != "" {
		path += "&model=" + model
	}
	if provider != "" {
		path += "&provider=" + provider
	}
	series, _ := api.get(path)["series"].([]any)
	if len(series) == 0 {
		fmt.Println("No history in the selected range.")
		return
	}
	t := newTable("MODEL", "PROVIDER", "TIME", "QUERIES", "ERRORS", "AVG LATENCY")
	for _, raw := range series {
		s, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		mid, _ := s["model"].(string)
		pid, _ := s["provider"].(string)
		buckets, _ := s["buckets"].([]any)
		for _, br := range buckets {
			b, ok := br.(map[string]any)
			if !ok {
				continue
			}
			t.row(mid, pid, fmtTime(b["t"]), fmtNum(b["queries"]),
				fmtNum(b["errors"]), fmtDuration(b["avg_latency_ms"]))
		}
	}
	t.flush()
}

func cmdHealth(api *client, args []string) {
	probe := len(args) > 0 && (args[0] == "-probe" || args[0] == "--probe")
	path := "/api/health/providers"
	if probe {
		path += "?probe=true"
	}
	data := api.get(path)

	if probes, _ := data["probes"].([]any); len(probes) > 0 {
		fmt.Println("Probe results:")
		for _, raw := range probes {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			id, _ := m["provider_id"].(string)
			if okFlag, _ := m["ok"].(bool); okFlag {
				fmt.Printf("  %s: ok (%s)\n", id, fmtDuration(m["latency_ms"]))
			} else {
				errMsg, _ := m["error"].(string)
				fmt.Printf("  %s: FAIL %s\n", id, errMsg)
			}
		}
		fmt.Println()
	}

	providers, _ := data["providers"].([]any)
	if len(providers) == 0 {
		fmt.Println("No provider health data yet; run a deliberation or use -probe.")
		return
	}
	t := newTable("PROVIDER", "STATE", "QUERIES", "CONSEC_ERR", "AVG LATENCY", "LAST SUCCESS", "LAST ERROR")
	for _, p := range providers {
		m, ok := p.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["provider_id"].(string)
		state, _ := m["state"].(string)
		lastErr, _ := m["last_error"].(string)
		t.row(id, state, fmtNum(m["total_queries"]), fmtNum(m["consec_errors"]),
			fmtDuration(m["avg_latency_ms"]), fmtTime(m["last_success_at"]), truncate(lastErr, 60))
	}
	t.flush()
}

func cmdEvents(api *client) {
	resp := api.stream("GET", "/api/events", "")
	defer func() { _ = resp.Body.Close() }()

	fmt.Println("Streaming events (Ctrl-C to stop)...")
	err := sseFrames(resp.Body, func(eventName, payload string) bool {
		if eventName == "connected" {
			return true
		}
		var evt map[string]any
		if json.Unmarshal([]byte(payload), &evt) != nil {
			return true
		}
		ts := time.Now().Format("15:04:05")
		switch eventName {
		case "query_failure":
			fmt.Printf("[%s] %s  model=%v provider=%v class=%v\n",
				ts, eventName, evt["model_id"], evt["provider_id"], evt["error_class"])
		case "stage_complete":
			fmt.Printf("[%s] %s  conversation=%v stage=%v duration=%s\n",
				ts, eventName, evt["conversation_id"], evt["stage"], fmtDuration(evt["duration_ms"]))
		case "search_performed":
			fmt.Printf("[%s] %s  provider=%v query=%v\n",
				ts, eventName, evt["search_provider"], evt["query"])
		case "health_change":
			fmt.Printf("[%s] %s  provider=%v %v→%v (%v)\n",
				ts, eventName, evt["provider_id"], evt["old_state"], evt["new_state"], evt["reason"])
		case "deliberation_started", "deliberation_finished", "deliberation_cancelled":
			fmt.Printf("[%s] %s  conversation=%v council=%v duration=%s\n",
				ts, eventName, evt["conversation_id"], evt["council_size"], fmtDuration(evt["duration_ms"]))
		default:
			fmt.Printf("[%s] %s  %s\n", ts, eventName, payload)
		}
		return true
	})
	check(err)
	fmt.Println("Event stream closed.")
}

// --- Output helpers ---

// table aligns rows on stdout.
type table struct{ tw *tabwriter.Writer }

func newTable(columns ...string) *table {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.Join(columns, "\t"))
	return &table{tw: tw}
}

func (t *table) row(cells ...string) {
	_, _ = fmt.Fprintln(t.tw, strings.Join(cells, "\t"))
}

func (t *table) flush() { _ = t.tw.Flush() }

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

// fmtNum renders a JSON number compactly: integers without decimals,
// everything else with two.
func fmtNum(v any) string {
	n, ok := v.(float64)
	if !ok {
		if v == nil {
			return "-"
		}
		return fmt.Sprint(v)
	}
	if n == float64(int(n)) {
		return strconv.Itoa(int(n))
	}
	return strconv.FormatFloat(n, 'f', 2, 64)
}

func fmtDuration(v any) string {
	f, ok := v.(float64)
	if !ok {
		if v == nil {
			return "-"
		}
		return fmt.Sprint(v)
	}
	if f < 1000 {
		return fmt.Sprintf("%.0fms", f)
	}
	return fmt.Sprintf("%.1fs", f/1000)
}

func fmtTime(v any) string {
	s, ok := v.(string)
	if !ok {
		if v == nil {
			return "-"
		}
		return fmt.Sprint(v)
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
	}
	return s
}

func jsonStr(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
