package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mu-ops/mu/pkg/config"
)

const defaultServerURL = "http://localhost:7600"

var httpClient = &http.Client{Timeout: 15 * time.Second}

// serverURL resolves the control plane address: MU_SERVER_URL, then the
// repo config, then the default.
func serverURL() string {
	if v := os.Getenv(config.EnvServerURL); v != "" {
		return v
	}
	if cfg, err := config.Load("."); err == nil && cfg.ServerURL != "" {
		return cfg.ServerURL
	}
	return defaultServerURL
}

func apiCall(method, path string, body interface{}) (map[string]interface{}, int, error) {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, serverURL()+path, rdr)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && err != io.EOF {
		return nil, resp.StatusCode, err
	}
	return decoded, resp.StatusCode, nil
}

func printJSON(w io.Writer, v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(data))
}

func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOut := cmd.Bool("json", false, "output as JSON")
	if err := cmd.Parse(args); err != nil {
		return exitValidation
	}

	body, status, err := apiCall(http.MethodGet, "/api/status", nil)
	if err != nil {
		fmt.Fprintf(stderr, "server unreachable: %v\n", err)
		return exitContext
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "status failed: HTTP %d\n", status)
		return exitGeneric
	}
	if *jsonOut {
		printJSON(stdout, body)
		return exitOK
	}
	fmt.Fprintf(stdout, "%sok%s\n", colorBold+colorGreen, colorReset)
	if gen, ok := body["generation"].(map[string]interface{}); ok {
		fmt.Fprintf(stdout, "  generation: %v (seq %v)\n", gen["generation_id"], gen["generation_seq"])
	}
	if obs, ok := body["observability"].(map[string]interface{}); ok {
		if counters, ok := obs["counters"].(map[string]interface{}); ok {
			for k, v := range counters {
				fmt.Fprintf(stdout, "  %s: %v\n", k, v)
			}
		}
	}
	return exitOK
}

func runReloadCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("reload", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	reason := cmd.String("reason", "", "reload reason")
	jsonOut := cmd.Bool("json", false, "output as JSON")
	if err := cmd.Parse(args); err != nil {
		return exitValidation
	}

	var payload interface{}
	if *reason != "" {
		payload = map[string]string{"reason": *reason}
	}
	body, status, err := apiCall(http.MethodPost, "/api/control-plane/reload", payload)
	if err != nil {
		fmt.Fprintf(stderr, "server unreachable: %v\n", err)
		return exitContext
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		fmt.Fprintf(stderr, "reload failed: HTTP %d: %v\n", status, body["error"])
		return exitGeneric
	}
	if *jsonOut {
		printJSON(stdout, body)
		return exitOK
	}
	if body["coalesced"] == true {
		fmt.Fprintln(stdout, "reload already in flight; intent coalesced")
	} else if body["ok"] == true {
		fmt.Fprintln(stdout, "reload completed")
	} else {
		fmt.Fprintln(stdout, "reload failed; previous generation kept")
		return exitGeneric
	}
	return exitOK
}

func runRollbackCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rollback", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOut := cmd.Bool("json", false, "output as JSON")
	if err := cmd.Parse(args); err != nil {
		return exitValidation
	}

	body, status, err := apiCall(http.MethodPost, "/api/control-plane/rollback", nil)
	if err != nil {
		fmt.Fprintf(stderr, "server unreachable: %v\n", err)
		return exitContext
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "rollback failed: HTTP %d: %v\n", status, body["error"])
		return exitGeneric
	}
	if *jsonOut {
		printJSON(stdout, body)
	} else {
		fmt.Fprintln(stdout, "rollback completed")
	}
	return exitOK
}

func runChannelsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("channels", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOut := cmd.Bool("json", false, "output as JSON")
	if err := cmd.Parse(args); err != nil {
		return exitValidation
	}

	body, status, err := apiCall(http.MethodGet, "/api/control-plane/channels", nil)
	if err != nil {
		fmt.Fprintf(stderr, "server unreachable: %v\n", err)
		return exitContext
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "channels failed: HTTP %d\n", status)
		return exitGeneric
	}
	if *jsonOut {
		printJSON(stdout, body)
		return exitOK
	}
	channels, _ := body["channels"].([]interface{})
	for _, c := range channels {
		d, _ := c.(map[string]interface{})
		fmt.Fprintf(stdout, "%s%-10v%s %v (%v, %v)\n", colorGreen, d["channel"], colorReset, d["route"], d["verification"], d["delivery_semantics"])
	}
	return exitOK
}

func runEventsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("events", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	tail := cmd.Int("tail", 0, "show the last N events")
	typ := cmd.String("type", "", "filter by event type")
	issue := cmd.String("issue", "", "filter by issue ID")
	jsonOut := cmd.Bool("json", false, "output as JSON")
	if err := cmd.Parse(args); err != nil {
		return exitValidation
	}

	path := "/api/events"
	if *tail > 0 {
		path = fmt.Sprintf("/api/events/tail?n=%d", *tail)
	} else {
		q := url.Values{}
		if *typ != "" {
			q.Set("type", *typ)
		}
		if *issue != "" {
			q.Set("issue_id", *issue)
		}
		if enc := q.Encode(); enc != "" {
			path += "?" + enc
		}
	}
	body, status, err := apiCall(http.MethodGet, path, nil)
	if err != nil {
		fmt.Fprintf(stderr, "server unreachable: %v\n", err)
		return exitContext
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "events failed: HTTP %d\n", status)
		return exitGeneric
	}
	if *jsonOut {
		printJSON(stdout, body)
		return exitOK
	}
	list, _ := body["events"].([]interface{})
	for _, e := range list {
		ev, _ := e.(map[string]interface{})
		fmt.Fprintf(stdout, "%v  %v  %v\n", ev["at_ms"], ev["type"], ev["text"])
	}
	return exitOK
}

func runDLQCmd(args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "inspect":
		cmd := flag.NewFlagSet("dlq inspect", flag.ContinueOnError)
		cmd.SetOutput(stderr)
		jsonOut := cmd.Bool("json", false, "output as JSON")
		if err := cmd.Parse(args[1:]); err != nil {
			return exitValidation
		}
		body, status, err := apiCall(http.MethodGet, "/api/dlq", nil)
		if err != nil {
			fmt.Fprintf(stderr, "server unreachable: %v\n", err)
			return exitContext
		}
		if status != http.StatusOK {
			fmt.Fprintf(stderr, "dlq inspect failed: HTTP %d\n", status)
			return exitGeneric
		}
		if *jsonOut {
			printJSON(stdout, body)
			return exitOK
		}
		list, _ := body["dead_letters"].([]interface{})
		if len(list) == 0 {
			fmt.Fprintln(stdout, "dead letter queue is empty")
			return exitOK
		}
		for _, d := range list {
			rec, _ := d.(map[string]interface{})
			fmt.Fprintf(stdout, "%v  attempts=%v  %v\n", rec["outbox_id"], rec["attempt_count"], rec["dead_letter_reason"])
		}
		return exitOK
	case "replay":
		cmd := flag.NewFlagSet("dlq replay", flag.ContinueOnError)
		cmd.SetOutput(stderr)
		jsonOut := cmd.Bool("json", false, "output as JSON")
		if err := cmd.Parse(args[1:]); err != nil {
			return exitValidation
		}
		if cmd.NArg() != 1 {
			fmt.Fprintln(stderr, "Usage: mu dlq replay <outbox_id>")
			return exitValidation
		}
		body, status, err := apiCall(http.MethodPost, "/api/dlq/"+cmd.Arg(0)+"/replay", nil)
		if err != nil {
			fmt.Fprintf(stderr, "server unreachable: %v\n", err)
			return exitContext
		}
		if status != http.StatusOK {
			fmt.Fprintf(stderr, "dlq replay failed: HTTP %d: %v\n", status, body["error"])
			return exitGeneric
		}
		if *jsonOut {
			printJSON(stdout, body)
		} else {
			fmt.Fprintf(stdout, "replayed as %v\n", body["outbox_id"])
		}
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown dlq subcommand: %s\n", args[0])
		return exitValidation
	}
}

func runIdentityCmd(args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "list":
		cmd := flag.NewFlagSet("identity list", flag.ContinueOnError)
		cmd.SetOutput(stderr)
		jsonOut := cmd.Bool("json", false, "output as JSON")
		if err := cmd.Parse(args[1:]); err != nil {
			return exitValidation
		}
		body, status, err := apiCall(http.MethodGet, "/api/identity", nil)
		if err != nil {
			fmt.Fprintf(stderr, "server unreachable: %v\n", err)
			return exitContext
		}
		if status != http.StatusOK {
			fmt.Fprintf(stderr, "identity list failed: HTTP %d\n", status)
			return exitGeneric
		}
		if *jsonOut {
			printJSON(stdout, body)
			return exitOK
		}
		list, _ := body["bindings"].([]interface{})
		if len(list) == 0 {
			fmt.Fprintln(stdout, "no identity bindings")
			return exitOK
		}
		for _, b := range list {
			rec, _ := b.(map[string]interface{})
			fmt.Fprintf(stdout, "%v  [%v] %v %v/%v -> %v (%v)\n",
				rec["binding_id"], rec["status"], rec["channel"],
				rec["channel_tenant_id"], rec["channel_actor_id"],
				rec["operator_id"], rec["assurance_tier"])
		}
		return exitOK
	case "link":
		cmd := flag.NewFlagSet("identity link", flag.ContinueOnError)
		cmd.SetOutput(stderr)
		operator := cmd.String("operator", "", "operator ID (REQUIRED)")
		channel := cmd.String("channel", "", "channel name (REQUIRED)")
		tenant := cmd.String("tenant", "", "channel tenant ID (REQUIRED)")
		actor := cmd.String("actor", "", "channel actor ID (REQUIRED)")
		tier := cmd.String("tier", "", "assurance tier (default per channel)")
		scopes := cmd.String("scopes", "", "comma-separated scopes")
		jsonOut := cmd.Bool("json", false, "output as JSON")
		if err := cmd.Parse(args[1:]); err != nil {
			return exitValidation
		}
		if *operator == "" || *channel == "" || *tenant == "" || *actor == "" {
			fmt.Fprintln(stderr, "Error: --operator, --channel, --tenant and --actor are required")
			return exitValidation
		}
		payload := map[string]interface{}{
			"operator_id": *operator,
			"channel":     *channel,
			"tenant":      *tenant,
			"actor":       *actor,
			"tier":        *tier,
		}
		if *scopes != "" {
			payload["scopes"] = strings.Split(*scopes, ",")
		}
		body, status, err := apiCall(http.MethodPost, "/api/identity", payload)
		if err != nil {
			fmt.Fprintf(stderr, "server unreachable: %v\n", err)
			return exitContext
		}
		if status != http.StatusCreated {
			fmt.Fprintf(stderr, "identity link failed: HTTP %d: %v\n", status, body["error"])
			return exitGeneric
		}
		if *jsonOut {
			printJSON(stdout, body)
		} else {
			fmt.Fprintf(stdout, "linked %v\n", body["binding_id"])
		}
		return exitOK
	case "unlink":
		cmd := flag.NewFlagSet("identity unlink", flag.ContinueOnError)
		cmd.SetOutput(stderr)
		jsonOut := cmd.Bool("json", false, "output as JSON")
		if err := cmd.Parse(args[1:]); err != nil {
			return exitValidation
		}
		if cmd.NArg() != 1 {
			fmt.Fprintln(stderr, "Usage: mu identity unlink <binding_id>")
			return exitValidation
		}
		body, status, err := apiCall(http.MethodPost, "/api/identity/"+cmd.Arg(0)+"/unlink", nil)
		if err != nil {
			fmt.Fprintf(stderr, "server unreachable: %v\n", err)
			return exitContext
		}
		if status != http.StatusOK {
			fmt.Fprintf(stderr, "identity unlink failed: HTTP %d: %v\n", status, body["error"])
			return exitGeneric
		}
		if *jsonOut {
			printJSON(stdout, body)
		} else {
			fmt.Fprintf(stdout, "unlinked %v\n", body["binding_id"])
		}
		return exitOK
	case "revoke":
		cmd := flag.NewFlagSet("identity revoke", flag.ContinueOnError)
		cmd.SetOutput(stderr)
		by := cmd.String("by", "", "who is revoking")
		reason := cmd.String("reason", "", "why the binding is revoked")
		jsonOut := cmd.Bool("json", false, "output as JSON")
		if err := cmd.Parse(args[1:]); err != nil {
			return exitValidation
		}
		if cmd.NArg() != 1 {
			fmt.Fprintln(stderr, "Usage: mu identity revoke <binding_id>")
			return exitValidation
		}
		body, status, err := apiCall(http.MethodPost, "/api/identity/"+cmd.Arg(0)+"/revoke", map[string]string{
			"revoked_by": *by, "reason": *reason,
		})
		if err != nil {
			fmt.Fprintf(stderr, "server unreachable: %v\n", err)
			return exitContext
		}
		if status != http.StatusOK {
			fmt.Fprintf(stderr, "identity revoke failed: HTTP %d: %v\n", status, body["error"])
			return exitGeneric
		}
		if *jsonOut {
			printJSON(stdout, body)
		} else {
			fmt.Fprintf(stdout, "revoked %v\n", body["binding_id"])
		}
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown identity subcommand: %s\n", args[0])
		return exitValidation
	}
}

func runFlashCmd(args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "list":
		cmd := flag.NewFlagSet("flash list", flag.ContinueOnError)
		cmd.SetOutput(stderr)
		session := cmd.String("session", "", "filter by session ID")
		pending := cmd.Bool("pending", false, "only undelivered flashes")
		jsonOut := cmd.Bool("json", false, "output as JSON")
		if err := cmd.Parse(args[1:]); err != nil {
			return exitValidation
		}
		q := url.Values{}
		if *session != "" {
			q.Set("session_id", *session)
		}
		if *pending {
			q.Set("pending", "true")
		}
		path := "/api/session-flash"
		if enc := q.Encode(); enc != "" {
			path += "?" + enc
		}
		body, status, err := apiCall(http.MethodGet, path, nil)
		if err != nil {
			fmt.Fprintf(stderr, "server unreachable: %v\n", err)
			return exitContext
		}
		if status != http.StatusOK {
			fmt.Fprintf(stderr, "flash list failed: HTTP %d\n", status)
			return exitGeneric
		}
		if *jsonOut {
			printJSON(stdout, body)
			return exitOK
		}
		list, _ := body["flashes"].([]interface{})
		for _, f := range list {
			rec, _ := f.(map[string]interface{})
			fmt.Fprintf(stdout, "%v  [%v] %v: %v\n", rec["flash_id"], rec["kind"], rec["session_id"], rec["text"])
		}
		return exitOK
	case "create":
		cmd := flag.NewFlagSet("flash create", flag.ContinueOnError)
		cmd.SetOutput(stderr)
		session := cmd.String("session", "", "target session ID (REQUIRED)")
		kind := cmd.String("kind", "notice", "flash kind")
		text := cmd.String("text", "", "flash text (REQUIRED)")
		jsonOut := cmd.Bool("json", false, "output as JSON")
		if err := cmd.Parse(args[1:]); err != nil {
			return exitValidation
		}
		if *session == "" || *text == "" {
			fmt.Fprintln(stderr, "Error: --session and --text are required")
			return exitValidation
		}
		body, status, err := apiCall(http.MethodPost, "/api/session-flash", map[string]string{
			"session_id": *session, "kind": *kind, "text": *text,
		})
		if err != nil {
			fmt.Fprintf(stderr, "server unreachable: %v\n", err)
			return exitContext
		}
		if status != http.StatusCreated {
			fmt.Fprintf(stderr, "flash create failed: HTTP %d: %v\n", status, body["error"])
			return exitGeneric
		}
		if *jsonOut {
			printJSON(stdout, body)
		} else {
			fmt.Fprintf(stdout, "created %v\n", body["flash_id"])
		}
		return exitOK
	case "ack":
		cmd := flag.NewFlagSet("flash ack", flag.ContinueOnError)
		cmd.SetOutput(stderr)
		jsonOut := cmd.Bool("json", false, "output as JSON")
		if err := cmd.Parse(args[1:]); err != nil {
			return exitValidation
		}
		if cmd.NArg() != 1 {
			fmt.Fprintln(stderr, "Usage: mu flash ack <flash_id>")
			return exitValidation
		}
		body, status, err := apiCall(http.MethodPost, "/api/session-flash/"+cmd.Arg(0)+"/ack", nil)
		if err != nil {
			fmt.Fprintf(stderr, "server unreachable: %v\n", err)
			return exitContext
		}
		if status != http.StatusOK {
			fmt.Fprintf(stderr, "flash ack failed: HTTP %d: %v\n", status, body["error"])
			return exitGeneric
		}
		if *jsonOut {
			printJSON(stdout, body)
		} else {
			fmt.Fprintf(stdout, "acked %v\n", body["flash_id"])
		}
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown flash subcommand: %s\n", args[0])
		return exitValidation
	}
}
