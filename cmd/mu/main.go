package main

import (
	"fmt"
	"io"
	"os"
)

// Exit codes shared by every subcommand.
const (
	exitOK         = 0
	exitGeneric    = 1
	exitValidation = 2
	exitContext    = 3
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return exitOK
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "status":
		return runStatusCmd(args[2:], stdout, stderr)
	case "reload":
		return runReloadCmd(args[2:], stdout, stderr)
	case "rollback":
		return runRollbackCmd(args[2:], stdout, stderr)
	case "channels":
		return runChannelsCmd(args[2:], stdout, stderr)
	case "events":
		return runEventsCmd(args[2:], stdout, stderr)
	case "dlq":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "Usage: mu dlq <inspect|replay>")
			return exitValidation
		}
		return runDLQCmd(args[2:], stdout, stderr)
	case "flash":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "Usage: mu flash <list|create|ack>")
			return exitValidation
		}
		return runFlashCmd(args[2:], stdout, stderr)
	case "identity":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "Usage: mu identity <list|link|unlink|revoke>")
			return exitValidation
		}
		return runIdentityCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitValidation
	}
}

// ANSI colors, disabled under NO_COLOR.
var (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorGreen = "\033[32m"
	colorBlue  = "\033[34m"
	colorCyan  = "\033[36m"
)

func init() {
	if _, set := os.LookupEnv("NO_COLOR"); set {
		colorReset, colorBold, colorGreen, colorBlue, colorCyan = "", "", "", "", ""
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%smu control plane%s\n", colorBold+colorBlue, colorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	fmt.Fprintln(w, "  mu <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SERVER")
	printCommand(w, "serve", "Run the control plane server (--repo, --listen)")
	printCommand(w, "status", "Show server status and generation (--json)")
	printCommand(w, "reload", "Reload the active generation (--reason)")
	printCommand(w, "rollback", "Roll back to the previous generation")

	printSection(w, "CHANNELS & EVENTS")
	printCommand(w, "channels", "List mounted channel adapters (--json)")
	printCommand(w, "events", "Show the event feed (--tail, --type, --issue)")

	printSection(w, "DELIVERY")
	printCommand(w, "dlq", "Inspect or replay dead letters (inspect|replay <id>)")
	printCommand(w, "flash", "Manage session flashes (list|create|ack)")

	printSection(w, "IDENTITY")
	printCommand(w, "identity", "Manage operator bindings (list|link|unlink|revoke <id>)")

	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-10s%s %s\n", colorGreen, name, colorReset, desc)
}
