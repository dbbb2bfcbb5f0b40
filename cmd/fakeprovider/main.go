// Command fakeprovider stands in for the codex/gemini CLI in local and
// integration testing of internal/providercli: it reads a prompt on
// stdin, optionally sleeps, and emits a scripted response framed the way
// the real provider would.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/omc-dev/bridged/internal/agent/script"
)

func main() {
	provider := flag.String("provider", "gemini", "Response framing to emit: codex or gemini")
	response := flag.String("response", "ok", "Response text to emit when no -script is given")
	exitCode := flag.Int("exit-code", 0, "Exit code to return after responding")
	delay := flag.Duration("delay", 0, "Delay before responding")
	hang := flag.Bool("hang", false, "Never exit; used to exercise the timeout/kill path")
	scriptPath := flag.String("script", "", "Path to a script.Script JSON document keyed by scenario name")
	scenario := flag.String("scenario", "default", "Scenario key to look up in -script")
	silent := flag.Bool("silent", false, "Exit without writing anything to stdout, to exercise the empty-stdout-plus-nonzero-exit path")
	flag.Parse()

	// Drain the prompt so the parent's stdin write can't block.
	_, _ = io.Copy(io.Discard, os.Stdin)

	text := *response
	delayFor := *delay
	exit := *exitCode

	if *scriptPath != "" {
		sc, err := script.Load(*scriptPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		template, ok := sc.Responses[*scenario]
		if !ok {
			fmt.Fprintf(os.Stderr, "fakeprovider: scenario %q not found in script\n", *scenario)
			os.Exit(1)
		}
		if template.Error != "" {
			fmt.Fprintln(os.Stderr, template.Error)
			os.Exit(1)
		}
		if template.DelayMs > 0 {
			delayFor = time.Duration(template.DelayMs) * time.Millisecond
		}
		if len(template.Events) > 0 {
			if t, ok := template.Events[0].Payload["text"].(string); ok {
				text = t
			}
		}
	}

	if delayFor > 0 {
		time.Sleep(delayFor)
	}
	if *hang {
		for {
			time.Sleep(time.Hour)
		}
	}
	if *silent {
		os.Exit(exit)
	}

	switch *provider {
	case "codex":
		emitCodexEvents(text)
	default:
		fmt.Fprint(os.Stdout, text)
	}

	os.Exit(exit)
}

func emitCodexEvents(response string) {
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(map[string]any{"type": "session.started"})
	_ = enc.Encode(map[string]any{
		"type": "item.completed",
		"item": map[string]any{"type": "agent_message", "text": response},
	})
}
