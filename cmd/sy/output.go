package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/steveyegge/switchyard/internal/types"
)

// outputJSON outputs data as pretty-printed JSON to stdout.
func outputJSON(v interface{}) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

// exitCode maps an error kind onto the CLI contract: 0 ok, 2 validation,
// 3 claim/merge conflict, 4 not found, 5 budget or timeout, 1 anything
// else.
func exitCode(err error) int {
	switch types.Kind(err) {
	case "":
		return 0
	case "validation":
		return 2
	case "conflict":
		return 3
	case "not_found":
		return 4
	case "budget_exceeded", "timeout", "quota":
		return 5
	default:
		return 1
	}
}

// fail reports err on stderr (JSON when --json) and exits with its
// mapped code.
func fail(err error) {
	if jsonOutput {
		errObj := map[string]string{"error": err.Error()}
		if kind := types.Kind(err); kind != "" {
			errObj["code"] = kind
		}
		encoder := json.NewEncoder(os.Stderr)
		encoder.SetIndent("", "  ")
		_ = encoder.Encode(errObj) // Best effort: the exit code still carries the kind
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

// failf is fail with formatting; the wrapped sentinel decides the code.
func failf(format string, args ...interface{}) {
	fail(fmt.Errorf(format, args...))
}
