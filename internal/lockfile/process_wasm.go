//go:build js && wasm

package lockfile

// isProcessRunning always reports false; WASM has no process table to ask.
func isProcessRunning(pid int) bool {
	return false
}
