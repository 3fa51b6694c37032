package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// processID returns id, or a fresh uuid when id is empty.
func processID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
