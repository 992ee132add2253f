//go:build tinygo || wasm

package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/hearsaylabs/hearsay/workflows/examples/internal/host"
)

type note struct {
	UtteranceID string `json:"utterance_id"`
	Transcript  string `json:"transcript"`
	Source      string `json:"source"`
	Words       int    `json:"words"`
}

//export run
func run() {
	transcript := os.Getenv("HEARSAY_TRANSCRIPT")
	if transcript == "" {
		host.Log("no transcript yet, skipping note")
		return
	}

	n := note{
		UtteranceID: os.Getenv("HEARSAY_UTTERANCE_ID"),
		Transcript:  transcript,
		Source:      os.Getenv("HEARSAY_SOURCE"),
		Words:       len(strings.Fields(transcript)),
	}
	data, err := json.Marshal(n)
	if err != nil {
		host.Log("failed to encode note: " + err.Error())
		return
	}
	if !host.Publish("workflow.notes.created", data) {
		host.Log("note publish rejected")
		return
	}
	host.Log("note created for utterance " + n.UtteranceID)
}

func main() {}
