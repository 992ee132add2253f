//go:build tinygo || wasm

package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/hearsaylabs/hearsay/workflows/examples/internal/host"
)

// Keywords that promote a memo to an alert. A spoken "remind me to call
// the dentist" should surface somewhere louder than the notes feed.
var keywords = []string{"urgent", "remind", "todo", "deadline"}

type alert struct {
	UtteranceID string `json:"utterance_id"`
	Keyword     string `json:"keyword"`
	Transcript  string `json:"transcript"`
}

//export run
func run() {
	transcript := os.Getenv("HEARSAY_TRANSCRIPT")
	if transcript == "" {
		return
	}
	lowered := strings.ToLower(transcript)

	for _, kw := range keywords {
		if !strings.Contains(lowered, kw) {
			continue
		}
		a := alert{
			UtteranceID: os.Getenv("HEARSAY_UTTERANCE_ID"),
			Keyword:     kw,
			Transcript:  transcript,
		}
		data, err := json.Marshal(a)
		if err != nil {
			host.Log("failed to encode alert: " + err.Error())
			return
		}
		if host.Publish("workflow.alerts.keyword", data) {
			host.Log("alert raised: " + kw)
		}
		return
	}
}

func main() {}
