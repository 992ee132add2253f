// hearsay-workflow checks and exercises workflow packages without a
// running studio.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hearsaylabs/hearsay/internal/memostore"
	"github.com/hearsaylabs/hearsay/internal/router"
)

var version = "0.1.0-dev"

func main() {
	var manifestPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&manifestPath, "file", "workflow.yaml", "Path to workflow manifest")

	var (
		invokePath string
		transcript string
		audioPath  string
	)
	invokeCmd := flag.NewFlagSet("invoke", flag.ExitOnError)
	invokeCmd.StringVar(&invokePath, "file", "workflow.yaml", "Path to workflow manifest")
	invokeCmd.StringVar(&transcript, "transcript", "", "Transcript handed to the workflow")
	invokeCmd.StringVar(&audioPath, "audio", "", "Audio path handed to the workflow")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'invoke' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := runValidate(manifestPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("manifest valid")
	case "invoke":
		invokeCmd.Parse(os.Args[2:])
		if err := runInvoke(invokePath, transcript, audioPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runValidate(path string) error {
	m, err := router.LoadManifest(path)
	if err != nil {
		return err
	}
	return router.ValidateManifest(m)
}

// runInvoke runs the workflow once against a synthetic utterance. Publishes
// land on stdout instead of a bus, so a package can be tried before it is
// installed.
func runInvoke(path, transcript, audioPath string) error {
	mf, err := router.LoadManifest(path)
	if err != nil {
		return err
	}
	if err := router.ValidateManifest(mf); err != nil {
		return err
	}
	modulePath := mf.Runtime.Module
	if !filepath.IsAbs(modulePath) {
		modulePath = filepath.Join(filepath.Dir(path), modulePath)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	publish := func(subject string, payload []byte) error {
		fmt.Printf("publish %s %s\n", subject, payload)
		return nil
	}

	u := memostore.Utterance{
		Seq:       1,
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		AudioPath: audioPath,
		Source:    memostore.SourceLocal,
	}
	if transcript != "" {
		u.Transcript = &transcript
	}

	flow := router.NewWasmWorkflow(mf, modulePath, publish, log)
	return flow.Handle(context.Background(), u)
}
