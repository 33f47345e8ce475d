package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/qcollector/dynatable"
	"github.com/qcollector/dynatable/internal"
)

func runNormalize(args []string) error {
	flags := flag.NewFlagSet("normalize", flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Println("Usage: dynatable-tools normalize [options] <title>")
		fmt.Println("")
		fmt.Println("Options:")
		flags.PrintDefaults()
	}

	kind := flags.String("kind", "column", "identifier kind: column or table")
	endpoint := flags.String("translate-endpoint", getenvDefault("TRANSLATE_ENDPOINT", ""), "translate sidecar endpoint (optional; deterministic fallback when unset or down)")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.NArg() < 1 {
		flags.Usage()
		return fmt.Errorf("missing title argument")
	}
	title := flags.Arg(0)

	var identKind dynatable.IdentifierKind
	switch *kind {
	case "column":
		identKind = dynatable.IdentifierColumn
	case "table":
		identKind = dynatable.IdentifierTable
	default:
		return fmt.Errorf("unknown kind %q (want column or table)", *kind)
	}

	cfg := dynatable.DefaultConfig()
	if *endpoint != "" {
		cfg.Translation.Endpoint = *endpoint
	}
	translator := internal.NewArgosTranslator(cfg.Translation, zap.L())
	normalizer := internal.NewNormalizer(translator, cfg.Normalizer, zap.L())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resolved, err := normalizer.Resolve(ctx, title, identKind, nil)
	if err != nil {
		return err
	}

	fmt.Printf("source: %s\n", resolved.SourceText)
	fmt.Printf("kind:   %s\n", resolved.Kind)
	fmt.Printf("name:   %s\n", resolved.NormalizedName)
	return nil
}
