package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/svarah/svarah-core/internal/board"
	"github.com/svarah/svarah-core/internal/clips"
	"github.com/svarah/svarah-core/internal/config"
	"github.com/svarah/svarah-core/internal/pack"
	"github.com/svarah/svarah-core/internal/store"
	"github.com/svarah/svarah-core/internal/symbol"
)

var version = "0.1.0-dev"

func main() {
	var packPath, configPath, clipRef, wavPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&packPath, "file", "pack.yaml", "Path to vocabulary pack")
	importCmd := flag.NewFlagSet("import", flag.ExitOnError)
	importCmd.StringVar(&packPath, "file", "pack.yaml", "Path to vocabulary pack")
	importCmd.StringVar(&configPath, "config", "svarah.yaml", "Path to configuration file")
	clipCmd := flag.NewFlagSet("clip", flag.ExitOnError)
	clipCmd.StringVar(&clipRef, "ref", "", "Clip reference used by symbols")
	clipCmd.StringVar(&wavPath, "file", "", "Path to a 16-bit PCM WAV recording")
	clipCmd.StringVar(&configPath, "config", "svarah.yaml", "Path to configuration file")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'import', 'clip' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := runValidate(packPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("pack valid")
	case "import":
		importCmd.Parse(os.Args[2:])
		res, err := runImport(context.Background(), packPath, configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("pack imported: %d created, %d updated, %d unchanged\n", res.Created, res.Updated, res.Unchanged)
	case "clip":
		clipCmd.Parse(os.Args[2:])
		if err := runClip(clipRef, wavPath, configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("clip %q recorded\n", clipRef)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runValidate(path string) error {
	p, err := pack.Load(path)
	if err != nil {
		return err
	}
	return pack.Validate(p)
}

func runImport(ctx context.Context, path, configPath string) (pack.Result, error) {
	p, err := pack.Load(path)
	if err != nil {
		return pack.Result{}, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return pack.Result{}, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return pack.Result{}, err
	}
	defer st.Close()
	symbols := symbol.NewStore(st, logger)
	boards := board.NewRepository(st, symbols, cfg.Board.PlaceholderLabel, logger)
	return pack.Import(ctx, p, symbols, boards, logger)
}

func runClip(ref, wavPath, configPath string) error {
	if ref == "" || wavPath == "" {
		return fmt.Errorf("clip requires -ref and -file")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	f, err := os.Open(wavPath)
	if err != nil {
		return err
	}
	defer f.Close()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	st, err := clips.Open(cfg.Clips, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.PutWAV(ref, f)
}
