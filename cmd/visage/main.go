package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/screenager/visage/internal/config"
	"github.com/screenager/visage/internal/engine"
	"github.com/screenager/visage/internal/tui"
)

func main() {
	root := &cobra.Command{
		Use:   "visage",
		Short: "Local semantic image search",
		Long:  "visage — offline, on-device image search powered by CLIP and HNSW.",
	}

	cfg, err := config.Load(".visage.toml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		cfg = config.Default()
	}

	root.PersistentFlags().StringVar(&cfg.ModelDir, "model-dir", cfg.ModelDir, "directory containing the CLIP ONNX models")
	root.PersistentFlags().StringVar(&cfg.OrtLibPath, "ort-lib", cfg.OrtLibPath, "path to the ONNX Runtime shared library (auto-detected if empty)")
	root.PersistentFlags().IntVar(&cfg.Threads, "threads", cfg.Threads, "ONNX intra-op thread count (0 = auto)")
	root.PersistentFlags().IntVar(&cfg.MaxFileKB, "max-file-kb", cfg.MaxFileKB, "image size limit in KB (kept in the config; ingestion does not check file size)")
	root.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory holding the catalog database")

	// openEngine loads the CLIP models and opens the engine, printing
	// status so the user knows it isn't stuck (model loading can take
	// several seconds on first run). The HNSW rebuild from the catalog
	// runs in the background and may still be in progress when
	// "ready." is printed.
	openEngine := func(ctx context.Context) (*engine.Engine, error) {
		fmt.Fprint(os.Stderr, "Loading model… ")
		eng, err := engine.Open(ctx, cfg, nil, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "")
			return nil, err
		}
		fmt.Fprintln(os.Stderr, "ready.")
		return eng, nil
	}

	// runWithHardExit wraps a CGo-calling body with a forced-exit
	// goroutine. ONNX inference calls are non-preemptible CGo calls, so
	// Go cannot cancel them mid-flight; Ctrl+C gets a 1s grace period to
	// finish the in-flight call before the process is killed outright.
	runWithHardExit := func(ctx context.Context, body func() error) error {
		done := make(chan struct{})
		defer close(done)

		go func() {
			select {
			case <-done:
				return
			case <-ctx.Done():
				fmt.Fprintln(os.Stderr, "\n[visage] stopping — waiting up to 1s for work in flight…")
				select {
				case <-done:
					return
				case <-time.After(time.Second):
					fmt.Fprintln(os.Stderr, "[visage] exiting.")
					os.Exit(130)
				}
			}
		}()

		return body()
	}

	// ---- visage add-root <dir> --------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "add-root <dir> [dir...]",
		Short: "Register a directory to index and watch for changes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			return runWithHardExit(ctx, func() error {
				for _, dir := range args {
					fmt.Fprintf(os.Stderr, "Scanning %s…\n", dir)
					w, err := eng.AddWatchedDirectory(ctx, dir)
					if err != nil {
						return fmt.Errorf("add-root %s: %w", dir, err)
					}
					fmt.Fprintf(os.Stderr, "Watching %s (root %s)\n", w.Path, w.ID)
				}
				return nil
			})
		},
	})

	// ---- visage remove-root <id> ------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "remove-root <root-id>",
		Short: "Stop watching and forget a registered directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			id, err := parseRootID(args[0])
			if err != nil {
				return err
			}
			if err := eng.DeleteWatchedDirectory(ctx, id); err != nil {
				return err
			}
			fmt.Println("Root removed.")
			return nil
		},
	})

	// ---- visage roots -------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "roots",
		Short: "List registered directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			roots, err := eng.WatchedDirectories(ctx)
			if err != nil {
				return err
			}
			if len(roots) == 0 {
				fmt.Println("no watched roots")
				return nil
			}
			for _, r := range roots {
				fmt.Printf("%s  %s\n", r.ID, r.Path)
			}
			return nil
		},
	})

	// ---- visage metadata <file-id> ------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "metadata <file-id>",
		Short: "Fetch catalog metadata for a file by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			id, err := parseRootID(args[0])
			if err != nil {
				return err
			}
			f, err := eng.FetchMetadata(ctx, id)
			if err != nil {
				return err
			}
			j, err := json.MarshalIndent(f, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal json: %w", err)
			}
			fmt.Println(string(j))
			return nil
		},
	})

	// ---- visage thumbnails <file-id> [file-id...] ---------------------------
	root.AddCommand(&cobra.Command{
		Use:   "thumbnails <file-id> [file-id...]",
		Short: "Fetch thumbnail records for one or more files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			ids := make([]uuid.UUID, len(args))
			for i, a := range args {
				id, err := parseRootID(a)
				if err != nil {
					return err
				}
				ids[i] = id
			}
			thumbs, err := eng.FetchThumbnails(ctx, ids)
			if err != nil {
				return err
			}
			j, err := json.MarshalIndent(thumbs, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal json: %w", err)
			}
			fmt.Println(string(j))
			return nil
		},
	})

	// ---- visage search <query> ---------------------------------------------
	var jsonOut bool
	var k, ef int
	var maxDistance float32
	var prefixes []string
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Non-interactive text-to-image search",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			ctx := context.Background()

			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			results, err := eng.Search(ctx, prefixes, query, k, ef, maxDistance)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				if jsonOut {
					fmt.Println("[]")
				} else {
					fmt.Println("no results")
				}
				return nil
			}
			if jsonOut {
				j, err := json.MarshalIndent(results, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal json: %w", err)
				}
				fmt.Println(string(j))
				return nil
			}
			for i, r := range results {
				fmt.Printf("%2d  %.4f  %s\n", i+1, r.Distance, r.Path)
			}
			return nil
		},
	}
	searchCmd.Flags().BoolVar(&jsonOut, "json", false, "output results as JSON")
	searchCmd.Flags().IntVar(&k, "k", 10, "number of results to return")
	searchCmd.Flags().IntVar(&ef, "ef", 0, "beam width override (0 = graph default)")
	searchCmd.Flags().Float32Var(&maxDistance, "max-distance", 0, "drop results past this cosine distance (0 = unbounded)")
	searchCmd.Flags().StringArrayVar(&prefixes, "path-prefix", nil, "restrict results to paths under this prefix (repeatable)")
	root.AddCommand(searchCmd)

	// ---- visage tui ----------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "tui",
		Short: "Launch the interactive search console",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			m := tui.New(eng)
			p := tea.NewProgram(m, tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
