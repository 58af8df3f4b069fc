package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/archivum-ai/archivum/internal/app"
	"github.com/archivum-ai/archivum/internal/store"
)

var indexNaID string

var indexCmd = &cobra.Command{
	Use:   "index [file]",
	Short: "Embed and store documents for retrieval",
	Long: `Index loads documents into the vector store. Given a file argument it
reads a JSON array of documents, each with an id, title and content and
an optional string-map metadata. With --naid it fetches a single record
from the National Archives catalog instead. Title and content are
embedded together so retrieval matches either.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if indexNaID != "" {
			return runIndexCatalog(indexNaID)
		}
		if len(args) != 1 {
			return fmt.Errorf("either a file argument or --naid is required")
		}
		return runIndexFile(args[0])
	},
}

func init() {
	indexCmd.Flags().StringVar(&indexNaID, "naid", "", "national archives ID of a catalog record to ingest")
	rootCmd.AddCommand(indexCmd)
}

type indexEntry struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func runIndexFile(path string) error {
	a, err := app.New()
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var entries []indexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("%s contains no documents", path)
	}
	for i, e := range entries {
		if e.ID == "" || e.Content == "" {
			return fmt.Errorf("document %d: id and content are required", i)
		}
	}

	s, err := openStore(ctx, a)
	if err != nil {
		return err
	}

	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.Title + "\n" + e.Content
	}

	a.Logger.Info("embedding documents", "count", len(entries))
	vectors, err := a.Embedder().EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}

	for i, e := range entries {
		doc := store.Document{
			ID:        e.ID,
			Title:     e.Title,
			Content:   e.Content,
			Metadata:  e.Metadata,
			Embedding: vectors[i],
		}
		if err := s.Upsert(ctx, doc); err != nil {
			return fmt.Errorf("store document %q: %w", e.ID, err)
		}
	}

	fmt.Printf("Indexed %d documents\n", len(entries))
	return nil
}

// runIndexCatalog fetches one catalog record and stores it.
func runIndexCatalog(naID string) error {
	a, err := app.New()
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	record, err := a.Catalog().Document(ctx, naID)
	if err != nil {
		return fmt.Errorf("fetch catalog record %s: %w", naID, err)
	}

	content := record.Description
	if content == "" {
		content = record.Title
	}

	s, err := openStore(ctx, a)
	if err != nil {
		return err
	}

	vec, err := a.Embedder().Embed(ctx, record.Title+"\n"+content)
	if err != nil {
		return fmt.Errorf("embed record: %w", err)
	}

	metadata := map[string]string{"source": "catalog", "naId": naID}
	if record.Date != "" {
		metadata["date"] = record.Date
	}
	if record.Creator != "" {
		metadata["creator"] = record.Creator
	}

	doc := store.Document{
		ID:        "naid-" + naID,
		Title:     record.Title,
		Content:   content,
		Metadata:  metadata,
		Embedding: vec,
	}
	if err := s.Upsert(ctx, doc); err != nil {
		return fmt.Errorf("store record: %w", err)
	}

	fmt.Printf("Indexed catalog record %s (%s)\n", naID, record.Title)
	return nil
}

func openStore(ctx context.Context, a *app.App) (*store.Store, error) {
	pool, err := a.Pool(ctx)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store.New(pool, a.Config.EmbeddingDimensions, a.Logger), nil
}
