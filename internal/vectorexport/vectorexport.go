// Package vectorexport snapshots a session's stored embeddings into a
// portable chromem-go collection file. The export is read-only over the
// relational store; importing the file elsewhere gives a standalone vector
// index without the Postgres dependency.
package vectorexport

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"ragbench/internal/db"
)

// Store is the subset of the relational store the exporter reads.
type Store interface {
	GetSession(ctx context.Context, id int64) (*db.Session, error)
	GetEmbeddings(ctx context.Context, sessionID int64, modelKey, variant string) ([]db.Embedding, error)
}

// Exporter writes one .chromem file per (session, model) under dir.
type Exporter struct {
	store Store
	dir   string
}

func New(store Store, dir string) *Exporter {
	return &Exporter{store: store, dir: dir}
}

func collectionName(sessionID int64, modelKey string) string {
	return fmt.Sprintf("session_%d_%s", sessionID, modelKey)
}

// Export materializes all embeddings of one model (both chunk variants) into
// a persistent collection and exports it to a file. Returns the file path and
// the number of exported documents.
func (e *Exporter) Export(ctx context.Context, sessionID int64, modelKey string) (string, int, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", 0, err
	}
	if sess == nil {
		return "", 0, fmt.Errorf("session %d not found", sessionID)
	}

	rows, err := e.store.GetEmbeddings(ctx, sessionID, modelKey, db.VariantAll)
	if err != nil {
		return "", 0, err
	}
	if len(rows) == 0 {
		return "", 0, fmt.Errorf("no embeddings for session %d model %s", sessionID, modelKey)
	}

	name := collectionName(sessionID, modelKey)
	store := chromem.NewDB()
	collection, err := store.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return "", 0, fmt.Errorf("create collection: %w", err)
	}

	docs := make([]chromem.Document, 0, len(rows))
	for _, row := range rows {
		vec, err := db.DecodeVector(row.Vector)
		if err != nil {
			return "", 0, fmt.Errorf("chunk %d: %w", row.ChunkID, err)
		}
		docs = append(docs, chromem.Document{
			ID:      fmt.Sprintf("%s_%d", row.ChunkVariant, row.ChunkID),
			Content: row.ChunkText,
			Metadata: map[string]string{
				"session_id": strconv.FormatInt(sessionID, 10),
				"filename":   sess.Filename,
				"chunk_id":   strconv.FormatInt(row.ChunkID, 10),
				"variant":    row.ChunkVariant,
				"model":      modelKey,
			},
			Embedding: vec,
		})
	}
	if err := collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return "", 0, fmt.Errorf("add documents: %w", err)
	}

	path := filepath.Join(e.dir, name+".chromem")
	if err := store.ExportToFile(path, false, "", name); err != nil {
		return "", 0, fmt.Errorf("export collection: %w", err)
	}
	log.Info().Int64("session", sessionID).Str("model", modelKey).Int("documents", len(docs)).Str("path", path).Msg("vector export written")
	return path, len(docs), nil
}
