package ace

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/XiaoConstantine/ace-go/pkg/errors"
	"github.com/XiaoConstantine/ace-go/pkg/logging"
	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/memory"
	"github.com/apache/arrow/go/v13/parquet/file"
	"github.com/apache/arrow/go/v13/parquet/pqarrow"
)

// SeedBullet is one row of a seed corpus: a category name and the
// guidance text. IDs and metadata are assigned at load time.
type SeedBullet struct {
	Category string `json:"category"`
	Content  string `json:"content"`
}

// LoadSeedFile reads a seed corpus from a JSON or Parquet file.
func LoadSeedFile(ctx context.Context, path string) ([]SeedBullet, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return loadJSONSeeds(path)
	case ".parquet":
		return loadParquetSeeds(ctx, path)
	}
	return nil, errors.WithFields(
		errors.New(errors.Unsupported, "seed corpus must be .json or .parquet"),
		errors.Fields{"path": path},
	)
}

func loadJSONSeeds(path string) ([]SeedBullet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seeds []SeedBullet
	if err := json.Unmarshal(data, &seeds); err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.SerializationFailed, "seed corpus is not a valid JSON list"),
			errors.Fields{"path": path},
		)
	}
	return seeds, nil
}

func loadParquetSeeds(ctx context.Context, path string) ([]SeedBullet, error) {
	reader, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.SerializationFailed, "failed to open Parquet seed corpus"),
			errors.Fields{"path": path},
		)
	}
	defer reader.Close()

	arrowReader, err := pqarrow.NewFileReader(reader, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return nil, errors.Wrap(err, errors.SerializationFailed, "failed to read Parquet seed corpus")
	}

	schema, err := arrowReader.Schema()
	if err != nil {
		return nil, errors.Wrap(err, errors.SerializationFailed, "failed to read Parquet schema")
	}
	categoryIndices := schema.FieldIndices("category")
	contentIndices := schema.FieldIndices("content")
	if len(categoryIndices) == 0 || len(contentIndices) == 0 {
		return nil, errors.WithFields(
			errors.New(errors.InvalidInput, "seed corpus needs 'category' and 'content' columns"),
			errors.Fields{"path": path},
		)
	}

	table, err := arrowReader.ReadTable(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.SerializationFailed, "failed to read Parquet table")
	}
	defer table.Release()

	categories, err := stringColumn(table.Column(categoryIndices[0]))
	if err != nil {
		return nil, err
	}
	contents, err := stringColumn(table.Column(contentIndices[0]))
	if err != nil {
		return nil, err
	}

	seeds := make([]SeedBullet, 0, len(contents))
	for i := range contents {
		seeds = append(seeds, SeedBullet{Category: categories[i], Content: contents[i]})
	}
	return seeds, nil
}

// stringColumn flattens a string column across all of its chunks.
func stringColumn(col *arrow.Column) ([]string, error) {
	var out []string
	for _, chunk := range col.Data().Chunks() {
		strs, ok := chunk.(*array.String)
		if !ok {
			return nil, errors.WithFields(
				errors.New(errors.SerializationFailed, "seed corpus column is not a string column"),
				errors.Fields{"column": col.Name()},
			)
		}
		for i := 0; i < strs.Len(); i++ {
			out = append(out, strs.Value(i))
		}
	}
	return out, nil
}

// SeedFromFile loads a seed corpus into the store under the pass lock.
// Rows with unknown categories are substituted onto the closest valid
// one, rows below the minimum content length are dropped, and loading
// stops at the playbook bound. Returns the number of bullets added.
func (m *Manager) SeedFromFile(ctx context.Context, path string) (int, error) {
	seeds, err := LoadSeedFile(ctx, path)
	if err != nil {
		return 0, err
	}
	logger := logging.GetLogger()

	unlock, err := m.acquirePass()
	if err != nil {
		return 0, err
	}
	defer unlock()

	if err := m.store.Load(); err != nil {
		return 0, err
	}

	working := m.store.Clone()
	added, skipped := 0, 0
	for _, seed := range seeds {
		if working.Size() >= m.config.MaxPlaybookSize {
			logger.Warn(ctx, "Seed corpus truncated at the playbook bound of %d", m.config.MaxPlaybookSize)
			break
		}

		content := strings.TrimSpace(seed.Content)
		if len(content) < m.config.MinContentLength {
			skipped++
			continue
		}

		category := seed.Category
		if cat, ok := m.taxonomy.Get(category); ok {
			category = cat.Name
		} else {
			substitute := m.taxonomy.Closest(category)
			logger.Info(ctx, "Seed row category %q substituted with %q", category, substitute)
			category = substitute
		}

		id, err := working.mintID(category)
		if err != nil {
			return 0, err
		}
		bullet := Bullet{
			ID:       id,
			Category: category,
			Content:  content,
			Metadata: BulletMetadata{Source: SourceSeed, CreatedAt: time.Now().UTC()},
		}
		if err := working.insert(bullet); err != nil {
			return 0, err
		}
		added++
	}
	if skipped > 0 {
		logger.Info(ctx, "Skipped %d seed rows below %d chars", skipped, m.config.MinContentLength)
	}

	m.store.adopt(working)
	if err := m.store.Save(); err != nil {
		if loadErr := m.store.Load(); loadErr != nil {
			logger.Error(ctx, "Failed to reload store after save failure: %v", loadErr)
		}
		return 0, err
	}

	if _, err := m.RefreshSnapshot(ctx); err != nil {
		logger.Warn(ctx, "Failed to refresh snapshot after seeding: %v", err)
	}
	logger.Info(ctx, "Seeded %d bullets from %s", added, path)
	return added, nil
}
