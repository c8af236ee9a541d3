// Package catalog is the thin external collaborator spec §1 keeps out of
// the core: table-directory creation and the meta.txt schema text format.
// internal/storage only ever sees it through the storage.Catalog interface.
package catalog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"

	"minidb/internal/storage"
)

const metaFileName = "meta.txt"

var typeToken = regexp.MustCompile(`^(int4|int8|string(\d+))$`)

func formatType(f storage.Field) (string, error) {
	switch f.Type {
	case storage.Int4:
		return "int4", nil
	case storage.Int8:
		return "int8", nil
	case storage.String:
		return fmt.Sprintf("string%d", f.Length), nil
	default:
		return "", storage.ParseErrorf(nil, "unknown field type %v", f.Type)
	}
}

func parseType(token string) (storage.FieldType, int, error) {
	m := typeToken.FindStringSubmatch(token)
	if m == nil {
		return 0, 0, storage.ParseErrorf(nil, "unrecognized field type %q", token)
	}
	switch {
	case token == "int4":
		return storage.Int4, 4, nil
	case token == "int8":
		return storage.Int8, 8, nil
	default:
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return 0, 0, storage.ParseErrorf(err, "bad string length in %q", token)
		}
		return storage.String, n, nil
	}
}

// Catalog resolves table names to storage.Schema and owns the
// Tables/<table>/ directory layout described in spec §6. GetSchema
// results are cached read-through in a ristretto cache, since table
// schemas are immutable once created and are looked up on every insert
// and find.
type Catalog struct {
	rootDir string
	pool    *storage.BufferPool
	cache   *ristretto.Cache[string, storage.Schema]
	logger  *zap.Logger
}

// New builds a Catalog rooted at rootDir (conventionally "Tables").
func New(rootDir string, pool *storage.BufferPool, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, storage.Schema]{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: build schema cache: %w", err)
	}
	return &Catalog{rootDir: rootDir, pool: pool, cache: cache, logger: logger}, nil
}

// Close releases the schema cache's background resources.
func (c *Catalog) Close() {
	c.cache.Close()
}

// TableDir returns the directory holding table's data/index/meta files.
func (c *Catalog) TableDir(table string) string {
	return filepath.Join(c.rootDir, table)
}

func (c *Catalog) metaPath(table string) string {
	return filepath.Join(c.TableDir(table), metaFileName)
}

// GetSchema reads and parses table's meta.txt, per spec §6's two-line
// format, consulting the cache first.
func (c *Catalog) GetSchema(table string) (storage.Schema, error) {
	if schema, ok := c.cache.Get(table); ok {
		return schema, nil
	}

	f, err := os.Open(c.metaPath(table))
	if err != nil {
		if os.IsNotExist(err) {
			return storage.Schema{}, storage.NotFoundf("table %q has no schema", table)
		}
		return storage.Schema{}, storage.IoErrorf(err, "open meta for table %q", table)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lines := make([]string, 0, 2)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return storage.Schema{}, storage.IoErrorf(err, "read meta for table %q", table)
	}
	if len(lines) < 1 {
		return storage.Schema{}, storage.ParseErrorf(nil, "table %q: meta.txt is empty", table)
	}

	schema, err := parseMeta(table, lines)
	if err != nil {
		return storage.Schema{}, err
	}

	c.cache.Set(table, schema, 1)
	c.cache.Wait()
	return schema, nil
}

func parseMeta(table string, lines []string) (storage.Schema, error) {
	schema := storage.Schema{TableName: table}

	for _, pair := range strings.Split(lines[0], ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.Fields(pair)
		if len(parts) != 2 {
			return storage.Schema{}, storage.ParseErrorf(nil, "table %q: malformed field declaration %q", table, pair)
		}
		fieldType, length, err := parseType(parts[0])
		if err != nil {
			return storage.Schema{}, err
		}
		schema.Fields = append(schema.Fields, storage.Field{
			Name:   parts[1],
			Type:   fieldType,
			Length: length,
		})
	}

	if len(lines) >= 2 {
		for _, key := range strings.Split(lines[1], ",") {
			key = strings.TrimSpace(key)
			if key != "" {
				schema.UniqueKeys = append(schema.UniqueKeys, key)
			}
		}
	}

	return schema, nil
}

// CreateTable writes a fresh table directory: meta.txt plus an
// initialized free-space map, per spec §4.4's initialize() and §6's
// directory layout. data.tbl and <field>.idx files are created lazily on
// first write, matching C1's "page is created lazily on first reference".
func (c *Catalog) CreateTable(table string, fields []storage.Field, uniqueKeys []string) error {
	dir := c.TableDir(table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storage.IoErrorf(err, "create directory for table %q", table)
	}

	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteString(",")
		}
		typeToken, err := formatType(f)
		if err != nil {
			return err
		}
		b.WriteString(typeToken)
		b.WriteString(" ")
		b.WriteString(f.Name)
	}
	b.WriteString("\n")
	b.WriteString(strings.Join(uniqueKeys, ","))
	b.WriteString("\n")

	if err := os.WriteFile(c.metaPath(table), []byte(b.String()), 0o644); err != nil {
		return storage.IoErrorf(err, "write meta for table %q", table)
	}

	schema := storage.Schema{TableName: table, Fields: fields, UniqueKeys: uniqueKeys}
	fsm := storage.NewFreeSpaceMap(dir, schema.RecordsPerPage(c.pool.PageSize()), c.pool)
	if err := fsm.Initialize(); err != nil {
		return err
	}
	// Initialize only fills the pool's META frame; write it out so the map
	// is on disk alongside meta.txt.
	if err := c.pool.Flush(dir+"/free_space.meta", 0, storage.Meta); err != nil {
		return err
	}

	c.cache.Set(table, schema, 1)
	c.cache.Wait()
	return nil
}
