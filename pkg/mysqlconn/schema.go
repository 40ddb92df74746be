package mysqlconn

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cdcsource/mysql-incremental-source/pkg/cdc/split"
)

// SchemaProvider implements iface.TableSchemaProvider over
// INFORMATION_SCHEMA, grounded on the teacher's own
// "SELECT ... FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = ? AND
// TABLE_NAME = ?" query shape (pkg/migration/runner.go).
type SchemaProvider struct {
	db *sql.DB
}

func NewSchemaProvider(db *sql.DB) *SchemaProvider { return &SchemaProvider{db: db} }

// ListTables returns every base table in database, for the CLI entrypoint
// to filter through config.Config.MatchesTable before handing tables to
// the assigner.
func (p *SchemaProvider) ListTables(ctx context.Context, database string) ([]split.TableID, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT TABLE_NAME
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'`, database)
	if err != nil {
		return nil, fmt.Errorf("cdc: listing tables for %s: %w", database, err)
	}
	defer rows.Close()

	var out []split.TableID
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("cdc: scanning table name for %s: %w", database, err)
		}
		out = append(out, split.TableID{Schema: database, Table: name})
	}
	return out, rows.Err()
}

// Describe reads column order and key columns for table, preferring a
// single-column PRIMARY KEY as the chunk key (spec.md 4.C: chunking needs
// an orderable, preferably unique key) and falling back to the full
// primary key tuple when it's composite.
func (p *SchemaProvider) Describe(ctx context.Context, table split.TableID) (split.TableSchema, error) {
	cols, err := p.columns(ctx, table)
	if err != nil {
		return split.TableSchema{}, err
	}
	pk, err := p.primaryKey(ctx, table)
	if err != nil {
		return split.TableSchema{}, err
	}

	names := make([]string, 0, len(cols))
	types := make(map[string]split.ColumnType, len(cols))
	for _, c := range cols {
		names = append(names, c.name)
		types[c.name] = c.chunkType
	}

	chunkKeyCols := pk
	chunkKeyTypes := make([]split.ColumnType, len(chunkKeyCols))
	for i, c := range chunkKeyCols {
		chunkKeyTypes[i] = types[c]
	}

	return split.TableSchema{
		ID:               table,
		Columns:          names,
		ChunkKeyCols:     chunkKeyCols,
		ChunkKeyTypes:    chunkKeyTypes,
		PrimaryKey:       pk,
		UniqueOnChunkKey: len(pk) > 0,
	}, nil
}

type column struct {
	name      string
	chunkType split.ColumnType
}

func (p *SchemaProvider) columns(ctx context.Context, table split.TableID) ([]column, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT COLUMN_NAME, DATA_TYPE, COLUMN_TYPE
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, table.Schema, table.Table)
	if err != nil {
		return nil, fmt.Errorf("cdc: describing columns for %s: %w", table, err)
	}
	defer rows.Close()

	var out []column
	for rows.Next() {
		var name, dataType, columnType string
		if err := rows.Scan(&name, &dataType, &columnType); err != nil {
			return nil, fmt.Errorf("cdc: scanning column for %s: %w", table, err)
		}
		out = append(out, column{name: name, chunkType: chunkTypeFor(dataType, columnType)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("cdc: table %s has no columns (does it exist?)", table)
	}
	return out, nil
}

func (p *SchemaProvider) primaryKey(ctx context.Context, table split.TableID) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION`, table.Schema, table.Table)
	if err != nil {
		return nil, fmt.Errorf("cdc: describing primary key for %s: %w", table, err)
	}
	defer rows.Close()

	var pk []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("cdc: scanning primary key column for %s: %w", table, err)
		}
		pk = append(pk, name)
	}
	return pk, rows.Err()
}

func chunkTypeFor(dataType, columnType string) split.ColumnType {
	switch dataType {
	case "tinyint", "smallint", "mediumint", "int", "bigint":
		if len(columnType) > len("unsigned") && columnType[len(columnType)-len("unsigned"):] == "unsigned" {
			return split.ColumnTypeUnsignedInt
		}
		return split.ColumnTypeInt
	case "float", "double", "decimal":
		return split.ColumnTypeFloat
	case "binary", "varbinary", "blob", "tinyblob", "mediumblob", "longblob":
		return split.ColumnTypeBinary
	case "char", "varchar", "text", "tinytext", "mediumtext", "longtext":
		return split.ColumnTypeString
	default:
		return split.ColumnTypeUnknown
	}
}
