package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/facture-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS prompts (
	id              TEXT PRIMARY KEY,
	version         TEXT NOT NULL UNIQUE,
	prompt_template TEXT NOT NULL,
	model_name      TEXT NOT NULL,
	is_active       BOOLEAN NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_prompts_single_active ON prompts(is_active) WHERE is_active = 1;

CREATE TABLE IF NOT EXISTS supplier_patterns (
	id            TEXT PRIMARY KEY,
	supplier_name TEXT NOT NULL,
	supplier_key  TEXT NOT NULL,
	field_name    TEXT NOT NULL,
	example_value TEXT,
	regex_hint    TEXT,
	sample_count  INTEGER NOT NULL DEFAULT 0 CHECK (sample_count >= 0),
	last_updated  DATETIME NOT NULL DEFAULT (datetime('now')),
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (supplier_key, field_name)
);

CREATE TABLE IF NOT EXISTS extractions (
	id                 TEXT PRIMARY KEY,
	facture_id         TEXT NOT NULL,
	ocr_text           TEXT NOT NULL,
	ocr_confidence     REAL NOT NULL,
	ocr_metadata       TEXT NOT NULL,
	llm_raw_output     TEXT NOT NULL,
	llm_model_version  TEXT NOT NULL,
	degraded           BOOLEAN NOT NULL DEFAULT 0,
	degraded_reason    TEXT,
	output_digest      TEXT NOT NULL,
	cost_usd           REAL NOT NULL DEFAULT 0,
	input_tokens       INTEGER NOT NULL DEFAULT 0,
	output_tokens      INTEGER NOT NULL DEFAULT 0,
	blended_confidence REAL NOT NULL DEFAULT 0,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_extractions_facture_id ON extractions(facture_id);
CREATE INDEX IF NOT EXISTS idx_extractions_created_at ON extractions(created_at);

CREATE TABLE IF NOT EXISTS invoices (
	id                   TEXT PRIMARY KEY,
	fournisseur          TEXT,
	data                 TEXT NOT NULL,
	statut_extraction    TEXT NOT NULL,
	confiance_globale    REAL NOT NULL,
	necessite_validation BOOLEAN NOT NULL,
	extraction_id        TEXT,
	date_extraction      DATETIME,
	updated_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS correction_history (
	id              TEXT PRIMARY KEY,
	facture_id      TEXT NOT NULL,
	extraction_id   TEXT NOT NULL,
	field_name      TEXT NOT NULL,
	original_value  TEXT NOT NULL,
	corrected_value TEXT NOT NULL,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_correction_history_facture ON correction_history(facture_id);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Prompts ---

func (s *SQLiteStore) GetActivePrompt(ctx context.Context) (*model.PromptConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE is_active = 1 ORDER BY created_at DESC LIMIT 1`)
	p, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get active prompt")
	}
	return p, nil
}

func (s *SQLiteStore) ListPrompts(ctx context.Context) ([]model.PromptConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+promptColumns+` FROM prompts ORDER BY created_at ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list prompts")
	}
	defer rows.Close()

	var out []model.PromptConfig
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan prompt")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list prompts iterate")
}

func (s *SQLiteStore) CreatePrompt(ctx context.Context, p model.PromptConfig) (*model.PromptConfig, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if p.Active {
		if _, err := tx.ExecContext(ctx, `UPDATE prompts SET is_active = 0 WHERE is_active = 1`); err != nil {
			return nil, eris.Wrap(err, "sqlite: deactivate prompts")
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO prompts (id, version, prompt_template, model_name, is_active, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Version, p.Template, p.ModelName, p.Active, p.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert prompt")
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit prompt")
	}
	return &p, nil
}

func (s *SQLiteStore) ActivatePrompt(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `UPDATE prompts SET is_active = 0 WHERE is_active = 1`); err != nil {
		return eris.Wrap(err, "sqlite: deactivate prompts")
	}
	res, err := tx.ExecContext(ctx, `UPDATE prompts SET is_active = 1 WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: activate prompt %s", id)
	}
	if err := checkRowsAffected(res, "prompt", id); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit activation")
}

// --- Supplier patterns ---

func (s *SQLiteStore) ListPatterns(ctx context.Context, supplierKey string) ([]model.SupplierPattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+patternColumns+` FROM supplier_patterns WHERE supplier_key = ? ORDER BY sample_count DESC, created_at ASC, rowid ASC`,
		supplierKey,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list patterns %s", supplierKey)
	}
	defer rows.Close()

	var out []model.SupplierPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pattern")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list patterns iterate")
}

func (s *SQLiteStore) GetPattern(ctx context.Context, supplierKey, fieldName string) (*model.SupplierPattern, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM supplier_patterns WHERE supplier_key = ? AND field_name = ?`,
		supplierKey, fieldName,
	)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get pattern %s/%s", supplierKey, fieldName)
	}
	return p, nil
}

func (s *SQLiteStore) CreatePattern(ctx context.Context, p model.SupplierPattern) (*model.SupplierPattern, error) {
	example, err := marshalNullable(p.ExampleValue)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal example value")
	}
	var exampleText *string
	if example != nil {
		exampleText = new(string)
		*exampleText = string(example)
	}
	now := time.Now().UTC()
	if p.SampleCount < 1 {
		p.SampleCount = 1
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO supplier_patterns (id, supplier_name, supplier_key, field_name, example_value, regex_hint, sample_count, last_updated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (supplier_key, field_name) DO UPDATE SET
			sample_count = supplier_patterns.sample_count + 1,
			example_value = COALESCE(excluded.example_value, supplier_patterns.example_value),
			last_updated = excluded.last_updated`,
		uuid.New().String(), p.SupplierName, p.SupplierKey, p.FieldName, exampleText, p.RegexHint, p.SampleCount, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: create pattern %s/%s", p.SupplierKey, p.FieldName)
	}
	return s.GetPattern(ctx, p.SupplierKey, p.FieldName)
}

func (s *SQLiteStore) IncrementPattern(ctx context.Context, id string, at time.Time) (*model.SupplierPattern, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE supplier_patterns SET sample_count = sample_count + 1, last_updated = ? WHERE id = ?`,
		at.UTC(), id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: increment pattern %s", id)
	}
	if err := checkRowsAffected(res, "pattern", id); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM supplier_patterns WHERE id = ?`, id)
	p, err := scanPattern(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: reload pattern %s", id)
	}
	return p, nil
}

// --- Extractions ---

func (s *SQLiteStore) InsertExtraction(ctx context.Context, rec *model.ExtractionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = time.Now().UTC()

	meta, err := json.Marshal(rec.OcrMetadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal ocr metadata")
	}
	output, err := json.Marshal(rec.LlmRawOutput)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal llm output")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO extractions (`+extractionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.FactureID, rec.OcrText, rec.OcrConfidence, string(meta), string(output), rec.ModelVersion,
		rec.Degraded, nullString(rec.DegradedReason), rec.OutputDigest, rec.CostUSD,
		rec.InputTokens, rec.OutputTokens, rec.Blended, rec.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert extraction for facture %s", rec.FactureID)
	}
	return nil
}

func (s *SQLiteStore) GetExtraction(ctx context.Context, id string) (*model.ExtractionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+extractionColumns+` FROM extractions WHERE id = ?`, id)
	rec, err := scanExtraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get extraction %s", id)
	}
	return rec, nil
}

func (s *SQLiteStore) ListExtractions(ctx context.Context, filter ExtractionFilter) ([]model.ExtractionRecord, error) {
	query := `SELECT ` + extractionColumns + ` FROM extractions WHERE 1=1`
	var args []any

	if filter.FactureID != "" {
		query += ` AND facture_id = ?`
		args = append(args, filter.FactureID)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list extractions")
	}
	defer rows.Close()

	var out []model.ExtractionRecord
	for rows.Next() {
		rec, err := scanExtraction(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan extraction")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list extractions iterate")
}

// --- Invoices ---

func (s *SQLiteStore) UpsertInvoice(ctx context.Context, inv *model.Invoice) error {
	data, err := json.Marshal(inv.Data)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal invoice data")
	}
	inv.UpdatedAt = time.Now().UTC()

	var extractedAt any
	if inv.ExtractedAt != nil {
		extractedAt = inv.ExtractedAt.UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO invoices (`+invoiceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			fournisseur = excluded.fournisseur,
			data = excluded.data,
			statut_extraction = excluded.statut_extraction,
			confiance_globale = excluded.confiance_globale,
			necessite_validation = excluded.necessite_validation,
			extraction_id = excluded.extraction_id,
			date_extraction = excluded.date_extraction,
			updated_at = excluded.updated_at`,
		inv.ID, nullString(inv.Fournisseur), string(data), string(inv.Status), inv.GlobalConfidence,
		inv.RequiresValidation, nullString(inv.ExtractionID), extractedAt, inv.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert invoice %s", inv.ID)
	}
	return nil
}

func (s *SQLiteStore) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get invoice %s", id)
	}
	return inv, nil
}

func (s *SQLiteStore) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]model.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE 1=1`
	var args []any

	if filter.RequiresValidation != nil {
		query += ` AND necessite_validation = ?`
		args = append(args, *filter.RequiresValidation)
	}
	if filter.Status != "" {
		query += ` AND statut_extraction = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list invoices")
	}
	defer rows.Close()

	var out []model.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan invoice")
		}
		out = append(out, *inv)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list invoices iterate")
}

// --- Correction history ---

func (s *SQLiteStore) InsertCorrections(ctx context.Context, entries []model.CorrectionEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO correction_history (id, facture_id, extraction_id, field_name, original_value, corrected_value, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare correction insert")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range entries {
		e := &entries[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.FactureID, e.ExtractionID, e.FieldName, e.OriginalValue, e.CorrectedValue, e.CreatedAt); err != nil {
			return eris.Wrapf(err, "sqlite: insert correction %s", e.FieldName)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit corrections")
}

func (s *SQLiteStore) ListCorrections(ctx context.Context, factureID string) ([]model.CorrectionEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, facture_id, extraction_id, field_name, original_value, corrected_value, created_at
		FROM correction_history WHERE facture_id = ? ORDER BY created_at ASC, field_name ASC`,
		factureID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list corrections %s", factureID)
	}
	defer rows.Close()

	var out []model.CorrectionEntry
	for rows.Next() {
		var e model.CorrectionEntry
		if err := rows.Scan(&e.ID, &e.FactureID, &e.ExtractionID, &e.FieldName, &e.OriginalValue, &e.CorrectedValue, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan correction")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list corrections iterate")
}

func (s *SQLiteStore) CountCorrections(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM correction_history WHERE created_at > ?`, since.UTC()).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: count corrections")
	}
	return n, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
