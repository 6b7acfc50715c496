package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/facture-cli/internal/db"
	"github.com/sells-group/facture-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS prompts (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	version         TEXT NOT NULL UNIQUE,
	prompt_template TEXT NOT NULL,
	model_name      TEXT NOT NULL,
	is_active       BOOLEAN NOT NULL DEFAULT false,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_prompts_single_active ON prompts(is_active) WHERE is_active;

CREATE TABLE IF NOT EXISTS supplier_patterns (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	supplier_name TEXT NOT NULL,
	supplier_key  TEXT NOT NULL,
	field_name    TEXT NOT NULL,
	example_value JSONB,
	regex_hint    TEXT,
	sample_count  INTEGER NOT NULL DEFAULT 0 CHECK (sample_count >= 0),
	last_updated  TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (supplier_key, field_name)
);

CREATE INDEX IF NOT EXISTS idx_supplier_patterns_key ON supplier_patterns(supplier_key, sample_count DESC);

CREATE TABLE IF NOT EXISTS extractions (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	facture_id         TEXT NOT NULL,
	ocr_text           TEXT NOT NULL,
	ocr_confidence     DOUBLE PRECISION NOT NULL,
	ocr_metadata       JSONB NOT NULL,
	llm_raw_output     JSONB NOT NULL,
	llm_model_version  TEXT NOT NULL,
	degraded           BOOLEAN NOT NULL DEFAULT false,
	degraded_reason    TEXT,
	output_digest      TEXT NOT NULL,
	cost_usd           DOUBLE PRECISION NOT NULL DEFAULT 0,
	input_tokens       BIGINT NOT NULL DEFAULT 0,
	output_tokens      BIGINT NOT NULL DEFAULT 0,
	blended_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_extractions_facture_id ON extractions(facture_id);
CREATE INDEX IF NOT EXISTS idx_extractions_created_at ON extractions(created_at);

CREATE TABLE IF NOT EXISTS invoices (
	id                   TEXT PRIMARY KEY,
	fournisseur          TEXT,
	data                 JSONB NOT NULL,
	statut_extraction    TEXT NOT NULL,
	confiance_globale    DOUBLE PRECISION NOT NULL,
	necessite_validation BOOLEAN NOT NULL,
	extraction_id        TEXT,
	date_extraction      TIMESTAMPTZ,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_invoices_validation ON invoices(necessite_validation);

CREATE TABLE IF NOT EXISTS correction_history (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	facture_id      TEXT NOT NULL,
	extraction_id   TEXT NOT NULL,
	field_name      TEXT NOT NULL,
	original_value  TEXT NOT NULL,
	corrected_value TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_correction_history_facture ON correction_history(facture_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Prompts ---

const promptColumns = `id, version, prompt_template, model_name, is_active, created_at`

func (s *PostgresStore) GetActivePrompt(ctx context.Context) (*model.PromptConfig, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE is_active = true ORDER BY created_at DESC LIMIT 1`)
	p, err := scanPrompt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get active prompt")
	}
	return p, nil
}

func (s *PostgresStore) ListPrompts(ctx context.Context) ([]model.PromptConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+promptColumns+` FROM prompts ORDER BY created_at ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list prompts")
	}
	defer rows.Close()

	var out []model.PromptConfig
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan prompt")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list prompts rows")
}

func (s *PostgresStore) CreatePrompt(ctx context.Context, p model.PromptConfig) (*model.PromptConfig, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt = time.Now().UTC()

	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if p.Active {
			if _, err := tx.Exec(ctx, `UPDATE prompts SET is_active = false WHERE is_active = true`); err != nil {
				return eris.Wrap(err, "postgres: deactivate prompts")
			}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO prompts (id, version, prompt_template, model_name, is_active, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			p.ID, p.Version, p.Template, p.ModelName, p.Active, p.CreatedAt,
		)
		return eris.Wrap(err, "postgres: insert prompt")
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ActivatePrompt(ctx context.Context, id string) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE prompts SET is_active = false WHERE is_active = true`); err != nil {
			return eris.Wrap(err, "postgres: deactivate prompts")
		}
		tag, err := tx.Exec(ctx, `UPDATE prompts SET is_active = true WHERE id = $1`, id)
		if err != nil {
			return eris.Wrapf(err, "postgres: activate prompt %s", id)
		}
		if tag.RowsAffected() == 0 {
			return eris.Errorf("prompt not found: %s", id)
		}
		return nil
	})
}

// --- Supplier patterns ---

const patternColumns = `id, supplier_name, supplier_key, field_name, example_value, regex_hint, sample_count, last_updated, created_at`

func (s *PostgresStore) ListPatterns(ctx context.Context, supplierKey string) ([]model.SupplierPattern, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+patternColumns+` FROM supplier_patterns WHERE supplier_key = $1 ORDER BY sample_count DESC, created_at ASC`,
		supplierKey,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list patterns %s", supplierKey)
	}
	defer rows.Close()

	var out []model.SupplierPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan pattern")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list patterns rows")
}

func (s *PostgresStore) GetPattern(ctx context.Context, supplierKey, fieldName string) (*model.SupplierPattern, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+patternColumns+` FROM supplier_patterns WHERE supplier_key = $1 AND field_name = $2`,
		supplierKey, fieldName,
	)
	p, err := scanPattern(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get pattern %s/%s", supplierKey, fieldName)
	}
	return p, nil
}

func (s *PostgresStore) CreatePattern(ctx context.Context, p model.SupplierPattern) (*model.SupplierPattern, error) {
	example, err := marshalNullable(p.ExampleValue)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal example value")
	}
	now := time.Now().UTC()
	if p.SampleCount < 1 {
		p.SampleCount = 1
	}

	// A concurrent learner may have created the same key; fold into it.
	row := s.pool.QueryRow(ctx,
		`INSERT INTO supplier_patterns (id, supplier_name, supplier_key, field_name, example_value, regex_hint, sample_count, last_updated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (supplier_key, field_name) DO UPDATE SET
			sample_count = supplier_patterns.sample_count + 1,
			example_value = COALESCE(EXCLUDED.example_value, supplier_patterns.example_value),
			last_updated = EXCLUDED.last_updated
		RETURNING `+patternColumns,
		uuid.New().String(), p.SupplierName, p.SupplierKey, p.FieldName, example, p.RegexHint, p.SampleCount, now,
	)
	out, err := scanPattern(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: create pattern %s/%s", p.SupplierKey, p.FieldName)
	}
	return out, nil
}

func (s *PostgresStore) IncrementPattern(ctx context.Context, id string, at time.Time) (*model.SupplierPattern, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE supplier_patterns SET sample_count = sample_count + 1, last_updated = $1 WHERE id = $2 RETURNING `+patternColumns,
		at.UTC(), id,
	)
	p, err := scanPattern(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("pattern not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: increment pattern %s", id)
	}
	return p, nil
}

// --- Extractions ---

const extractionColumns = `id, facture_id, ocr_text, ocr_confidence, ocr_metadata, llm_raw_output, llm_model_version, degraded, degraded_reason, output_digest, cost_usd, input_tokens, output_tokens, blended_confidence, created_at`

func (s *PostgresStore) InsertExtraction(ctx context.Context, rec *model.ExtractionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = time.Now().UTC()

	meta, err := json.Marshal(rec.OcrMetadata)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal ocr metadata")
	}
	output, err := json.Marshal(rec.LlmRawOutput)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal llm output")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO extractions (`+extractionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.ID, rec.FactureID, rec.OcrText, rec.OcrConfidence, meta, output, rec.ModelVersion,
		rec.Degraded, nullString(rec.DegradedReason), rec.OutputDigest, rec.CostUSD,
		rec.InputTokens, rec.OutputTokens, rec.Blended, rec.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert extraction for facture %s", rec.FactureID)
	}
	return nil
}

func (s *PostgresStore) GetExtraction(ctx context.Context, id string) (*model.ExtractionRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+extractionColumns+` FROM extractions WHERE id = $1`, id)
	rec, err := scanExtraction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get extraction %s", id)
	}
	return rec, nil
}

func (s *PostgresStore) ListExtractions(ctx context.Context, filter ExtractionFilter) ([]model.ExtractionRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.FactureID != "" {
		args = append(args, filter.FactureID)
		where = append(where, fmt.Sprintf("facture_id = $%d", len(args)))
	}
	if !filter.CreatedAfter.IsZero() {
		args = append(args, filter.CreatedAfter.UTC())
		where = append(where, fmt.Sprintf("created_at > $%d", len(args)))
	}

	query := `SELECT ` + extractionColumns + ` FROM extractions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list extractions")
	}
	defer rows.Close()

	var out []model.ExtractionRecord
	for rows.Next() {
		rec, err := scanExtraction(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan extraction")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list extractions rows")
}

// --- Invoices ---

const invoiceColumns = `id, fournisseur, data, statut_extraction, confiance_globale, necessite_validation, extraction_id, date_extraction, updated_at`

func (s *PostgresStore) UpsertInvoice(ctx context.Context, inv *model.Invoice) error {
	data, err := json.Marshal(inv.Data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal invoice data")
	}
	inv.UpdatedAt = time.Now().UTC()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO invoices (`+invoiceColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			fournisseur = EXCLUDED.fournisseur,
			data = EXCLUDED.data,
			statut_extraction = EXCLUDED.statut_extraction,
			confiance_globale = EXCLUDED.confiance_globale,
			necessite_validation = EXCLUDED.necessite_validation,
			extraction_id = EXCLUDED.extraction_id,
			date_extraction = EXCLUDED.date_extraction,
			updated_at = EXCLUDED.updated_at`,
		inv.ID, nullString(inv.Fournisseur), data, string(inv.Status), inv.GlobalConfidence,
		inv.RequiresValidation, nullString(inv.ExtractionID), inv.ExtractedAt, inv.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert invoice %s", inv.ID)
	}
	return nil
}

func (s *PostgresStore) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get invoice %s", id)
	}
	return inv, nil
}

func (s *PostgresStore) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]model.Invoice, error) {
	var (
		where []string
		args  []any
	)
	if filter.RequiresValidation != nil {
		args = append(args, *filter.RequiresValidation)
		where = append(where, fmt.Sprintf("necessite_validation = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("statut_extraction = $%d", len(args)))
	}

	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list invoices")
	}
	defer rows.Close()

	var out []model.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan invoice")
		}
		out = append(out, *inv)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list invoices rows")
}

// --- Correction history ---

var correctionColumns = []string{"id", "facture_id", "extraction_id", "field_name", "original_value", "corrected_value", "created_at"}

func (s *PostgresStore) InsertCorrections(ctx context.Context, entries []model.CorrectionEntry) error {
	now := time.Now().UTC()
	rows := make([][]any, len(entries))
	for i := range entries {
		e := &entries[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		rows[i] = []any{e.ID, e.FactureID, e.ExtractionID, e.FieldName, e.OriginalValue, e.CorrectedValue, e.CreatedAt}
	}
	_, err := db.CopyFrom(ctx, s.pool, "correction_history", correctionColumns, rows)
	return eris.Wrap(err, "postgres: insert corrections")
}

func (s *PostgresStore) ListCorrections(ctx context.Context, factureID string) ([]model.CorrectionEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, facture_id, extraction_id, field_name, original_value, corrected_value, created_at
		FROM correction_history WHERE facture_id = $1 ORDER BY created_at ASC, field_name ASC`,
		factureID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list corrections %s", factureID)
	}
	defer rows.Close()

	var out []model.CorrectionEntry
	for rows.Next() {
		var e model.CorrectionEntry
		if err := rows.Scan(&e.ID, &e.FactureID, &e.ExtractionID, &e.FieldName, &e.OriginalValue, &e.CorrectedValue, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan correction")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list corrections rows")
}

func (s *PostgresStore) CountCorrections(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM correction_history WHERE created_at > $1`, since.UTC()).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: count corrections")
	}
	return n, nil
}
