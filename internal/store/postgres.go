package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reloquent/carryover/internal/apperrors"
	"github.com/reloquent/carryover/internal/model"
)

// PostgresOptions configures the destination connection pool.
type PostgresOptions struct {
	DSN      string
	MaxConns int32
}

// PostgresStore implements Store on the destination PostgreSQL database.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to the destination database and verifies the
// connection.
func NewPostgresStore(ctx context.Context, opts PostgresOptions, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing destination DSN: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to destination: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging destination: %w", classify(err))
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// classify marks errors worth retrying as transient. Everything else is
// returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "57P01", // admin_shutdown
			pgErr.Code == "53300": // too_many_connections
			return apperrors.Transient(err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
		return apperrors.Transient(err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, apperrors.ErrNotFound)...)
	}
	return classify(err)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
	return classify(err)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return classify(pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, fn))
}

type pgTx struct {
	tx pgx.Tx
}

const recordColumns = `legacy_id, type_id, destination_content_id, processed,
	legacy_last_updated, storage_path, downloaded, created_at, updated_at`

func scanRecord(row pgx.Row) (*model.MigrationRecord, error) {
	var r model.MigrationRecord
	err := row.Scan(&r.LegacyID, &r.TypeID, &r.DestinationID, &r.Processed,
		&r.LegacyLastUpdated, &r.StoragePath, &r.Downloaded, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *pgTx) LockRecord(ctx context.Context, legacyID string) (*model.MigrationRecord, error) {
	// The advisory lock covers records that do not exist yet.
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, legacyID); err != nil {
		return nil, classify(err)
	}
	rec, err := scanRecord(t.tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM migration_records WHERE legacy_id = $1 FOR UPDATE`, legacyID))
	if err != nil {
		return nil, notFound(err, "migration record %s", legacyID)
	}
	return rec, nil
}

const contentColumns = `id, content_type, natural_key, fields, artifact_path, created_at`

func scanContent(row pgx.Row) (*model.DestinationContent, error) {
	var c model.DestinationContent
	var key string
	if err := row.Scan(&c.ID, &c.Type, &key, &c.Fields, &c.ArtifactPath, &c.CreatedAt); err != nil {
		return nil, err
	}
	nk, err := model.ParseNaturalKey(key)
	if err != nil {
		return nil, err
	}
	c.NaturalKey = nk
	return &c, nil
}

func (t *pgTx) FindContentByKey(ctx context.Context, contentType string, key model.NaturalKey) ([]model.DestinationContent, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+contentColumns+` FROM content WHERE content_type = $1 AND natural_key = $2 LIMIT 2`,
		contentType, key.String())
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.DestinationContent
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning content: %w", err)
		}
		out = append(out, *c)
	}
	return out, classify(rows.Err())
}

func (t *pgTx) ContentExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM content WHERE id = $1)`, id).Scan(&exists)
	return exists, classify(err)
}

func (t *pgTx) InsertContent(ctx context.Context, c *model.DestinationContent) error {
	fields := c.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO content (id, content_type, natural_key, fields, artifact_path)
		 VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		c.ID, c.Type, c.NaturalKey.String(), fields, c.ArtifactPath).Scan(&c.CreatedAt)
	if isUniqueViolation(err) {
		// A concurrent writer inserted the same key; a retry links to it.
		return apperrors.Transient(fmt.Errorf("inserting %s %s: %w", c.Type, c.NaturalKey, err))
	}
	return classify(err)
}

func (t *pgTx) SaveRecord(ctx context.Context, rec *model.MigrationRecord) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO migration_records (legacy_id, type_id, destination_content_id, processed,
			legacy_last_updated, storage_path, downloaded)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (legacy_id) DO UPDATE SET
			type_id = EXCLUDED.type_id,
			destination_content_id = EXCLUDED.destination_content_id,
			processed = EXCLUDED.processed,
			legacy_last_updated = EXCLUDED.legacy_last_updated,
			storage_path = EXCLUDED.storage_path,
			downloaded = EXCLUDED.downloaded,
			updated_at = now()
		 RETURNING created_at, updated_at`,
		rec.LegacyID, rec.TypeID, rec.DestinationID, rec.Processed,
		rec.LegacyLastUpdated, rec.StoragePath, rec.Downloaded).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	return classify(err)
}

func (s *PostgresStore) GetMigrationRecord(ctx context.Context, legacyID string) (*model.MigrationRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM migration_records WHERE legacy_id = $1`, legacyID))
	if err != nil {
		return nil, notFound(err, "migration record %s", legacyID)
	}
	return rec, nil
}

func (s *PostgresStore) RegisterPending(ctx context.Context, recs []model.MigrationRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(`INSERT INTO migration_records (legacy_id, type_id, legacy_last_updated, storage_path, downloaded)
			VALUES ($1, $2, $3, $4, $5) ON CONFLICT (legacy_id) DO NOTHING`,
			r.LegacyID, r.TypeID, r.LegacyLastUpdated, r.StoragePath, r.Downloaded)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var inserted int64
	for range recs {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("registering pending records: %w", classify(err))
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

func (s *PostgresStore) CountRecords(ctx context.Context, typeID string) (RecordCounts, error) {
	var c RecordCounts
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE processed), COUNT(DISTINCT destination_content_id)
		 FROM migration_records WHERE type_id = $1`, typeID).Scan(&c.Total, &c.Processed, &c.Destinations)
	if err != nil {
		return c, fmt.Errorf("counting records of %s: %w", typeID, classify(err))
	}
	return c, nil
}

func (s *PostgresStore) ResetPending(ctx context.Context, typeIDs []string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM migration_records WHERE NOT processed AND type_id = ANY($1)`, typeIDs)
	if err != nil {
		return 0, fmt.Errorf("deleting pending records: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) GetContent(ctx context.Context, id uuid.UUID) (*model.DestinationContent, error) {
	c, err := scanContent(s.pool.QueryRow(ctx, `SELECT `+contentColumns+` FROM content WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "content %s", id)
	}
	return c, nil
}

func (s *PostgresStore) CountContent(ctx context.Context, contentType string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM content WHERE content_type = $1`, contentType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s content: %w", contentType, classify(err))
	}
	return n, nil
}

func (s *PostgresStore) Watermark(ctx context.Context, typeID string) (int64, bool, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `SELECT last_updated FROM content_watermarks WHERE type_id = $1`, typeID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading watermark of %s: %w", typeID, classify(err))
	}
	return v, true, nil
}

func (s *PostgresStore) SetWatermark(ctx context.Context, typeID string, lastUpdated int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO content_watermarks (type_id, last_updated) VALUES ($1, $2)
		 ON CONFLICT (type_id) DO UPDATE SET last_updated = EXCLUDED.last_updated, updated_at = now()`,
		typeID, lastUpdated)
	if err != nil {
		return fmt.Errorf("saving watermark of %s: %w", typeID, classify(err))
	}
	return nil
}

func (s *PostgresStore) ClearWatermarks(ctx context.Context, typeIDs []string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM content_watermarks WHERE type_id = ANY($1)`, typeIDs)
	return classify(err)
}

func loadRepositoryMapping(ctx context.Context, q querier, legacyRepoID string) (*model.RepositoryMapping, error) {
	m := &model.RepositoryMapping{LegacyRepoID: legacyRepoID}
	err := q.QueryRow(ctx,
		`SELECT m.destination_repo_id, r.name, m.plugin
		 FROM repository_mappings m JOIN repositories r ON r.id = m.destination_repo_id
		 WHERE m.legacy_repo_id = $1`, legacyRepoID).Scan(&m.DestinationRepoID, &m.DestinationRepoName, &m.Plugin)
	if err != nil {
		return nil, notFound(err, "repository mapping %s", legacyRepoID)
	}

	rows, err := q.Query(ctx,
		`SELECT vm.legacy_version, rv.number, rv.id
		 FROM repository_version_mappings vm JOIN repository_versions rv ON rv.id = vm.destination_version_id
		 WHERE vm.legacy_repo_id = $1 ORDER BY vm.legacy_version`, legacyRepoID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var v model.VersionMapping
		if err := rows.Scan(&v.LegacyNumber, &v.DestinationNumber, &v.DestinationVersionID); err != nil {
			return nil, fmt.Errorf("scanning version mapping: %w", err)
		}
		m.Versions = append(m.Versions, v)
	}
	return m, classify(rows.Err())
}

func (s *PostgresStore) GetRepositoryMapping(ctx context.Context, legacyRepoID string) (*model.RepositoryMapping, error) {
	return loadRepositoryMapping(ctx, s.pool, legacyRepoID)
}

func (s *PostgresStore) ListRepositoryMappings(ctx context.Context) ([]model.RepositoryMapping, error) {
	rows, err := s.pool.Query(ctx, `SELECT legacy_repo_id FROM repository_mappings ORDER BY legacy_repo_id`)
	if err != nil {
		return nil, classify(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify(err)
	}

	out := make([]model.RepositoryMapping, 0, len(ids))
	for _, id := range ids {
		m, err := loadRepositoryMapping(ctx, s.pool, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

func (s *PostgresStore) EnsureRepository(ctx context.Context, legacyRepoID string, repo model.Repository) (*model.RepositoryMapping, bool, error) {
	var mapping *model.RepositoryMapping
	created := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 1))`, repo.Name); err != nil {
			return err
		}
		m, err := loadRepositoryMapping(ctx, tx, legacyRepoID)
		if err == nil {
			mapping = m
			return nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}

		var repoID uuid.UUID
		err = tx.QueryRow(ctx, `SELECT id FROM repositories WHERE name = $1`, repo.Name).Scan(&repoID)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			repoID = repo.ID
			if repoID == uuid.Nil {
				repoID = uuid.New()
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO repositories (id, name, plugin, description) VALUES ($1, $2, $3, $4)`,
				repoID, repo.Name, repo.Plugin, repo.Description); err != nil {
				return err
			}
			created = true
		case err != nil:
			return err
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO repository_mappings (legacy_repo_id, destination_repo_id, plugin) VALUES ($1, $2, $3)`,
			legacyRepoID, repoID, repo.Plugin); err != nil {
			return err
		}
		mapping = &model.RepositoryMapping{
			LegacyRepoID:        legacyRepoID,
			DestinationRepoID:   repoID,
			DestinationRepoName: repo.Name,
			Plugin:              repo.Plugin,
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("ensuring repository %s: %w", legacyRepoID, err)
	}
	return mapping, created, nil
}

func (s *PostgresStore) GetRepository(ctx context.Context, id uuid.UUID) (*model.Repository, error) {
	var r model.Repository
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, plugin, description, remote_id, created_at FROM repositories WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.Plugin, &r.Description, &r.RemoteID, &r.CreatedAt)
	if err != nil {
		return nil, notFound(err, "repository %s", id)
	}
	return &r, nil
}

func (s *PostgresStore) SetRepositoryRemote(ctx context.Context, repoID, remoteID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE repositories SET remote_id = $2 WHERE id = $1`, repoID, remoteID)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repository %s: %w", repoID, apperrors.ErrNotFound)
	}
	return nil
}

func loadVersion(ctx context.Context, q querier, where string, arg any) (*model.RepositoryVersion, error) {
	var v model.RepositoryVersion
	err := q.QueryRow(ctx,
		`SELECT id, repository_id, number, created_at FROM repository_versions `+where, arg).
		Scan(&v.ID, &v.RepositoryID, &v.Number, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx,
		`SELECT content_id FROM repository_version_content WHERE repository_version_id = $1 ORDER BY content_id`, v.ID)
	if err != nil {
		return nil, err
	}
	v.ContentIDs, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) LatestRepositoryVersion(ctx context.Context, repoID uuid.UUID) (*model.RepositoryVersion, error) {
	v, err := loadVersion(ctx, s.pool, `WHERE repository_id = $1 ORDER BY number DESC LIMIT 1`, repoID)
	if err != nil {
		return nil, notFound(err, "versions of repository %s", repoID)
	}
	return v, nil
}

func (s *PostgresStore) GetRepositoryVersion(ctx context.Context, id uuid.UUID) (*model.RepositoryVersion, error) {
	v, err := loadVersion(ctx, s.pool, `WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "repository version %s", id)
	}
	return v, nil
}

func (s *PostgresStore) AppendRepositoryVersion(ctx context.Context, legacyRepoID string, legacyNumber int64, repoID uuid.UUID, contentIDs []uuid.UUID) (model.VersionMapping, error) {
	vm := model.VersionMapping{LegacyNumber: legacyNumber, DestinationVersionID: uuid.New()}
	ids := make([]string, len(contentIDs))
	for i, id := range contentIDs {
		ids[i] = id.String()
	}

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT id FROM repositories WHERE id = $1 FOR UPDATE`, repoID); err != nil {
			return err
		}
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(number), 0) + 1 FROM repository_versions WHERE repository_id = $1`, repoID).
			Scan(&vm.DestinationNumber); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO repository_versions (id, repository_id, number) VALUES ($1, $2, $3)`,
			vm.DestinationVersionID, repoID, vm.DestinationNumber); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO repository_version_content (repository_version_id, content_id)
			 SELECT $1::uuid, c FROM (SELECT DISTINCT unnest($2::text[])::uuid AS c) members`,
			vm.DestinationVersionID, ids); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO repository_version_mappings (legacy_repo_id, legacy_version, destination_version_id)
			 VALUES ($1, $2, $3)`, legacyRepoID, legacyNumber, vm.DestinationVersionID)
		return err
	})
	if err != nil {
		return model.VersionMapping{}, fmt.Errorf("creating version for %s@%d: %w", legacyRepoID, legacyNumber, err)
	}
	return vm, nil
}

func (s *PostgresStore) MapRepositoryVersion(ctx context.Context, legacyRepoID string, legacyNumber int64, version model.RepositoryVersion) (model.VersionMapping, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO repository_version_mappings (legacy_repo_id, legacy_version, destination_version_id)
		 VALUES ($1, $2, $3)`, legacyRepoID, legacyNumber, version.ID)
	if err != nil {
		return model.VersionMapping{}, fmt.Errorf("mapping %s@%d: %w", legacyRepoID, legacyNumber, classify(err))
	}
	return model.VersionMapping{
		LegacyNumber:         legacyNumber,
		DestinationNumber:    version.Number,
		DestinationVersionID: version.ID,
	}, nil
}

func (s *PostgresStore) GetImporterMapping(ctx context.Context, legacyImporterID string) (*model.ImporterMapping, error) {
	m := model.ImporterMapping{LegacyImporterID: legacyImporterID}
	err := s.pool.QueryRow(ctx,
		`SELECT legacy_repo_id, remote_id, legacy_last_updated FROM importer_mappings WHERE legacy_importer_id = $1`,
		legacyImporterID).Scan(&m.LegacyRepoID, &m.RemoteID, &m.LegacyLastUpdated)
	if err != nil {
		return nil, notFound(err, "importer mapping %s", legacyImporterID)
	}
	return &m, nil
}

func (s *PostgresStore) GetRemote(ctx context.Context, id uuid.UUID) (*model.Remote, error) {
	var r model.Remote
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, plugin, url, policy, config, created_at, updated_at FROM remotes WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.Plugin, &r.URL, &r.Policy, &r.Config, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "remote %s", id)
	}
	return &r, nil
}

func (s *PostgresStore) SaveRemote(ctx context.Context, remote *model.Remote, mapping model.ImporterMapping) error {
	cfg := remote.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO remotes (id, name, plugin, url, policy, config) VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name, url = EXCLUDED.url, policy = EXCLUDED.policy,
				config = EXCLUDED.config, updated_at = now()
			 RETURNING created_at, updated_at`,
			remote.ID, remote.Name, remote.Plugin, remote.URL, remote.Policy, cfg).
			Scan(&remote.CreatedAt, &remote.UpdatedAt)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO importer_mappings (legacy_importer_id, legacy_repo_id, remote_id, legacy_last_updated)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (legacy_importer_id) DO UPDATE SET
				remote_id = EXCLUDED.remote_id, legacy_last_updated = EXCLUDED.legacy_last_updated, updated_at = now()`,
			mapping.LegacyImporterID, mapping.LegacyRepoID, remote.ID, mapping.LegacyLastUpdated)
		return err
	})
	if err != nil {
		return fmt.Errorf("saving remote %s: %w", remote.Name, err)
	}
	return nil
}

func (s *PostgresStore) GetDistributionMapping(ctx context.Context, legacyDistributorID string) (*model.DistributionMapping, error) {
	m := model.DistributionMapping{LegacyDistributorID: legacyDistributorID}
	err := s.pool.QueryRow(ctx,
		`SELECT legacy_repo_id, destination_repo_id, repository_version_id, publication_id, distribution_id
		 FROM distribution_mappings WHERE legacy_distributor_id = $1`, legacyDistributorID).
		Scan(&m.LegacyRepoID, &m.DestinationRepoID, &m.RepositoryVersionID, &m.PublicationID, &m.DistributionID)
	if err != nil {
		return nil, notFound(err, "distribution mapping %s", legacyDistributorID)
	}
	return &m, nil
}

func (s *PostgresStore) GetDistribution(ctx context.Context, id uuid.UUID) (*model.Distribution, error) {
	var d model.Distribution
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, base_path, plugin, publication_id, repository_version_id, created_at, updated_at
		 FROM distributions WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &d.BasePath, &d.Plugin, &d.PublicationID, &d.RepositoryVersionID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "distribution %s", id)
	}
	return &d, nil
}

func (s *PostgresStore) SaveDistribution(ctx context.Context, pub *model.Publication, dist *model.Distribution, mapping model.DistributionMapping) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if pub != nil {
			cfg := pub.Config
			if cfg == nil {
				cfg = map[string]any{}
			}
			if err := tx.QueryRow(ctx,
				`INSERT INTO publications (id, repository_version_id, plugin, config) VALUES ($1, $2, $3, $4)
				 RETURNING created_at`,
				pub.ID, pub.RepositoryVersionID, pub.Plugin, cfg).Scan(&pub.CreatedAt); err != nil {
				return err
			}
		}
		if err := tx.QueryRow(ctx,
			`INSERT INTO distributions (id, name, base_path, plugin, publication_id, repository_version_id)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO UPDATE SET
				base_path = EXCLUDED.base_path,
				publication_id = EXCLUDED.publication_id,
				repository_version_id = EXCLUDED.repository_version_id,
				updated_at = now()
			 RETURNING created_at, updated_at`,
			dist.ID, dist.Name, dist.BasePath, dist.Plugin, dist.PublicationID, dist.RepositoryVersionID).
			Scan(&dist.CreatedAt, &dist.UpdatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO distribution_mappings (legacy_distributor_id, legacy_repo_id, destination_repo_id,
				repository_version_id, publication_id, distribution_id)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (legacy_distributor_id) DO UPDATE SET
				repository_version_id = EXCLUDED.repository_version_id,
				publication_id = EXCLUDED.publication_id,
				distribution_id = EXCLUDED.distribution_id,
				updated_at = now()`,
			mapping.LegacyDistributorID, mapping.LegacyRepoID, mapping.DestinationRepoID,
			mapping.RepositoryVersionID, mapping.PublicationID, dist.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("saving distribution %s: %w", dist.Name, err)
	}
	return nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, run RunRecord) error {
	status := run.Status
	if len(status) == 0 {
		status = []byte("{}")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO migration_runs (id, plan, state, status, error, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state, status = EXCLUDED.status,
			error = EXCLUDED.error, finished_at = EXCLUDED.finished_at`,
		run.ID, run.Plan, run.State, status, run.Error, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, classify(err))
	}
	return nil
}

func (s *PostgresStore) LatestRun(ctx context.Context, plan string) (*RunRecord, error) {
	var r RunRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, plan, state, status, error, started_at, finished_at FROM migration_runs
		 WHERE $1 = '' OR plan = $1 ORDER BY started_at DESC LIMIT 1`, plan).
		Scan(&r.ID, &r.Plan, &r.State, &r.Status, &r.Error, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, notFound(err, "runs of plan %q", plan)
	}
	return &r, nil
}

// Ping checks that the destination is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return classify(s.pool.Ping(ctx))
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

var _ Store = (*PostgresStore)(nil)
