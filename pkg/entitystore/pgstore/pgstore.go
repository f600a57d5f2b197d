// Package pgstore is the Postgres-backed entitystore.Store, used for HA
// deployments where more than one orchestrator replica needs a shared view
// of Block state. The whole Block document (including its Replicas slice)
// is stored as a JSONB column; scalar columns used by Find's filters are
// duplicated out of the document so they can be indexed and queried
// without unpacking JSON in Postgres itself.
package pgstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/google/uuid"

	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
	"github.com/rancher/block-orchestrator/pkg/entitystore"
)

// Store is a Postgres-backed entitystore.Store.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres via the given DSN (consumed by lib/pq) and
// returns a ready Store. The caller owns the pool's lifetime.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to postgres")
	}
	return &Store{db: db}, nil
}

// Schema is the DDL for the blocks table, applied by the operator's
// migration step at startup (not run automatically by this package).
const Schema = `
CREATE TABLE IF NOT EXISTS blocks (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	cluster       TEXT NOT NULL,
	node          TEXT NOT NULL,
	deleted_at    TIMESTAMPTZ,
	document      JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS blocks_cluster_idx ON blocks (cluster) WHERE deleted_at IS NULL;
`

type row struct {
	ID        string         `db:"id"`
	Name      string         `db:"name"`
	Cluster   string         `db:"cluster"`
	Node      string         `db:"node"`
	DeletedAt *time.Time     `db:"deleted_at"`
	Document  documentColumn `db:"document"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// documentColumn marshals a *blockv1.Block to/from the JSONB column.
type documentColumn struct {
	Block *blockv1.Block
}

func (d documentColumn) Value() (driver.Value, error) {
	b, err := json.Marshal(d.Block)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (d *documentColumn) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.Errorf("unsupported scan type %T", src)
	}
	var b blockv1.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}
	d.Block = &b
	return nil
}

func toRow(b *blockv1.Block) row {
	return row{
		ID:        b.ID,
		Name:      b.Name,
		Cluster:   b.Cluster,
		Node:      b.Node,
		DeletedAt: b.DeletedAt,
		Document:  documentColumn{Block: b},
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	}
}

func (s *Store) Get(ctx context.Context, id string, includeDeleted bool) (*blockv1.Block, error) {
	query := "SELECT * FROM blocks WHERE id = $1"
	if !includeDeleted {
		query += " AND deleted_at IS NULL"
	}
	var r row
	if err := s.db.GetContext(ctx, &r, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "getting block")
	}
	return r.Document.Block, nil
}

func (s *Store) Find(ctx context.Context, q entitystore.Query) ([]*blockv1.Block, error) {
	query := "SELECT * FROM blocks WHERE 1=1"
	var args []interface{}
	add := func(cond string, val interface{}) {
		args = append(args, val)
		query += cond + "$" + itoa(len(args))
	}
	if !q.IncludeDeleted {
		query += " AND deleted_at IS NULL"
	}
	if q.Name != "" {
		add(" AND name = ", q.Name)
	}
	if q.Cluster != "" {
		add(" AND cluster = ", q.Cluster)
	}
	if q.Node != "" {
		add(" AND node = ", q.Node)
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "finding blocks")
	}
	out := make([]*blockv1.Block, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Document.Block)
	}
	return out, nil
}

// FindByPod pulls every non-deleted block and checks in Go — the JSONB
// document isn't indexed for pod UID membership, and the control plane's
// pod-event volume doesn't justify adding a GIN index for it.
func (s *Store) FindByPod(ctx context.Context, uid string) (*blockv1.Block, error) {
	blocks, err := s.Find(ctx, entitystore.Query{})
	if err != nil {
		return nil, err
	}
	for _, b := range blocks {
		if b.Controller != nil && b.Controller.UID == uid {
			return b, nil
		}
		if b.ReplicaByPodUID(uid) != nil {
			return b, nil
		}
	}
	return nil, nil
}

func (s *Store) Create(ctx context.Context, b *blockv1.Block) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now()
	b.CreatedAt = now
	b.UpdatedAt = now
	r := toRow(b)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO blocks (id, name, cluster, node, deleted_at, document, created_at, updated_at)
		VALUES (:id, :name, :cluster, :node, :deleted_at, :document, :created_at, :updated_at)
	`, r)
	return errors.Wrap(err, "creating block")
}

func (s *Store) Update(ctx context.Context, b *blockv1.Block) (*blockv1.Block, error) {
	b.UpdatedAt = time.Now()
	r := toRow(b)
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE blocks SET name=:name, cluster=:cluster, node=:node, deleted_at=:deleted_at,
			document=:document, updated_at=:updated_at
		WHERE id=:id
	`, r)
	if err != nil {
		return nil, errors.Wrap(err, "updating block")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, entitystore.ErrNotFound
	}
	return b, nil
}

func (s *Store) SoftRemove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE blocks SET deleted_at = now(), updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "soft-removing block")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entitystore.ErrNotFound
	}
	return nil
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
