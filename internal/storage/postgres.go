package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/pkg/models"
)

// PostgresBackend is a Backend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

func (p *PostgresBackend) View(ctx context.Context, fn func(q Queries) error) error {
	return p.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, fn)
}

func (p *PostgresBackend) InTx(ctx context.Context, fn func(q Queries) error) error {
	return p.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, fn)
}

func (p *PostgresBackend) run(ctx context.Context, opts pgx.TxOptions, fn func(q Queries) error) error {
	tx, err := p.pool.BeginTx(ctx, opts)
	if err != nil {
		return vaulterr.Store("begin transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgQueries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return vaulterr.Store("commit transaction", err)
	}
	return nil
}

// dbtx is the subset of pgx.Tx used by the queries.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgQueries struct {
	db dbtx
}

// mapErr translates driver errors to the storage sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrAlreadyExists
		case "23503":
			return ErrNotFound
		}
	}
	return err
}

func (q *pgQueries) exec(ctx context.Context, sql string, args ...any) error {
	_, err := q.db.Exec(ctx, sql, args...)
	return mapErr(err)
}

// execOne is exec for statements that must touch exactly one row.
func (q *pgQueries) execOne(ctx context.Context, sql string, args ...any) error {
	tag, err := q.db.Exec(ctx, sql, args...)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collect[T any](rows pgx.Rows, err error, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Vault init ---

func (q *pgQueries) InitVault(ctx context.Context, data *models.InitData) error {
	var count int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM vault_init`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return ErrAlreadyExists
	}
	return q.exec(ctx,
		`INSERT INTO vault_init (share_count, threshold, key_check, initialized_at) VALUES ($1, $2, $3, $4)`,
		data.ShareCount, data.Threshold, data.KeyCheck, data.InitializedAt,
	)
}

func (q *pgQueries) GetInitData(ctx context.Context) (*models.InitData, error) {
	var d models.InitData
	err := q.db.QueryRow(ctx,
		`SELECT share_count, threshold, key_check, initialized_at FROM vault_init ORDER BY id LIMIT 1`,
	).Scan(&d.ShareCount, &d.Threshold, &d.KeyCheck, &d.InitializedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

// --- Users ---

const userColumns = `id, login, email, password_hash, auth_source, enabled, failed_logins,
	public_key, key_by_password, password_spec, key_by_admin, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Login, &u.Email, &u.PasswordHash, &u.AuthSource, &u.Enabled, &u.FailedLogins,
		&u.PublicKey, &u.KeyByPassword, &u.PasswordSpec, &u.KeyByAdmin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (q *pgQueries) CreateUser(ctx context.Context, u *models.User) error {
	return q.exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		u.ID, u.Login, u.Email, u.PasswordHash, u.AuthSource, u.Enabled, u.FailedLogins,
		u.PublicKey, u.KeyByPassword, u.PasswordSpec, u.KeyByAdmin, u.CreatedAt, u.UpdatedAt,
	)
}

func (q *pgQueries) GetUser(ctx context.Context, id string) (*models.User, error) {
	return scanUser(q.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (q *pgQueries) GetUserByLogin(ctx context.Context, login string) (*models.User, error) {
	return scanUser(q.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(login) = lower($1)`, login))
}

func (q *pgQueries) UpdateUser(ctx context.Context, u *models.User) error {
	return q.execOne(ctx,
		`UPDATE users SET login = $2, email = $3, password_hash = $4, auth_source = $5, enabled = $6,
		 failed_logins = $7, public_key = $8, key_by_password = $9, password_spec = $10, key_by_admin = $11,
		 updated_at = $12 WHERE id = $1`,
		u.ID, u.Login, u.Email, u.PasswordHash, u.AuthSource, u.Enabled, u.FailedLogins,
		u.PublicKey, u.KeyByPassword, u.PasswordSpec, u.KeyByAdmin, u.UpdatedAt,
	)
}

func (q *pgQueries) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := q.db.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY login`)
	return collect(rows, err, scanUser)
}

// --- Groups ---

const groupColumns = `id, name, status, public_key, key_by_admin, created_at`

func scanGroup(row pgx.Row) (*models.Group, error) {
	var g models.Group
	var status string
	if err := row.Scan(&g.ID, &g.Name, &status, &g.PublicKey, &g.KeyByAdmin, &g.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	g.Status = models.GroupStatus(status)
	return &g, nil
}

func (q *pgQueries) CreateGroup(ctx context.Context, g *models.Group) error {
	return q.exec(ctx,
		`INSERT INTO groups (`+groupColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		g.ID, g.Name, string(g.Status), g.PublicKey, g.KeyByAdmin, g.CreatedAt,
	)
}

func (q *pgQueries) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	return scanGroup(q.db.QueryRow(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = $1`, id))
}

func (q *pgQueries) GetGroupByName(ctx context.Context, name string) (*models.Group, error) {
	return scanGroup(q.db.QueryRow(ctx, `SELECT `+groupColumns+` FROM groups WHERE name = $1`, name))
}

func (q *pgQueries) UpdateGroup(ctx context.Context, g *models.Group) error {
	return q.execOne(ctx,
		`UPDATE groups SET name = $2, status = $3, public_key = $4, key_by_admin = $5 WHERE id = $1`,
		g.ID, g.Name, string(g.Status), g.PublicKey, g.KeyByAdmin,
	)
}

func (q *pgQueries) ListGroups(ctx context.Context) ([]*models.Group, error) {
	rows, err := q.db.Query(ctx, `SELECT `+groupColumns+` FROM groups ORDER BY name`)
	return collect(rows, err, scanGroup)
}

// --- Memberships ---

func scanMembership(row pgx.Row) (*models.Membership, error) {
	var m models.Membership
	if err := row.Scan(&m.UserID, &m.GroupID, &m.WrappedKey, &m.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

func (q *pgQueries) PutMembership(ctx context.Context, m *models.Membership) error {
	return q.exec(ctx,
		`INSERT INTO memberships (user_id, group_id, wrapped_key, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, group_id) DO UPDATE SET wrapped_key = EXCLUDED.wrapped_key`,
		m.UserID, m.GroupID, m.WrappedKey, m.CreatedAt,
	)
}

func (q *pgQueries) GetMembership(ctx context.Context, userID, groupID string) (*models.Membership, error) {
	return scanMembership(q.db.QueryRow(ctx,
		`SELECT user_id, group_id, wrapped_key, created_at FROM memberships WHERE user_id = $1 AND group_id = $2`,
		userID, groupID,
	))
}

func (q *pgQueries) DeleteMembership(ctx context.Context, userID, groupID string) error {
	return q.execOne(ctx, `DELETE FROM memberships WHERE user_id = $1 AND group_id = $2`, userID, groupID)
}

func (q *pgQueries) ListMembershipsByUser(ctx context.Context, userID string) ([]*models.Membership, error) {
	rows, err := q.db.Query(ctx,
		`SELECT user_id, group_id, wrapped_key, created_at FROM memberships WHERE user_id = $1 ORDER BY group_id`, userID)
	return collect(rows, err, scanMembership)
}

func (q *pgQueries) ListMembershipsByGroup(ctx context.Context, groupID string) ([]*models.Membership, error) {
	rows, err := q.db.Query(ctx,
		`SELECT user_id, group_id, wrapped_key, created_at FROM memberships WHERE group_id = $1 ORDER BY user_id`, groupID)
	return collect(rows, err, scanMembership)
}

func (q *pgQueries) PutDelegation(ctx context.Context, d *models.GroupDelegation) error {
	return q.exec(ctx,
		`INSERT INTO group_delegations (group_id, via_group_id, wrapped_key, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (group_id, via_group_id) DO UPDATE SET wrapped_key = EXCLUDED.wrapped_key`,
		d.GroupID, d.ViaGroupID, d.WrappedKey, d.CreatedAt,
	)
}

func (q *pgQueries) GetDelegation(ctx context.Context, groupID, viaGroupID string) (*models.GroupDelegation, error) {
	var d models.GroupDelegation
	err := q.db.QueryRow(ctx,
		`SELECT group_id, via_group_id, wrapped_key, created_at FROM group_delegations
		 WHERE group_id = $1 AND via_group_id = $2`, groupID, viaGroupID,
	).Scan(&d.GroupID, &d.ViaGroupID, &d.WrappedKey, &d.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

// --- Capabilities ---

const capColumns = `item_id, actor_type, actor_id, read_key, modify_key, created_at`

func scanCapability(row pgx.Row) (*models.CapabilityRecord, error) {
	var c models.CapabilityRecord
	var actorType string
	if err := row.Scan(&c.ItemID, &actorType, &c.ActorID, &c.ReadKey, &c.ModifyKey, &c.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	c.ActorType = models.ActorType(actorType)
	return &c, nil
}

func (q *pgQueries) CreateCapability(ctx context.Context, c *models.CapabilityRecord) error {
	return q.exec(ctx,
		`INSERT INTO capabilities (`+capColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ItemID, string(c.ActorType), c.ActorID, c.ReadKey, c.ModifyKey, c.CreatedAt,
	)
}

func (q *pgQueries) GetCapability(ctx context.Context, itemID string, actor models.Actor) (*models.CapabilityRecord, error) {
	return scanCapability(q.db.QueryRow(ctx,
		`SELECT `+capColumns+` FROM capabilities WHERE item_id = $1 AND actor_type = $2 AND actor_id = $3`,
		itemID, string(actor.Type), actor.ID,
	))
}

func (q *pgQueries) DeleteCapability(ctx context.Context, itemID string, actor models.Actor) error {
	return q.exec(ctx,
		`DELETE FROM capabilities WHERE item_id = $1 AND actor_type = $2 AND actor_id = $3`,
		itemID, string(actor.Type), actor.ID,
	)
}

func (q *pgQueries) ListCapabilitiesByItem(ctx context.Context, itemID string) ([]*models.CapabilityRecord, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+capColumns+` FROM capabilities WHERE item_id = $1 ORDER BY actor_type, actor_id`, itemID)
	return collect(rows, err, scanCapability)
}

func (q *pgQueries) ListCapabilitiesByActor(ctx context.Context, actor models.Actor) ([]*models.CapabilityRecord, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+capColumns+` FROM capabilities WHERE actor_type = $1 AND actor_id = $2 ORDER BY item_id`,
		string(actor.Type), actor.ID)
	return collect(rows, err, scanCapability)
}

// --- Items ---

const itemColumns = `id, name, type, enabled, audit_level, history_enabled, restriction_policy_id,
	ra_enabled, ra_approvers, ra_blockers, node_id, expires_at, ciphertext, verify_key, signature,
	created_by, created_at, updated_at`

func scanItem(row pgx.Row) (*models.Item, error) {
	var it models.Item
	var typ, level string
	err := row.Scan(&it.ID, &it.Name, &typ, &it.Enabled, &level, &it.HistoryEnabled, &it.RestrictionPolicyID,
		&it.RestrictedAccess.Enabled, &it.RestrictedAccess.ApproversRequired, &it.RestrictedAccess.BlockersRequired,
		&it.NodeID, &it.ExpiresAt, &it.Ciphertext, &it.VerifyKey, &it.Signature,
		&it.CreatedBy, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	it.Type = models.ItemType(typ)
	it.AuditLevel = models.AuditLevel(level)
	return &it, nil
}

func itemArgs(it *models.Item) []any {
	return []any{
		it.ID, it.Name, string(it.Type), it.Enabled, string(it.AuditLevel), it.HistoryEnabled, it.RestrictionPolicyID,
		it.RestrictedAccess.Enabled, it.RestrictedAccess.ApproversRequired, it.RestrictedAccess.BlockersRequired,
		it.NodeID, it.ExpiresAt, it.Ciphertext, it.VerifyKey, it.Signature,
		it.CreatedBy, it.CreatedAt, it.UpdatedAt,
	}
}

func (q *pgQueries) CreateItem(ctx context.Context, it *models.Item) error {
	return q.exec(ctx,
		`INSERT INTO items (`+itemColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		itemArgs(it)...,
	)
}

func (q *pgQueries) GetItem(ctx context.Context, id string) (*models.Item, error) {
	return scanItem(q.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
}

func (q *pgQueries) UpdateItem(ctx context.Context, it *models.Item) error {
	return q.execOne(ctx,
		`UPDATE items SET name = $2, type = $3, enabled = $4, audit_level = $5, history_enabled = $6,
		 restriction_policy_id = $7, ra_enabled = $8, ra_approvers = $9, ra_blockers = $10, node_id = $11,
		 expires_at = $12, ciphertext = $13, verify_key = $14, signature = $15, created_by = $16,
		 created_at = $17, updated_at = $18
		 WHERE id = $1`,
		itemArgs(it)...,
	)
}

func (q *pgQueries) DeleteItem(ctx context.Context, id string) error {
	return q.execOne(ctx, `DELETE FROM items WHERE id = $1`, id)
}

func (q *pgQueries) ListItemsExpiringBefore(ctx context.Context, t time.Time) ([]*models.Item, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+itemColumns+` FROM items WHERE expires_at IS NOT NULL AND expires_at < $1 ORDER BY expires_at`, t)
	return collect(rows, err, scanItem)
}

// --- History ---

const historyColumns = `id, item_id, ts, ciphertext, signature, modified_by`

func scanHistory(row pgx.Row) (*models.HistoryEntry, error) {
	var h models.HistoryEntry
	if err := row.Scan(&h.ID, &h.ItemID, &h.Timestamp, &h.Ciphertext, &h.Signature, &h.ModifiedBy); err != nil {
		return nil, mapErr(err)
	}
	return &h, nil
}

func (q *pgQueries) AppendHistory(ctx context.Context, h *models.HistoryEntry) error {
	err := q.db.QueryRow(ctx,
		`INSERT INTO item_history (item_id, ts, ciphertext, signature, modified_by)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		h.ItemID, h.Timestamp, h.Ciphertext, h.Signature, h.ModifiedBy,
	).Scan(&h.ID)
	return mapErr(err)
}

func (q *pgQueries) ListHistory(ctx context.Context, itemID string) ([]*models.HistoryEntry, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+historyColumns+` FROM item_history WHERE item_id = $1 ORDER BY ts, id`, itemID)
	return collect(rows, err, scanHistory)
}

func (q *pgQueries) LatestHistoryAt(ctx context.Context, itemID string, t time.Time) (*models.HistoryEntry, error) {
	return scanHistory(q.db.QueryRow(ctx,
		`SELECT `+historyColumns+` FROM item_history WHERE item_id = $1 AND ts <= $2
		 ORDER BY ts DESC, id DESC LIMIT 1`, itemID, t))
}

// --- Hierarchy ---

const nodeColumns = `id, name, parent_id, type, item_id, owner_id, created_at`

func scanNode(row pgx.Row) (*models.Node, error) {
	var n models.Node
	var typ string
	if err := row.Scan(&n.ID, &n.Name, &n.ParentID, &typ, &n.ItemID, &n.OwnerID, &n.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	n.Type = models.NodeType(typ)
	return &n, nil
}

func (q *pgQueries) CreateNode(ctx context.Context, n *models.Node) error {
	return q.exec(ctx,
		`INSERT INTO nodes (`+nodeColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.Name, n.ParentID, string(n.Type), n.ItemID, n.OwnerID, n.CreatedAt,
	)
}

func (q *pgQueries) GetNode(ctx context.Context, id string) (*models.Node, error) {
	return scanNode(q.db.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id))
}

func (q *pgQueries) UpdateNode(ctx context.Context, n *models.Node) error {
	return q.execOne(ctx,
		`UPDATE nodes SET name = $2, parent_id = $3, item_id = $4 WHERE id = $1`,
		n.ID, n.Name, n.ParentID, n.ItemID,
	)
}

func (q *pgQueries) DeleteNode(ctx context.Context, id string) error {
	return q.execOne(ctx, `DELETE FROM nodes WHERE id = $1`, id)
}

func (q *pgQueries) ListChildren(ctx context.Context, parentID string) ([]*models.Node, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE parent_id = $1 AND id <> $1 ORDER BY name, id`, parentID)
	return collect(rows, err, scanNode)
}

func (q *pgQueries) ListNodesByItem(ctx context.Context, itemID string) ([]*models.Node, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE type = 'object' AND item_id = $1 ORDER BY name, id`, itemID)
	return collect(rows, err, scanNode)
}

func (q *pgQueries) GetUserContainer(ctx context.Context, ownerID string) (*models.Node, error) {
	return scanNode(q.db.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE type = 'user-container' AND owner_id = $1`, ownerID))
}

func (q *pgQueries) PutRule(ctx context.Context, r *models.NodeRule) error {
	return q.exec(ctx,
		`INSERT INTO node_rules (node_id, actor_type, actor_id, allow) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (node_id, actor_type, actor_id) DO UPDATE SET allow = EXCLUDED.allow`,
		r.NodeID, string(r.ActorType), r.ActorID, r.Allow,
	)
}

func (q *pgQueries) DeleteRule(ctx context.Context, nodeID string, actor models.Actor) error {
	return q.exec(ctx,
		`DELETE FROM node_rules WHERE node_id = $1 AND actor_type = $2 AND actor_id = $3`,
		nodeID, string(actor.Type), actor.ID)
}

func (q *pgQueries) ListRules(ctx context.Context, nodeID string) ([]*models.NodeRule, error) {
	rows, err := q.db.Query(ctx,
		`SELECT node_id, actor_type, actor_id, allow FROM node_rules WHERE node_id = $1 ORDER BY actor_type, actor_id`,
		nodeID)
	return collect(rows, err, func(row pgx.Row) (*models.NodeRule, error) {
		var r models.NodeRule
		var typ string
		if err := row.Scan(&r.NodeID, &typ, &r.ActorID, &r.Allow); err != nil {
			return nil, err
		}
		r.ActorType = models.ActorType(typ)
		return &r, nil
	})
}

func (q *pgQueries) PutDefault(ctx context.Context, d *models.PermissionDefault) error {
	return q.exec(ctx,
		`INSERT INTO permission_defaults (node_id, actor_type, actor_id, permission) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (node_id, actor_type, actor_id) DO UPDATE SET permission = EXCLUDED.permission`,
		d.NodeID, string(d.ActorType), d.ActorID, int(d.Permission),
	)
}

func (q *pgQueries) DeleteDefault(ctx context.Context, nodeID string, actor models.Actor) error {
	return q.exec(ctx,
		`DELETE FROM permission_defaults WHERE node_id = $1 AND actor_type = $2 AND actor_id = $3`,
		nodeID, string(actor.Type), actor.ID)
}

func (q *pgQueries) ListDefaults(ctx context.Context, nodeID string) ([]*models.PermissionDefault, error) {
	rows, err := q.db.Query(ctx,
		`SELECT node_id, actor_type, actor_id, permission FROM permission_defaults
		 WHERE node_id = $1 ORDER BY actor_type, actor_id`, nodeID)
	return collect(rows, err, func(row pgx.Row) (*models.PermissionDefault, error) {
		var d models.PermissionDefault
		var typ string
		var perm int
		if err := row.Scan(&d.NodeID, &typ, &d.ActorID, &perm); err != nil {
			return nil, err
		}
		d.ActorType = models.ActorType(typ)
		d.Permission = models.Permission(perm)
		return &d, nil
	})
}

// --- Restricted access requests ---

const requestColumns = `id, item_id, requester_id, reason, approvers_required, blockers_required, requested_at, viewed_at`

func scanRequest(row pgx.Row) (*models.AccessRequest, error) {
	var r models.AccessRequest
	err := row.Scan(&r.ID, &r.ItemID, &r.RequesterID, &r.Reason, &r.ApproversRequired, &r.BlockersRequired,
		&r.RequestedAt, &r.ViewedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (q *pgQueries) CreateRequest(ctx context.Context, r *models.AccessRequest) error {
	return q.exec(ctx,
		`INSERT INTO access_requests (`+requestColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.ItemID, r.RequesterID, r.Reason, r.ApproversRequired, r.BlockersRequired, r.RequestedAt, r.ViewedAt,
	)
}

func (q *pgQueries) GetRequest(ctx context.Context, id string) (*models.AccessRequest, error) {
	return scanRequest(q.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM access_requests WHERE id = $1`, id))
}

func (q *pgQueries) UpdateRequest(ctx context.Context, r *models.AccessRequest) error {
	return q.execOne(ctx,
		`UPDATE access_requests SET reason = $2, viewed_at = $3 WHERE id = $1`,
		r.ID, r.Reason, r.ViewedAt,
	)
}

func (q *pgQueries) ListRequests(ctx context.Context, f RequestFilter) ([]*models.AccessRequest, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT ` + requestColumns + ` FROM access_requests WHERE 1=1`)
	args := []any{}
	n := 1
	if f.ItemID != "" {
		fmt.Fprintf(&query, ` AND item_id = $%d`, n)
		args = append(args, f.ItemID)
		n++
	}
	if f.RequesterID != "" {
		fmt.Fprintf(&query, ` AND requester_id = $%d`, n)
		args = append(args, f.RequesterID)
	}
	query.WriteString(` ORDER BY requested_at, id`)
	rows, err := q.db.Query(ctx, query.String(), args...)
	return collect(rows, err, scanRequest)
}

func scanApprover(row pgx.Row) (*models.ApproverEntry, error) {
	var e models.ApproverEntry
	var vote string
	if err := row.Scan(&e.RequestID, &e.UserID, &vote, &e.GrantedKey, &e.VotedAt); err != nil {
		return nil, mapErr(err)
	}
	e.Vote = models.Vote(vote)
	return &e, nil
}

func (q *pgQueries) PutApproverEntry(ctx context.Context, e *models.ApproverEntry) error {
	return q.exec(ctx,
		`INSERT INTO approver_entries (request_id, user_id, vote, granted_key, voted_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (request_id, user_id) DO UPDATE
		 SET vote = EXCLUDED.vote, granted_key = EXCLUDED.granted_key, voted_at = EXCLUDED.voted_at`,
		e.RequestID, e.UserID, string(e.Vote), e.GrantedKey, e.VotedAt,
	)
}

func (q *pgQueries) ListApproverEntries(ctx context.Context, requestID string) ([]*models.ApproverEntry, error) {
	rows, err := q.db.Query(ctx,
		`SELECT request_id, user_id, vote, granted_key, voted_at FROM approver_entries
		 WHERE request_id = $1 ORDER BY user_id`, requestID)
	return collect(rows, err, scanApprover)
}

func (q *pgQueries) ListApproverEntriesByUser(ctx context.Context, userID string) ([]*models.ApproverEntry, error) {
	rows, err := q.db.Query(ctx,
		`SELECT request_id, user_id, vote, granted_key, voted_at FROM approver_entries
		 WHERE user_id = $1 ORDER BY request_id`, userID)
	return collect(rows, err, scanApprover)
}

// --- Restriction policies ---

const policyColumns = `id, name, min_length, max_length, min_lower, min_upper, min_digits, min_special`

func scanPolicy(row pgx.Row) (*models.RestrictionPolicy, error) {
	var p models.RestrictionPolicy
	err := row.Scan(&p.ID, &p.Name, &p.MinLength, &p.MaxLength, &p.MinLower, &p.MinUpper, &p.MinDigits, &p.MinSpecial)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (q *pgQueries) PutRestrictionPolicy(ctx context.Context, p *models.RestrictionPolicy) error {
	return q.exec(ctx,
		`INSERT INTO restriction_policies (`+policyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, min_length = EXCLUDED.min_length,
		 max_length = EXCLUDED.max_length, min_lower = EXCLUDED.min_lower, min_upper = EXCLUDED.min_upper,
		 min_digits = EXCLUDED.min_digits, min_special = EXCLUDED.min_special`,
		p.ID, p.Name, p.MinLength, p.MaxLength, p.MinLower, p.MinUpper, p.MinDigits, p.MinSpecial,
	)
}

func (q *pgQueries) GetRestrictionPolicy(ctx context.Context, id string) (*models.RestrictionPolicy, error) {
	return scanPolicy(q.db.QueryRow(ctx, `SELECT `+policyColumns+` FROM restriction_policies WHERE id = $1`, id))
}

func (q *pgQueries) DeleteRestrictionPolicy(ctx context.Context, id string) error {
	return q.execOne(ctx, `DELETE FROM restriction_policies WHERE id = $1`, id)
}

func (q *pgQueries) ListRestrictionPolicies(ctx context.Context) ([]*models.RestrictionPolicy, error) {
	rows, err := q.db.Query(ctx, `SELECT `+policyColumns+` FROM restriction_policies ORDER BY name`)
	return collect(rows, err, scanPolicy)
}

// --- Configuration ---

func (q *pgQueries) GetConfigValue(ctx context.Context, key string) (string, error) {
	var v string
	if err := q.db.QueryRow(ctx, `SELECT value FROM config WHERE key = $1`, key).Scan(&v); err != nil {
		return "", mapErr(err)
	}
	return v, nil
}

func (q *pgQueries) SetConfigValue(ctx context.Context, key, value string) error {
	return q.exec(ctx,
		`INSERT INTO config (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
}

// --- Audit ---

func (q *pgQueries) AppendAudit(ctx context.Context, e *models.AuditEvent) error {
	err := q.db.QueryRow(ctx,
		`INSERT INTO audit_events (level, actor_id, item_id, message, ts, notify)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		e.Level, e.ActorID, e.ItemID, e.Message, e.Timestamp, e.Notify,
	).Scan(&e.ID)
	return mapErr(err)
}

func (q *pgQueries) QueryAudit(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, level, actor_id, item_id, message, ts, notify FROM audit_events WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.ActorID != "" {
		fmt.Fprintf(&query, ` AND actor_id = $%d`, n)
		args = append(args, filter.ActorID)
		n++
	}
	if filter.ItemID != "" {
		fmt.Fprintf(&query, ` AND item_id = $%d`, n)
		args = append(args, filter.ItemID)
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND ts >= $%d`, n)
		args = append(args, *filter.Since)
		n++
	}
	query.WriteString(` ORDER BY id DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := q.db.Query(ctx, query.String(), args...)
	return collect(rows, err, func(row pgx.Row) (*models.AuditEvent, error) {
		var e models.AuditEvent
		if err := row.Scan(&e.ID, &e.Level, &e.ActorID, &e.ItemID, &e.Message, &e.Timestamp, &e.Notify); err != nil {
			return nil, err
		}
		return &e, nil
	})
}
