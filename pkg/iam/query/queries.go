package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/plaenen/iamcore/pkg/domain"
	"github.com/plaenen/iamcore/pkg/projection"
	"github.com/plaenen/iamcore/pkg/query"
)

// User is a row of the users read model.
type User struct {
	InstanceID    string
	UserID        string
	ResourceOwner string
	Username      string
	FirstName     string
	LastName      string
	Email         string
	EmailVerified bool
	State         string
	Sequence      uint64
	CreatedAt     time.Time
	ChangedAt     time.Time
}

// Org is a row of the organisations read model.
type Org struct {
	InstanceID string
	OrgID      string
	Name       string
	State      string
	Sequence   uint64
	CreatedAt  time.Time
	ChangedAt  time.Time
}

// UserSortColumn selects the sort key of a user search.
type UserSortColumn string

const (
	UserSortByUsername  UserSortColumn = "username"
	UserSortByEmail     UserSortColumn = "email"
	UserSortByCreatedAt UserSortColumn = "created_at"
)

// OrgSortColumn selects the sort key of an org search.
type OrgSortColumn string

const (
	OrgSortByName      OrgSortColumn = "name"
	OrgSortByCreatedAt OrgSortColumn = "created_at"
)

// SearchUsersRequest filters and paginates a user search. All filters are
// conjunctive; empty fields are ignored.
type SearchUsersRequest struct {
	query.PageRequest

	ResourceOwner  string
	UsernamePrefix string
	Email          string
	State          string
	SortBy         UserSortColumn
}

// SearchOrgsRequest filters and paginates an org search.
type SearchOrgsRequest struct {
	query.PageRequest

	NamePrefix string
	State      string
	SortBy     OrgSortColumn
}

// Queries is the read-side façade. Every method scopes by instance id;
// there is no way to query across instances.
type Queries struct {
	db          *sql.DB
	checkpoints projection.CheckpointStore
}

// NewQueries creates the façade on the projection database.
func NewQueries(db *sql.DB, checkpoints projection.CheckpointStore) *Queries {
	return &Queries{db: db, checkpoints: checkpoints}
}

// AwaitPosition blocks until the named projection has processed the
// instance's stream at least up to p. Used for read-your-writes after a
// command returned its position.
func (q *Queries) AwaitPosition(ctx context.Context, projectionName, instanceID string, p domain.Position) error {
	return query.WaitForProjection(ctx, q.checkpoints, projectionName, instanceID, p)
}

const selectUser = `
	SELECT instance_id, user_id, resource_owner, username, first_name,
	       last_name, email, email_verified, state, sequence, created_at, changed_at
	FROM users_projection`

// UserByID returns one user or domain.ErrNotFound.
func (q *Queries) UserByID(ctx context.Context, instanceID, userID string) (*User, error) {
	row := q.db.QueryRowContext(ctx,
		selectUser+` WHERE instance_id = ? AND user_id = ?`, instanceID, userID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", domain.ErrNotFound, userID)
	}
	return u, err
}

// UserByUsername returns one user by exact login name or domain.ErrNotFound.
func (q *Queries) UserByUsername(ctx context.Context, instanceID, username string) (*User, error) {
	row := q.db.QueryRowContext(ctx,
		selectUser+` WHERE instance_id = ? AND username = ? COLLATE NOCASE`, instanceID, username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %q", domain.ErrNotFound, username)
	}
	return u, err
}

// SearchUsers returns a page of users matching the request.
func (q *Queries) SearchUsers(ctx context.Context, instanceID string, req SearchUsersRequest) ([]*User, *query.PageInfo, error) {
	where := []string{"instance_id = ?"}
	args := []any{instanceID}

	if req.ResourceOwner != "" {
		where = append(where, "resource_owner = ?")
		args = append(args, req.ResourceOwner)
	}
	if req.UsernamePrefix != "" {
		where = append(where, "username LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(req.UsernamePrefix)+"%")
	}
	if req.Email != "" {
		where = append(where, "email = ? COLLATE NOCASE")
		args = append(args, req.Email)
	}
	if req.State != "" {
		where = append(where, "state = ?")
		args = append(args, req.State)
	}

	sortBy := req.SortBy
	if sortBy == "" {
		sortBy = UserSortByUsername
	}
	switch sortBy {
	case UserSortByUsername, UserSortByEmail, UserSortByCreatedAt:
	default:
		return nil, nil, fmt.Errorf("%w: unknown sort column %q", domain.ErrValidation, sortBy)
	}

	var total uint64
	countSQL := `SELECT COUNT(*) FROM users_projection WHERE ` + strings.Join(where, " AND ")
	if err := q.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, nil, fmt.Errorf("count users: %w", err)
	}

	where, args, err := applyCursor(where, args, string(sortBy), "user_id", req.Cursor, req.Desc)
	if err != nil {
		return nil, nil, err
	}

	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(
		`%s WHERE %s ORDER BY %s %s, user_id %s LIMIT ?`,
		selectUser, strings.Join(where, " AND "),
		sortBy, direction(req.Desc), direction(req.Desc)),
		append(args, req.Size()+1)...)
	if err != nil {
		return nil, nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	info := &query.PageInfo{TotalCount: total}
	if uint64(len(users)) > req.Size() {
		users = users[:req.Size()]
		last := users[len(users)-1]
		info.NextCursor = query.EncodeCursor(userSortKey(last, sortBy), last.UserID)
	}
	return users, info, nil
}

const selectOrg = `
	SELECT instance_id, org_id, name, state, sequence, created_at, changed_at
	FROM orgs_projection`

// OrgByID returns one organisation or domain.ErrNotFound.
func (q *Queries) OrgByID(ctx context.Context, instanceID, orgID string) (*Org, error) {
	row := q.db.QueryRowContext(ctx,
		selectOrg+` WHERE instance_id = ? AND org_id = ?`, instanceID, orgID)
	o, err := scanOrg(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: org %s", domain.ErrNotFound, orgID)
	}
	return o, err
}

// SearchOrgs returns a page of organisations matching the request.
func (q *Queries) SearchOrgs(ctx context.Context, instanceID string, req SearchOrgsRequest) ([]*Org, *query.PageInfo, error) {
	where := []string{"instance_id = ?"}
	args := []any{instanceID}

	if req.NamePrefix != "" {
		where = append(where, "name LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(req.NamePrefix)+"%")
	}
	if req.State != "" {
		where = append(where, "state = ?")
		args = append(args, req.State)
	}

	sortBy := req.SortBy
	if sortBy == "" {
		sortBy = OrgSortByName
	}
	switch sortBy {
	case OrgSortByName, OrgSortByCreatedAt:
	default:
		return nil, nil, fmt.Errorf("%w: unknown sort column %q", domain.ErrValidation, sortBy)
	}

	var total uint64
	countSQL := `SELECT COUNT(*) FROM orgs_projection WHERE ` + strings.Join(where, " AND ")
	if err := q.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, nil, fmt.Errorf("count orgs: %w", err)
	}

	where, args, err := applyCursor(where, args, string(sortBy), "org_id", req.Cursor, req.Desc)
	if err != nil {
		return nil, nil, err
	}

	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(
		`%s WHERE %s ORDER BY %s %s, org_id %s LIMIT ?`,
		selectOrg, strings.Join(where, " AND "),
		sortBy, direction(req.Desc), direction(req.Desc)),
		append(args, req.Size()+1)...)
	if err != nil {
		return nil, nil, fmt.Errorf("search orgs: %w", err)
	}
	defer rows.Close()

	var orgs []*Org
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, nil, err
		}
		orgs = append(orgs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	info := &query.PageInfo{TotalCount: total}
	if uint64(len(orgs)) > req.Size() {
		orgs = orgs[:req.Size()]
		last := orgs[len(orgs)-1]
		info.NextCursor = query.EncodeCursor(orgSortKey(last, sortBy), last.OrgID)
	}
	return orgs, info, nil
}

// applyCursor extends the WHERE clause with the keyset condition encoded
// in the cursor. Numeric sort columns need their key bound as a number so
// SQLite compares by value, not by type affinity.
func applyCursor(where []string, args []any, sortCol, idCol, cursor string, desc bool) ([]string, []any, error) {
	if cursor == "" {
		return where, args, nil
	}
	key, id, err := query.DecodeCursor(cursor)
	if err != nil {
		return nil, nil, err
	}
	var keyArg any = key
	if sortCol == "created_at" {
		n, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: malformed cursor", domain.ErrValidation)
		}
		keyArg = n
	}
	op := ">"
	if desc {
		op = "<"
	}
	where = append(where, fmt.Sprintf(
		"(%[1]s %[2]s ? OR (%[1]s = ? AND %[3]s %[2]s ?))", sortCol, op, idCol))
	args = append(args, keyArg, keyArg, id)
	return where, args, nil
}

func direction(desc bool) string {
	if desc {
		return "DESC"
	}
	return "ASC"
}

// escapeLike neutralizes LIKE metacharacters in user input.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func userSortKey(u *User, col UserSortColumn) string {
	switch col {
	case UserSortByEmail:
		return u.Email
	case UserSortByCreatedAt:
		return fmt.Sprintf("%020d", u.CreatedAt.UnixNano())
	default:
		return u.Username
	}
}

func orgSortKey(o *Org, col OrgSortColumn) string {
	if col == OrgSortByCreatedAt {
		return fmt.Sprintf("%020d", o.CreatedAt.UnixNano())
	}
	return o.Name
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*User, error) {
	var (
		u                    User
		verified             int
		createdAt, changedAt int64
	)
	if err := row.Scan(
		&u.InstanceID, &u.UserID, &u.ResourceOwner, &u.Username,
		&u.FirstName, &u.LastName, &u.Email, &verified,
		&u.State, &u.Sequence, &createdAt, &changedAt,
	); err != nil {
		return nil, err
	}
	u.EmailVerified = verified != 0
	u.CreatedAt = time.Unix(0, createdAt).UTC()
	u.ChangedAt = time.Unix(0, changedAt).UTC()
	return &u, nil
}

func scanOrg(row scanner) (*Org, error) {
	var (
		o                    Org
		createdAt, changedAt int64
	)
	if err := row.Scan(
		&o.InstanceID, &o.OrgID, &o.Name, &o.State,
		&o.Sequence, &createdAt, &changedAt,
	); err != nil {
		return nil, err
	}
	o.CreatedAt = time.Unix(0, createdAt).UTC()
	o.ChangedAt = time.Unix(0, changedAt).UTC()
	return &o, nil
}
