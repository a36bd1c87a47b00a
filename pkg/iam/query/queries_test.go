package query_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/iamcore/pkg/command"
	"github.com/plaenen/iamcore/pkg/domain"
	"github.com/plaenen/iamcore/pkg/eventstore/sqlite"
	"github.com/plaenen/iamcore/pkg/iam/org"
	iamquery "github.com/plaenen/iamcore/pkg/iam/query"
	"github.com/plaenen/iamcore/pkg/iam/user"
	"github.com/plaenen/iamcore/pkg/password"
	"github.com/plaenen/iamcore/pkg/projection"
	projsqlite "github.com/plaenen/iamcore/pkg/projection/sqlite"
	"github.com/plaenen/iamcore/pkg/query"
)

type queryEnv struct {
	store   *sqlite.EventStore
	exec    *command.Executor
	manager *projection.Manager
	queries *iamquery.Queries
}

func newQueryEnv(t *testing.T) *queryEnv {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase(), sqlite.WithWALMode(false))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	exec := command.NewExecutor(store)
	user.Register(exec, nil, user.WithHashCost(password.MinCost))
	org.Register(exec)

	stores, err := projsqlite.NewStores(ctx, store.DB())
	require.NoError(t, err)

	manager := projection.NewManager(stores.States, stores.Failed)
	for _, p := range []projection.Projection{iamquery.NewUsersProjection(), iamquery.NewOrgsProjection()} {
		manager.Register(projection.NewWorker(p, store, store.DB(),
			stores.Checkpoints, stores.Locks, stores.Failed, stores.States,
			projection.WithInterval(10*time.Millisecond)))
	}
	for _, svc := range manager.Services() {
		require.NoError(t, svc.Start(ctx))
		t.Cleanup(func() { svc.Stop(context.Background()) })
	}

	return &queryEnv{
		store:   store,
		exec:    exec,
		manager: manager,
		queries: iamquery.NewQueries(store.DB(), stores.Checkpoints),
	}
}

// execute runs the command and waits until the projection caught up with
// the events it wrote.
func (e *queryEnv) execute(t *testing.T, projectionName string, cmd command.Command) {
	t.Helper()
	result, err := e.exec.Execute(context.Background(), cmd)
	require.NoError(t, err)

	e.manager.Trigger(cmd.Aggregate().InstanceID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.queries.AwaitPosition(ctx, projectionName, cmd.Aggregate().InstanceID, result.Position))
}

func (e *queryEnv) addUser(t *testing.T, instanceID, owner, userID, username, email string) {
	t.Helper()
	e.execute(t, iamquery.UsersProjectionName, &user.AddHumanCommand{
		Base:      user.NewBase(instanceID, owner, userID, domain.Editor{UserID: "admin-1"}),
		Username:  username,
		FirstName: "First",
		LastName:  "Last",
		Email:     email,
	})
}

func (e *queryEnv) addOrg(t *testing.T, instanceID, orgID, name string) {
	t.Helper()
	e.execute(t, iamquery.OrgsProjectionName, &org.AddCommand{
		Base: org.Base{InstanceID: instanceID, OrgID: orgID, Actor: domain.Editor{UserID: "admin-1"}},
		Name: name,
	})
}

func TestUserQueries(t *testing.T) {
	env := newQueryEnv(t)
	ctx := context.Background()

	env.addUser(t, "inst-1", "org-1", "user-1", "ada", "ada@example.com")
	env.addUser(t, "inst-1", "org-1", "user-2", "bob", "bob@example.com")
	env.addUser(t, "inst-1", "org-2", "user-3", "carol", "carol@example.com")
	env.addUser(t, "inst-2", "org-1", "user-1", "ada", "ada@other.example")

	t.Run("by id", func(t *testing.T) {
		u, err := env.queries.UserByID(ctx, "inst-1", "user-1")
		require.NoError(t, err)
		assert.Equal(t, "ada", u.Username)
		assert.Equal(t, "ada@example.com", u.Email)
		assert.Equal(t, "org-1", u.ResourceOwner)
		assert.Equal(t, "active", u.State)
		assert.False(t, u.EmailVerified)
		assert.False(t, u.CreatedAt.IsZero())
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := env.queries.UserByID(ctx, "inst-1", "nobody")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("by username is case-insensitive", func(t *testing.T) {
		u, err := env.queries.UserByUsername(ctx, "inst-1", "ADA")
		require.NoError(t, err)
		assert.Equal(t, "user-1", u.UserID)
	})

	t.Run("instances are isolated", func(t *testing.T) {
		_, err := env.queries.UserByID(ctx, "inst-2", "user-3")
		require.ErrorIs(t, err, domain.ErrNotFound)

		u, err := env.queries.UserByID(ctx, "inst-2", "user-1")
		require.NoError(t, err)
		assert.Equal(t, "ada@other.example", u.Email)
	})

	t.Run("filter by owner", func(t *testing.T) {
		users, info, err := env.queries.SearchUsers(ctx, "inst-1", iamquery.SearchUsersRequest{
			ResourceOwner: "org-1",
		})
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, uint64(2), info.TotalCount)
	})

	t.Run("filter by username prefix", func(t *testing.T) {
		users, _, err := env.queries.SearchUsers(ctx, "inst-1", iamquery.SearchUsersRequest{
			UsernamePrefix: "car",
		})
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "carol", users[0].Username)
	})

	t.Run("like metacharacters match literally", func(t *testing.T) {
		users, _, err := env.queries.SearchUsers(ctx, "inst-1", iamquery.SearchUsersRequest{
			UsernamePrefix: "%",
		})
		require.NoError(t, err)
		assert.Empty(t, users)
	})

	t.Run("unknown sort column", func(t *testing.T) {
		_, _, err := env.queries.SearchUsers(ctx, "inst-1", iamquery.SearchUsersRequest{
			SortBy: "password_hash",
		})
		require.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestSearchUsersPagination(t *testing.T) {
	env := newQueryEnv(t)
	ctx := context.Background()

	for _, u := range []struct{ id, name string }{
		{"user-1", "ada"}, {"user-2", "bob"}, {"user-3", "carol"},
		{"user-4", "dave"}, {"user-5", "erin"},
	} {
		env.addUser(t, "inst-1", "org-1", u.id, u.name, u.name+"@example.com")
	}

	t.Run("ascending", func(t *testing.T) {
		var seen []string
		req := iamquery.SearchUsersRequest{PageRequest: query.PageRequest{Limit: 2}}
		for {
			users, info, err := env.queries.SearchUsers(ctx, "inst-1", req)
			require.NoError(t, err)
			assert.Equal(t, uint64(5), info.TotalCount)
			for _, u := range users {
				seen = append(seen, u.Username)
			}
			if info.NextCursor == "" {
				break
			}
			req.Cursor = info.NextCursor
		}
		assert.Equal(t, []string{"ada", "bob", "carol", "dave", "erin"}, seen)
	})

	t.Run("descending", func(t *testing.T) {
		users, info, err := env.queries.SearchUsers(ctx, "inst-1", iamquery.SearchUsersRequest{
			PageRequest: query.PageRequest{Limit: 3, Desc: true},
		})
		require.NoError(t, err)
		require.Len(t, users, 3)
		assert.Equal(t, "erin", users[0].Username)
		require.NotEmpty(t, info.NextCursor)

		users, info, err = env.queries.SearchUsers(ctx, "inst-1", iamquery.SearchUsersRequest{
			PageRequest: query.PageRequest{Limit: 3, Desc: true, Cursor: info.NextCursor},
		})
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, "bob", users[0].Username)
		assert.Equal(t, "ada", users[1].Username)
		assert.Empty(t, info.NextCursor)
	})

	t.Run("sorted by creation time", func(t *testing.T) {
		users, info, err := env.queries.SearchUsers(ctx, "inst-1", iamquery.SearchUsersRequest{
			PageRequest: query.PageRequest{Limit: 4},
			SortBy:      iamquery.UserSortByCreatedAt,
		})
		require.NoError(t, err)
		require.Len(t, users, 4)
		require.NotEmpty(t, info.NextCursor)

		users, _, err = env.queries.SearchUsers(ctx, "inst-1", iamquery.SearchUsersRequest{
			PageRequest: query.PageRequest{Limit: 4, Cursor: info.NextCursor},
			SortBy:      iamquery.UserSortByCreatedAt,
		})
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "erin", users[0].Username)
	})

	t.Run("malformed cursor", func(t *testing.T) {
		_, _, err := env.queries.SearchUsers(ctx, "inst-1", iamquery.SearchUsersRequest{
			PageRequest: query.PageRequest{Cursor: "!!not-base64!!"},
		})
		require.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestReadYourWrites(t *testing.T) {
	env := newQueryEnv(t)
	ctx := context.Background()

	env.addUser(t, "inst-1", "org-1", "user-1", "ada", "ada@example.com")

	// The projection lags behind the push until the worker catches up;
	// waiting on the command's position makes the change visible.
	env.execute(t, iamquery.UsersProjectionName, &user.ChangeUsernameCommand{
		Base:     user.NewBase("inst-1", "org-1", "user-1", domain.Editor{UserID: "admin-1"}),
		Username: "countess",
	})

	u, err := env.queries.UserByUsername(ctx, "inst-1", "countess")
	require.NoError(t, err)
	assert.Equal(t, "user-1", u.UserID)

	env.execute(t, iamquery.UsersProjectionName, &user.DeactivateCommand{
		Base: user.NewBase("inst-1", "org-1", "user-1", domain.Editor{UserID: "admin-1"}),
	})
	u, err = env.queries.UserByID(ctx, "inst-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "inactive", u.State)

	env.execute(t, iamquery.UsersProjectionName, &user.RemoveCommand{
		Base: user.NewBase("inst-1", "org-1", "user-1", domain.Editor{UserID: "admin-1"}),
	})
	_, err = env.queries.UserByID(ctx, "inst-1", "user-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrgQueries(t *testing.T) {
	env := newQueryEnv(t)
	ctx := context.Background()

	env.addOrg(t, "inst-1", "org-1", "Acme")
	env.addOrg(t, "inst-1", "org-2", "Globex")
	env.addOrg(t, "inst-2", "org-1", "Initech")

	t.Run("by id", func(t *testing.T) {
		o, err := env.queries.OrgByID(ctx, "inst-1", "org-1")
		require.NoError(t, err)
		assert.Equal(t, "Acme", o.Name)
		assert.Equal(t, "active", o.State)
	})

	t.Run("instances are isolated", func(t *testing.T) {
		o, err := env.queries.OrgByID(ctx, "inst-2", "org-1")
		require.NoError(t, err)
		assert.Equal(t, "Initech", o.Name)

		_, err = env.queries.OrgByID(ctx, "inst-2", "org-2")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("search by prefix", func(t *testing.T) {
		orgs, info, err := env.queries.SearchOrgs(ctx, "inst-1", iamquery.SearchOrgsRequest{
			NamePrefix: "Glo",
		})
		require.NoError(t, err)
		require.Len(t, orgs, 1)
		assert.Equal(t, "Globex", orgs[0].Name)
		assert.Equal(t, uint64(1), info.TotalCount)
	})

	t.Run("rename shows up after await", func(t *testing.T) {
		env.execute(t, iamquery.OrgsProjectionName, &org.ChangeNameCommand{
			Base: org.Base{InstanceID: "inst-1", OrgID: "org-2", Actor: domain.Editor{UserID: "admin-1"}},
			Name: "Hooli",
		})
		o, err := env.queries.OrgByID(ctx, "inst-1", "org-2")
		require.NoError(t, err)
		assert.Equal(t, "Hooli", o.Name)
	})
}
