package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/plaenen/iamcore/pkg/domain"
	"github.com/plaenen/iamcore/pkg/eventstore"
	"github.com/plaenen/iamcore/pkg/observability"
)

const selectEvents = `
	SELECT position, in_tx_order, instance_id, aggregate_type, aggregate_id,
	       sequence, aggregate_version, event_type, payload,
	       editor_user, editor_service, resource_owner, command_id, created_at
	FROM events`

// Filter returns the events matching the query, ordered by
// (position, in_tx_order).
func (s *EventStore) Filter(ctx context.Context, query *eventstore.SearchQueryBuilder) (events []*domain.Event, err error) {
	ctx, span := observability.StartSpan(ctx, "eventstore.filter")
	defer func() { observability.EndSpan(span, err) }()

	stmt, args := buildFilterSQL(query)
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, storageErr("filter events", err)
	}
	return scanEvents(rows)
}

// LatestPosition returns the position of the newest event, optionally
// scoped to one instance. The zero position means the log is empty.
func (s *EventStore) LatestPosition(ctx context.Context, instanceID string) (domain.Position, error) {
	stmt := `SELECT position, in_tx_order FROM events`
	var args []any
	if instanceID != "" {
		stmt += ` WHERE instance_id = ?`
		args = append(args, instanceID)
	}
	stmt += ` ORDER BY position DESC, in_tx_order DESC LIMIT 1`

	var p domain.Position
	err := s.db.QueryRowContext(ctx, stmt, args...).Scan(&p.Ordinal, &p.InTxOrder)
	if err == sql.ErrNoRows {
		return domain.Position{}, nil
	}
	if err != nil {
		return domain.Position{}, storageErr("read latest position", err)
	}
	return p, nil
}

// InstanceIDs lists the distinct instances with events matching the query.
func (s *EventStore) InstanceIDs(ctx context.Context, query *eventstore.SearchQueryBuilder) ([]string, error) {
	where, args := buildWhere(query)
	stmt := `SELECT DISTINCT instance_id FROM events` + where + ` ORDER BY instance_id`
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, storageErr("list instances", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan instance id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate instances", err)
	}
	return ids, nil
}

// Stream lazily yields events matching the request in position order.
// With Follow the stream stays open: once caught up it waits for the poll
// interval (or an append notification waking the store) and continues.
func (s *EventStore) Stream(ctx context.Context, req eventstore.StreamRequest) (<-chan *domain.Event, <-chan error) {
	out := make(chan *domain.Event)
	errs := make(chan error, 1)

	query := req.Query
	if query == nil {
		query = eventstore.NewSearchQueryBuilder()
	}
	query = query.Clone()
	batch := query.GetLimit()
	if batch == 0 {
		batch = 500
	}

	go func() {
		defer close(out)
		defer close(errs)

		last := query.GetPositionAfter()
		for {
			events, err := s.Filter(ctx, query.Clone().PositionAfter(last).Limit(batch))
			if err != nil {
				errs <- err
				return
			}
			for _, event := range events {
				select {
				case out <- event:
					last = event.Position
				case <-ctx.Done():
					return
				}
			}
			if uint64(len(events)) == batch {
				continue // not caught up yet
			}
			if !req.Follow {
				return
			}
			select {
			case <-time.After(s.pollInterval):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errs
}

func buildFilterSQL(query *eventstore.SearchQueryBuilder) (string, []any) {
	where, args := buildWhere(query)
	stmt := selectEvents + where

	order := " ORDER BY position ASC, in_tx_order ASC"
	if query.IsDescending() {
		order = " ORDER BY position DESC, in_tx_order DESC"
	}
	stmt += order

	if limit := query.GetLimit(); limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, limit)
	}
	return stmt, args
}

func buildWhere(query *eventstore.SearchQueryBuilder) (string, []any) {
	var (
		conds []string
		args  []any
	)

	addIn := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = "?"
			args = append(args, v)
		}
		conds = append(conds, column+" IN ("+strings.Join(placeholders, ", ")+")")
	}

	addIn("instance_id", query.GetInstanceIDs())
	addIn("aggregate_id", query.GetAggregateIDs())
	addIn("editor_user", query.GetEditorUsers())

	if types := query.GetAggregateTypes(); len(types) > 0 {
		values := make([]string, len(types))
		for i, t := range types {
			values[i] = string(t)
		}
		addIn("aggregate_type", values)
	}
	if types := query.GetEventTypes(); len(types) > 0 {
		values := make([]string, len(types))
		for i, t := range types {
			values[i] = string(t)
		}
		addIn("event_type", values)
	}

	if after := query.GetPositionAfter(); !after.IsZero() {
		conds = append(conds, "(position > ? OR (position = ? AND in_tx_order > ?))")
		args = append(args, after.Ordinal, after.Ordinal, after.InTxOrder)
	}
	if atMost, ok := query.GetPositionAtMost(); ok {
		conds = append(conds, "(position < ? OR (position = ? AND in_tx_order <= ?))")
		args = append(args, atMost.Ordinal, atMost.Ordinal, atMost.InTxOrder)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanEvents(rows *sql.Rows) ([]*domain.Event, error) {
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var (
			event     domain.Event
			payload   []byte
			createdAt int64
		)
		if err := rows.Scan(
			&event.Position.Ordinal, &event.Position.InTxOrder,
			&event.Aggregate.InstanceID, &event.Aggregate.Type, &event.Aggregate.ID,
			&event.Sequence, &event.Aggregate.Version, &event.Type, &payload,
			&event.Editor.UserID, &event.Editor.Service, &event.Aggregate.ResourceOwner,
			&event.CommandID, &createdAt,
		); err != nil {
			return nil, storageErr("scan event", err)
		}
		event.Payload = payload
		event.CreatedAt = time.Unix(0, createdAt).UTC()
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate events", err)
	}
	return events, nil
}
