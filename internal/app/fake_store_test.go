package app

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"tracker/api/internal/cache"
	"tracker/api/internal/config"
	"tracker/api/internal/ratelimit"
	"tracker/api/internal/store"
)

// fakeStore keeps columns and issues in memory. Column transactions snapshot the
// issues and restore them when fn fails.
type fakeStore struct {
	mu             sync.Mutex
	columns        map[string]store.Column
	issues         map[string]store.Issue
	columnRewrites int
	locks          [][]string
	beforeTxFn     func()
	pingFn         func(context.Context) error
	setPositionFn  func(issueID, columnID string, position float64) error
}

func newFakeStore(columnIDs ...string) *fakeStore {
	f := &fakeStore{
		columns: make(map[string]store.Column),
		issues:  make(map[string]store.Issue),
	}
	for _, id := range columnIDs {
		f.columns[id] = store.Column{ID: id, BoardID: "board_test", Name: id}
	}
	return f
}

func (f *fakeStore) seed(columnID string, positions map[string]float64) {
	for id, position := range positions {
		f.issues[id] = store.Issue{ID: id, ColumnID: columnID, Title: id, Position: position}
	}
}

func (f *fakeStore) position(issueID string) float64 {
	return f.issues[issueID].Position
}

func (f *fakeStore) ListColumns(_ context.Context, boardID string) ([]store.Column, error) {
	items := make([]store.Column, 0)
	for _, column := range f.columns {
		if column.BoardID == boardID {
			items = append(items, column)
		}
	}
	slices.SortFunc(items, func(a, b store.Column) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return items, nil
}

func (f *fakeStore) GetColumn(_ context.Context, columnID string) (store.Column, error) {
	column, ok := f.columns[columnID]
	if !ok {
		return store.Column{}, sql.ErrNoRows
	}
	return column, nil
}

func (f *fakeStore) InsertColumn(_ context.Context, column store.Column) error {
	f.columns[column.ID] = column
	return nil
}

func (f *fakeStore) ListColumn(_ context.Context, columnID string) ([]store.Issue, error) {
	items := make([]store.Issue, 0)
	for _, issue := range f.issues {
		if issue.ColumnID == columnID {
			items = append(items, issue)
		}
	}
	slices.SortFunc(items, func(a, b store.Issue) int {
		return cmp.Or(cmp.Compare(a.Position, b.Position), cmp.Compare(a.ID, b.ID))
	})
	return items, nil
}

func (f *fakeStore) GetIssue(_ context.Context, issueID string) (store.Issue, error) {
	issue, ok := f.issues[issueID]
	if !ok {
		return store.Issue{}, sql.ErrNoRows
	}
	return issue, nil
}

func (f *fakeStore) InsertIssue(_ context.Context, issue store.Issue) error {
	if _, ok := f.issues[issue.ID]; ok {
		return errors.New("duplicate issue")
	}
	f.issues[issue.ID] = issue
	return nil
}

func (f *fakeStore) SetIssuePosition(_ context.Context, issueID, columnID string, position float64) error {
	if f.setPositionFn != nil {
		if err := f.setPositionFn(issueID, columnID, position); err != nil {
			return err
		}
	}
	issue, ok := f.issues[issueID]
	if !ok {
		return sql.ErrNoRows
	}
	issue.ColumnID = columnID
	issue.Position = position
	f.issues[issueID] = issue
	return nil
}

func (f *fakeStore) SetColumnPositions(_ context.Context, columnID string, updates []store.PositionUpdate) error {
	f.columnRewrites++
	for _, update := range updates {
		issue, ok := f.issues[update.IssueID]
		if !ok || issue.ColumnID != columnID {
			return sql.ErrNoRows
		}
		issue.Position = update.Position
		f.issues[update.IssueID] = issue
	}
	return nil
}

func (f *fakeStore) InColumnTx(_ context.Context, columnIDs []string, fn func(store.ColumnTx) error) error {
	if f.beforeTxFn != nil {
		f.beforeTxFn()
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.locks = append(f.locks, slices.Clone(columnIDs))

	snapshot := maps.Clone(f.issues)
	if err := fn(f); err != nil {
		f.issues = snapshot
		return err
	}
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeRecorder struct {
	moves      []string
	rebalances []string
}

func (r *fakeRecorder) ObserveMove(result string, _ time.Time) {
	r.moves = append(r.moves, result)
}

func (r *fakeRecorder) ObserveRebalance(reason string) {
	r.rebalances = append(r.rebalances, reason)
}

func newTestService(fs *fakeStore) (*Service, *fakeRecorder) {
	recorder := &fakeRecorder{}
	return &Service{
		cfg:       config.Config{BoardID: "board_test", IdempotencyTTL: time.Minute},
		store:     fs,
		responses: cache.NewMemoryStore(),
		limiter:   ratelimit.Unlimited{},
		metrics:   recorder,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, recorder
}
