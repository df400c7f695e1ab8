package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"tracker/api/internal/cache"
	"tracker/api/internal/config"
	"tracker/api/internal/metrics"
	"tracker/api/internal/ordering"
	"tracker/api/internal/ratelimit"
	"tracker/api/internal/store"
)

type MoveIssueInput struct {
	IssueID        string
	ColumnID       string
	Index          int
	IdempotencyKey string
}

type dataStore interface {
	ListColumns(context.Context, string) ([]store.Column, error)
	GetColumn(context.Context, string) (store.Column, error)
	InsertColumn(context.Context, store.Column) error
	ListColumn(context.Context, string) ([]store.Issue, error)
	GetIssue(context.Context, string) (store.Issue, error)
	InColumnTx(context.Context, []string, func(store.ColumnTx) error) error
	Ping(ctx context.Context) error
}

type recorder interface {
	ObserveMove(string, time.Time)
	ObserveRebalance(string)
}

var defaultColumns = []string{"Backlog", "Todo", "In Progress", "Done"}

// relocateAttempts bounds how often a move restarts because the issue changed
// column between the lookup and taking the column locks.
const relocateAttempts = 3

var errIssueRelocated = errors.New("issue changed column")

type cachedMove struct {
	Target   string         `json:"target"`
	Response map[string]any `json:"response"`
}

type Service struct {
	cfg       config.Config
	store     dataStore
	responses cache.Cache
	limiter   ratelimit.Limiter
	metrics   recorder
	logger    *slog.Logger
}

func New(cfg config.Config, dataStore *store.PostgresStore, responses cache.Cache, limiter ratelimit.Limiter, recorder *metrics.Recorder, logger *slog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		responses: responses,
		limiter:   limiter,
		metrics:   recorder,
		logger:    logger,
	}
}

// Bootstrap seeds the default columns of the configured board on first start.
func (s *Service) Bootstrap(ctx context.Context) error {
	columns, err := s.store.ListColumns(ctx, s.cfg.BoardID)
	if err != nil {
		return err
	}
	if len(columns) > 0 {
		return nil
	}

	for _, name := range defaultColumns {
		column := store.Column{
			ID:      s.cfg.BoardID + "_" + strings.ReplaceAll(strings.ToLower(name), " ", "_"),
			BoardID: s.cfg.BoardID,
			Name:    name,
		}
		if err := s.store.InsertColumn(ctx, column); err != nil {
			return err
		}
	}
	s.logger.InfoContext(ctx, "seeded board columns", "boardId", s.cfg.BoardID, "columns", len(defaultColumns))
	return nil
}

func (s *Service) ListColumns(ctx context.Context) (map[string]any, error) {
	columns, err := s.store.ListColumns(ctx, s.cfg.BoardID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(columns))
	for _, column := range columns {
		items = append(items, map[string]any{
			"id":      column.ID,
			"boardId": column.BoardID,
			"name":    column.Name,
		})
	}
	return map[string]any{"boardId": s.cfg.BoardID, "columns": items}, nil
}

// ListColumn returns the issues of a column in display order.
func (s *Service) ListColumn(ctx context.Context, columnID string) (map[string]any, error) {
	column, err := s.requireColumn(ctx, columnID)
	if err != nil {
		return nil, err
	}
	issues, err := s.store.ListColumn(ctx, column.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"column":           map[string]any{"id": column.ID, "name": column.Name},
		"issues":           issuePayloads(issues),
		"needsRebalancing": ordering.NeedsRebalancing(positionsOf(issues)),
	}, nil
}

// CreateIssue appends a new issue at the bottom of a column.
func (s *Service) CreateIssue(ctx context.Context, columnID, title string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, validationError("title is required")
	}
	column, err := s.requireColumn(ctx, columnID)
	if err != nil {
		return nil, err
	}

	issue := store.Issue{ID: "iss_" + uuid.NewString(), ColumnID: column.ID, Title: title}
	err = s.store.InColumnTx(ctx, []string{column.ID}, func(tx store.ColumnTx) error {
		items, err := tx.ListColumn(ctx, column.ID)
		if err != nil {
			return err
		}
		position, _, _, err := s.placeAt(ctx, tx, column.ID, items, len(items))
		if err != nil {
			return err
		}
		issue.Position = position
		return tx.InsertIssue(ctx, issue)
	})
	if err != nil {
		return nil, err
	}
	return issuePayload(issue), nil
}

// MoveIssue places an issue at index of the target column. index counts the
// column without the moved issue and is clamped to the column bounds.
func (s *Service) MoveIssue(ctx context.Context, input MoveIssueInput) (map[string]any, error) {
	started := time.Now()
	payload, err := s.moveIssue(ctx, input)
	switch {
	case err != nil:
		s.metrics.ObserveMove(metrics.ResultError, started)
	case payload["replayed"] == true:
		s.metrics.ObserveMove(metrics.ResultReplayed, started)
	default:
		s.metrics.ObserveMove(metrics.ResultOK, started)
	}
	return payload, err
}

func (s *Service) moveIssue(ctx context.Context, input MoveIssueInput) (map[string]any, error) {
	input.IssueID = strings.TrimSpace(input.IssueID)
	input.ColumnID = strings.TrimSpace(input.ColumnID)
	if input.IssueID == "" {
		return nil, validationError("issueId is required")
	}
	if input.ColumnID == "" {
		return nil, validationError("columnId is required")
	}
	if input.Index < 0 {
		return nil, validationError("index must not be negative")
	}

	cacheKey := ""
	target := fmt.Sprintf("%s#%d", input.ColumnID, input.Index)
	if key := strings.TrimSpace(input.IdempotencyKey); key != "" {
		cacheKey = "move:" + input.IssueID + ":" + key
		cached, ok := s.lookupResponse(ctx, cacheKey)
		if ok && cached.Target != target {
			return nil, idempotencyConflictError()
		}
		if ok {
			cached.Response["replayed"] = true
			return cached.Response, nil
		}
	}

	if _, err := s.requireColumn(ctx, input.ColumnID); err != nil {
		return nil, err
	}

	var payload map[string]any
	for attempt := 1; ; attempt++ {
		current, err := s.store.GetIssue(ctx, input.IssueID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundError("issue not found")
		}
		if err != nil {
			return nil, err
		}
		payload, err = s.placeIssue(ctx, input, current.ColumnID)
		if err == nil {
			break
		}
		if !errors.Is(err, errIssueRelocated) {
			return nil, err
		}
		if attempt == relocateAttempts {
			return nil, conflictError("MOVE_CONFLICT", "Issue is being moved by another request")
		}
	}

	if cacheKey != "" {
		s.storeResponse(ctx, cacheKey, cachedMove{Target: target, Response: payload})
	}
	return payload, nil
}

// placeIssue moves the issue while holding the locks of both its current column
// and the target column. It fails with errIssueRelocated when the issue left
// sourceColumnID before the locks were taken.
func (s *Service) placeIssue(ctx context.Context, input MoveIssueInput, sourceColumnID string) (map[string]any, error) {
	var payload map[string]any
	err := s.store.InColumnTx(ctx, []string{sourceColumnID, input.ColumnID}, func(tx store.ColumnTx) error {
		issue, err := tx.GetIssue(ctx, input.IssueID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError("issue not found")
		}
		if err != nil {
			return err
		}
		if issue.ColumnID != sourceColumnID {
			return errIssueRelocated
		}
		items, err := tx.ListColumn(ctx, input.ColumnID)
		if err != nil {
			return err
		}
		items = withoutIssue(items, issue.ID)

		position, items, rebalanced, err := s.placeAt(ctx, tx, input.ColumnID, items, input.Index)
		if err != nil {
			return err
		}
		if err := tx.SetIssuePosition(ctx, issue.ID, input.ColumnID, position); err != nil {
			return err
		}
		issue.ColumnID = input.ColumnID
		issue.Position = position

		if ordering.NeedsRebalancing(append(positionsOf(items), position)) {
			balanced, err := s.rebalance(ctx, tx, input.ColumnID, append(items, issue), metrics.ReasonProactive)
			if err != nil {
				return err
			}
			for _, item := range balanced {
				if item.ID == issue.ID {
					issue.Position = item.Position
				}
			}
			rebalanced = true
		}

		payload = issuePayload(issue)
		payload["rebalanced"] = rebalanced
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// RebalanceColumn rewrites every key of a column to 1, 2, 3...
func (s *Service) RebalanceColumn(ctx context.Context, columnID string) (map[string]any, error) {
	column, err := s.requireColumn(ctx, columnID)
	if err != nil {
		return nil, err
	}
	var balanced []store.Issue
	err = s.store.InColumnTx(ctx, []string{column.ID}, func(tx store.ColumnTx) error {
		items, err := tx.ListColumn(ctx, column.ID)
		if err != nil {
			return err
		}
		balanced, err = s.rebalance(ctx, tx, column.ID, items, metrics.ReasonManual)
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"column": map[string]any{"id": column.ID, "name": column.Name},
		"issues": issuePayloads(balanced),
	}, nil
}

// AllowMove applies the per-caller move rate limit. Limiter failures let the
// request through.
func (s *Service) AllowMove(ctx context.Context, caller string) bool {
	allowed, err := s.limiter.Allow(ctx, "move:"+caller)
	if err != nil {
		s.logger.WarnContext(ctx, "rate limiter unavailable", "error", err)
		return true
	}
	return allowed
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// placeAt computes the key for index among items, which must be in display order
// and exclude the issue being placed. When the neighbors have run out of room the
// column is rebalanced once and the key is computed again; the returned items carry
// the keys actually stored.
func (s *Service) placeAt(ctx context.Context, tx store.ColumnTx, columnID string, items []store.Issue, index int) (float64, []store.Issue, bool, error) {
	position, err := ordering.CalculatePosition(ordering.Neighbors(positionsOf(items), index))
	if !errors.Is(err, ordering.ErrPositionExhausted) {
		return position, items, false, err
	}

	s.logger.InfoContext(ctx, "column keys exhausted", "columnId", columnID, "index", index, "error", err)
	items, err = s.rebalance(ctx, tx, columnID, items, metrics.ReasonExhausted)
	if err != nil {
		return 0, items, false, err
	}
	position, err = ordering.CalculatePosition(ordering.Neighbors(positionsOf(items), index))
	if err != nil {
		return 0, items, true, fmt.Errorf("place after rebalance: %w", err)
	}
	return position, items, true, nil
}

func (s *Service) rebalance(ctx context.Context, tx store.ColumnTx, columnID string, items []store.Issue, reason string) ([]store.Issue, error) {
	byID := make(map[string]store.Issue, len(items))
	entries := make([]ordering.Item, 0, len(items))
	for _, item := range items {
		byID[item.ID] = item
		entries = append(entries, ordering.Item{ID: item.ID, Position: item.Position})
	}

	assignments := ordering.RebalancePositions(entries)
	updates := make([]store.PositionUpdate, 0, len(assignments))
	balanced := make([]store.Issue, 0, len(assignments))
	for _, assignment := range assignments {
		updates = append(updates, store.PositionUpdate{IssueID: assignment.ID, Position: assignment.Position})
		item := byID[assignment.ID]
		item.Position = assignment.Position
		balanced = append(balanced, item)
	}

	if err := tx.SetColumnPositions(ctx, columnID, updates); err != nil {
		return nil, err
	}
	s.metrics.ObserveRebalance(reason)
	s.logger.InfoContext(ctx, "column rebalanced", "columnId", columnID, "issues", len(balanced), "reason", reason)
	return balanced, nil
}

func (s *Service) requireColumn(ctx context.Context, columnID string) (store.Column, error) {
	columnID = strings.TrimSpace(columnID)
	if columnID == "" {
		return store.Column{}, validationError("columnId is required")
	}
	column, err := s.store.GetColumn(ctx, columnID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Column{}, notFoundError("column not found")
	}
	if err != nil {
		return store.Column{}, err
	}
	return column, nil
}

func (s *Service) lookupResponse(ctx context.Context, key string) (cachedMove, bool) {
	raw, ok, err := s.responses.Get(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "idempotency cache lookup failed", "key", key, "error", err)
		return cachedMove{}, false
	}
	if !ok {
		return cachedMove{}, false
	}
	var entry cachedMove
	if err := json.Unmarshal(raw, &entry); err != nil || entry.Response == nil {
		s.logger.WarnContext(ctx, "idempotency cache entry unreadable", "key", key, "error", err)
		return cachedMove{}, false
	}
	if err := s.responses.Expire(ctx, key, s.cfg.IdempotencyTTL); err != nil {
		s.logger.WarnContext(ctx, "idempotency cache expire failed", "key", key, "error", err)
	}
	return entry, true
}

func (s *Service) storeResponse(ctx context.Context, key string, entry cachedMove) {
	raw, err := json.Marshal(entry)
	if err != nil {
		s.logger.WarnContext(ctx, "idempotency cache encode failed", "key", key, "error", err)
		return
	}
	if err := s.responses.Set(ctx, key, raw, s.cfg.IdempotencyTTL); err != nil {
		s.logger.WarnContext(ctx, "idempotency cache store failed", "key", key, "error", err)
	}
}

func withoutIssue(items []store.Issue, issueID string) []store.Issue {
	filtered := make([]store.Issue, 0, len(items))
	for _, item := range items {
		if item.ID != issueID {
			filtered = append(filtered, item)
		}
	}
	return filtered
}

func positionsOf(items []store.Issue) []float64 {
	positions := make([]float64, 0, len(items))
	for _, item := range items {
		positions = append(positions, item.Position)
	}
	return positions
}

func issuePayload(issue store.Issue) map[string]any {
	return map[string]any{
		"id":       issue.ID,
		"columnId": issue.ColumnID,
		"title":    issue.Title,
		"position": issue.Position,
	}
}

func issuePayloads(issues []store.Issue) []map[string]any {
	items := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		items = append(items, issuePayload(issue))
	}
	return items
}
