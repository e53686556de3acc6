package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"reportline/internal/config"
	"reportline/internal/domain"
	"reportline/internal/events"
	"reportline/internal/repo"
)

// UserResolver maps the username header to the acting user.
type UserResolver interface {
	ResolveUser(ctx context.Context, q repo.Querier, login string) (domain.User, error)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Users  UserResolver
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Users:  r,
		Config: cfg,
		Logger: slog.Default(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) maxFutureSkew() time.Duration {
	if e.Config != nil && e.Config.MaxFutureSkew > 0 {
		return e.Config.MaxFutureSkew
	}
	return time.Hour
}

// LaunchStart are the fields of a START_LAUNCH event.
type LaunchStart struct {
	UUID        string
	ProjectName string
	Owner       string
	Name        string
	Description string
	Mode        domain.Mode
	StartTime   time.Time
}

// CreateLaunch registers a new in-progress launch. A launch whose uuid is
// already stored is returned as is.
func (e Engine) CreateLaunch(ctx context.Context, in LaunchStart) (domain.Launch, error) {
	if in.UUID == "" || in.Name == "" {
		return domain.Launch{}, fmt.Errorf("%w: launch uuid and name are required", ErrInvalidRequest)
	}
	switch in.Mode {
	case "":
		in.Mode = domain.ModeDefault
	case domain.ModeDefault, domain.ModeDebug:
	default:
		return domain.Launch{}, fmt.Errorf("%w: mode %s", ErrInvalidRequest, in.Mode)
	}
	now := e.now()
	if in.StartTime.IsZero() {
		in.StartTime = now
	}
	var out domain.Launch
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		existing, err := e.Repo.GetLaunchByUUID(ctx, tx, in.UUID)
		if err == nil {
			e.log().Debug("duplicate launch start", "launch_uuid", in.UUID)
			out = existing
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		p, err := e.Repo.GetProjectByName(ctx, tx, in.ProjectName)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrProjectNotFound, in.ProjectName)
			}
			return err
		}
		u, err := e.Users.ResolveUser(ctx, tx, in.Owner)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrUserNotFound, in.Owner)
			}
			return err
		}
		l := domain.Launch{
			UUID:         in.UUID,
			ProjectID:    p.ID,
			OwnerID:      u.ID,
			Name:         in.Name,
			Description:  in.Description,
			Mode:         in.Mode,
			Status:       domain.StatusInProgress,
			StartTime:    in.StartTime.UTC(),
			LastModified: now,
		}
		id, err := e.Repo.InsertLaunch(ctx, tx, l)
		if err != nil {
			return fmt.Errorf("insert launch: %w", err)
		}
		l.ID = id
		if err := e.Events.Append(ctx, tx, events.Entry{
			Type: events.LaunchStarted, ProjectID: p.ID, EntityKind: "launch", EntityID: l.UUID, LaunchID: l.ID,
			Actor: u.Login, Payload: events.EventPayload{"name": l.Name, "mode": l.Mode},
		}); err != nil {
			return err
		}
		out = l
		return nil
	})
	return out, err
}

// ItemStart are the fields of a START_TEST event.
type ItemStart struct {
	UUID       string
	LaunchUUID string
	ParentUUID string
	Name       string
	Type       string
	StartTime  time.Time
	Actor      string
}

// CreateItem registers a root or child item under an in-progress launch.
// An item whose uuid is already stored is returned as is.
func (e Engine) CreateItem(ctx context.Context, in ItemStart) (domain.TestItem, error) {
	if in.UUID == "" || in.Name == "" || in.Type == "" {
		return domain.TestItem{}, fmt.Errorf("%w: item uuid, name and type are required", ErrInvalidRequest)
	}
	now := e.now()
	if in.StartTime.IsZero() {
		in.StartTime = now
	}
	var out domain.TestItem
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		existing, err := e.Repo.GetItemByUUID(ctx, tx, in.UUID)
		if err == nil {
			e.log().Debug("duplicate item start", "item_uuid", in.UUID)
			out = existing
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		l, err := e.Repo.GetLaunchByUUID(ctx, tx, in.LaunchUUID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrLaunchNotFound, in.LaunchUUID)
			}
			return err
		}
		if l.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrLaunchFinished, l.UUID, l.Status)
		}
		it := domain.TestItem{
			UUID:         in.UUID,
			LaunchID:     l.ID,
			Name:         in.Name,
			Type:         in.Type,
			Status:       domain.StatusInProgress,
			StartTime:    in.StartTime.UTC(),
			LastModified: now,
		}
		if in.ParentUUID != "" {
			parent, err := e.Repo.GetItemByUUID(ctx, tx, in.ParentUUID)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return fmt.Errorf("%w: %s", ErrParentNotFound, in.ParentUUID)
				}
				return err
			}
			if parent.LaunchID != l.ID {
				return fmt.Errorf("%w: %s is not in launch %s", ErrParentNotFound, in.ParentUUID, l.UUID)
			}
			if parent.Status.Terminal() {
				return fmt.Errorf("%w: %s is %s", ErrParentFinished, parent.UUID, parent.Status)
			}
			it.ParentID = &parent.ID
			if !parent.HasChildren {
				if err := e.Repo.MarkHasChildren(ctx, tx, parent.ID, now); err != nil {
					return err
				}
			}
		}
		id, err := e.Repo.InsertItem(ctx, tx, it)
		if err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
		it.ID = id
		if err := e.Events.Append(ctx, tx, events.Entry{
			Type: events.ItemStarted, ProjectID: l.ProjectID, EntityKind: "item", EntityID: it.UUID, LaunchID: l.ID,
			Actor: in.Actor, Payload: events.EventPayload{"name": it.Name, "type": it.Type, "parent": in.ParentUUID},
		}); err != nil {
			return err
		}
		out = it
		return nil
	})
	return out, err
}

// Finish are the fields of a FINISH_TEST or FINISH_LAUNCH event. An empty
// Status asks for the aggregate of the children.
type Finish struct {
	UUID    string
	Status  domain.Status
	EndTime time.Time
	Actor   string
}

func (e Engine) checkEndTime(start, end, now time.Time) error {
	if end.Before(start) {
		return fmt.Errorf("%w: %s precedes start %s", ErrInvalidEndTime, end.Format(time.RFC3339Nano), start.Format(time.RFC3339Nano))
	}
	if end.After(now.Add(e.maxFutureSkew())) {
		return fmt.Errorf("%w: %s is too far in the future", ErrInvalidEndTime, end.Format(time.RFC3339Nano))
	}
	return nil
}

func parseRequested(s domain.Status) (domain.Status, error) {
	st, ok := domain.ParseStatus(string(s))
	if !ok || st == domain.StatusInProgress {
		return "", fmt.Errorf("%w: %s", ErrInvalidStatus, s)
	}
	return st, nil
}

// FinishItem moves an item to a terminal status. Finishing a terminal item
// is a no-op. An explicit status always wins over the child aggregate.
func (e Engine) FinishItem(ctx context.Context, in Finish) (domain.TestItem, error) {
	requested, err := parseRequested(in.Status)
	if err != nil {
		return domain.TestItem{}, err
	}
	now := e.now()
	if in.EndTime.IsZero() {
		in.EndTime = now
	}
	var out domain.TestItem
	err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		it, err := e.Repo.GetItemByUUID(ctx, tx, in.UUID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrItemNotFound, in.UUID)
			}
			return err
		}
		out = it
		if it.Status.Terminal() {
			e.log().Debug("item already finished", "item_uuid", it.UUID, "status", it.Status)
			return nil
		}
		if err := e.checkEndTime(it.StartTime, in.EndTime, now); err != nil {
			return err
		}
		busy, err := e.Repo.AnyDescendantInProgress(ctx, tx, it.ID)
		if err != nil {
			return err
		}
		if busy {
			return fmt.Errorf("%w: %s", ErrChildrenInProgress, it.UUID)
		}
		target := requested
		if target == "" {
			children, err := e.Repo.ChildStatuses(ctx, tx, it.ID)
			if err != nil {
				return err
			}
			target = itemAggregate(children)
		}
		to, changed, err := Transition(KindItem, it.Status, EventFinish, target)
		if err != nil || !changed {
			return err
		}
		end := in.EndTime.UTC()
		if err := e.Repo.UpdateItemStatus(ctx, tx, it.ID, to, end, now); err != nil {
			return err
		}
		l, err := e.Repo.GetLaunch(ctx, tx, it.LaunchID)
		if err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.Entry{
			Type: events.ItemFinished, ProjectID: l.ProjectID, EntityKind: "item", EntityID: it.UUID, LaunchID: l.ID,
			Actor: in.Actor, Payload: events.EventPayload{"from_status": it.Status, "to_status": to, "explicit": requested != ""},
		}); err != nil {
			return err
		}
		it.Status = to
		it.EndTime = &end
		it.LastModified = now
		out = it
		return nil
	})
	return out, err
}

// FinishLaunch applies an approved FINISH_LAUNCH. Items still in progress
// are re-checked inside the transaction.
func (e Engine) FinishLaunch(ctx context.Context, in Finish) (domain.Launch, error) {
	requested, err := parseRequested(in.Status)
	if err != nil {
		return domain.Launch{}, err
	}
	now := e.now()
	if in.EndTime.IsZero() {
		in.EndTime = now
	}
	var out domain.Launch
	err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		l, err := e.Repo.GetLaunchByUUID(ctx, tx, in.UUID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrLaunchNotFound, in.UUID)
			}
			return err
		}
		out = l
		if l.Status.Terminal() {
			e.log().Debug("launch already finished", "launch_uuid", l.UUID, "status", l.Status)
			return nil
		}
		if err := e.checkEndTime(l.StartTime, in.EndTime, now); err != nil {
			return err
		}
		busy, err := e.Repo.AnyItemInProgress(ctx, tx, l.ID)
		if err != nil {
			return err
		}
		if busy {
			return fmt.Errorf("%w: %s", ErrItemsInProgress, l.UUID)
		}
		target := requested
		if target == "" {
			roots, err := e.Repo.RootItemStatuses(ctx, tx, l.ID)
			if err != nil {
				return err
			}
			target = launchAggregate(roots)
		}
		to, changed, err := Transition(KindLaunch, l.Status, EventFinish, target)
		if err != nil || !changed {
			return err
		}
		end := in.EndTime.UTC()
		if err := e.Repo.UpdateLaunchStatus(ctx, tx, l.ID, to, end, now); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.Entry{
			Type: events.LaunchFinished, ProjectID: l.ProjectID, EntityKind: "launch", EntityID: l.UUID, LaunchID: l.ID,
			Actor: in.Actor, Payload: events.EventPayload{"from_status": l.Status, "to_status": to, "explicit": requested != ""},
		}); err != nil {
			return err
		}
		l.Status = to
		l.EndTime = &end
		l.LastModified = now
		out = l
		return nil
	})
	return out, err
}

// DescendantsInProgress reports whether any item of the launch is still
// running.
func (e Engine) DescendantsInProgress(ctx context.Context, launchUUID string) (bool, error) {
	l, err := e.Repo.GetLaunchByUUID(ctx, e.DB, launchUUID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, fmt.Errorf("%w: %s", ErrLaunchNotFound, launchUUID)
		}
		return false, err
	}
	return e.Repo.AnyItemInProgress(ctx, e.DB, l.ID)
}

// InterruptOptions selects a launch to force-terminate. When IdleSince is
// set the launch is only interrupted if it has no items, or no item change
// and no log at or after IdleSince.
type InterruptOptions struct {
	LaunchID  int64
	IdleSince time.Time
	Actor     string
}

// InterruptLaunch moves the launch and its in-progress items to
// INTERRUPTED with end time now, in one transaction. interrupted is false
// when the launch was already terminal or showed recent activity.
func (e Engine) InterruptLaunch(ctx context.Context, opts InterruptOptions) (l domain.Launch, interrupted bool, err error) {
	now := e.now()
	err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		interrupted = false
		cur, err := e.Repo.GetLaunch(ctx, tx, opts.LaunchID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%w: id %d", ErrLaunchNotFound, opts.LaunchID)
			}
			return err
		}
		l = cur
		to, changed, err := Transition(KindLaunch, cur.Status, EventInterrupt, domain.StatusInterrupted)
		if err != nil || !changed {
			return err
		}
		if !opts.IdleSince.IsZero() {
			hasItems, err := e.Repo.LaunchHasItems(ctx, tx, cur.ID)
			if err != nil {
				return err
			}
			if hasItems {
				active, err := e.Repo.LaunchActivitySince(ctx, tx, cur.ID, opts.IdleSince)
				if err != nil {
					return err
				}
				if active {
					return nil
				}
			}
		}
		n, err := e.Repo.InterruptInProgressItems(ctx, tx, cur.ID, now)
		if err != nil {
			return err
		}
		if err := e.Repo.UpdateLaunchStatus(ctx, tx, cur.ID, to, now, now); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.Entry{
			Type: events.LaunchInterrupted, ProjectID: cur.ProjectID, EntityKind: "launch", EntityID: cur.UUID, LaunchID: cur.ID,
			Actor: opts.Actor, Payload: events.EventPayload{"items_interrupted": n},
		}); err != nil {
			return err
		}
		end := now
		l.Status = to
		l.EndTime = &end
		l.LastModified = now
		interrupted = true
		return nil
	})
	return l, interrupted, err
}

// GetLaunch returns a launch with the status histogram of its items.
func (e Engine) GetLaunch(ctx context.Context, uuid string) (domain.LaunchSummary, error) {
	l, err := e.Repo.GetLaunchByUUID(ctx, e.DB, uuid)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.LaunchSummary{}, fmt.Errorf("%w: %s", ErrLaunchNotFound, uuid)
		}
		return domain.LaunchSummary{}, err
	}
	counts, err := e.Repo.CountItemsByStatus(ctx, l.ID)
	if err != nil {
		return domain.LaunchSummary{}, err
	}
	return domain.LaunchSummary{Launch: l, ItemCounts: counts}, nil
}

func (e Engine) ListItems(ctx context.Context, launchUUID string) ([]domain.TestItem, error) {
	l, err := e.Repo.GetLaunchByUUID(ctx, e.DB, launchUUID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrLaunchNotFound, launchUUID)
		}
		return nil, err
	}
	return e.Repo.ListItems(ctx, l.ID)
}
