// Package repository is the read and write surface used by the bot.
//
// Reads are served from the local record store only. Writes append to the
// local store and enqueue the same row for upload, so a caller sees its own
// write immediately and the remote catches up on the next flush.
package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/geultto/sheetsync/internal/engine"
	"github.com/geultto/sheetsync/internal/queue"
	"github.com/geultto/sheetsync/internal/schema"
	"github.com/geultto/sheetsync/internal/store"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no local record matches.
	ErrNotFound = errors.New("record not found")

	// ErrExists is returned when creating a bookmark that is already active.
	ErrExists = errors.New("record already exists")
)

// Repository reads local tables and records writes for upload.
type Repository struct {
	store  *store.Store
	queues *queue.Set
	gate   *engine.Gate
	logger *slog.Logger

	// writeMu serializes writers per table so the local file and the
	// upload queue see rows in the same order, and a bookmark existence
	// check holds until its append.
	writeMu map[schema.Table]*sync.Mutex

	// now is replaced in tests.
	now func() time.Time
}

// New creates a repository over the given store and queues. Writes pass
// through gate.
func New(st *store.Store, queues *queue.Set, gate *engine.Gate, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	writeMu := make(map[schema.Table]*sync.Mutex)
	for _, t := range schema.Tables() {
		writeMu[t] = &sync.Mutex{}
	}
	return &Repository{
		store:   st,
		queues:  queues,
		gate:    gate,
		logger:  logger.With("component", "repository"),
		writeMu: writeMu,
		now:     func() time.Time { return time.Now().In(schema.KST) },
	}
}

// lock takes the write lock of table t and returns its unlock.
func (r *Repository) lock(t schema.Table) func() {
	mu := r.writeMu[t]
	mu.Lock()
	return mu.Unlock
}

// FromEngine creates a repository sharing the engine's store, queues and gate.
func FromEngine(e *engine.Engine, logger *slog.Logger) *Repository {
	return New(e.Store(), e.Queues(), e.Gate(), logger)
}

// write appends row locally and, when queueName is set, enqueues it.
// The caller holds the gate and the table's write lock.
func (r *Repository) write(t schema.Table, queueName string, row []string) error {
	if err := r.store.Append(t, row); err != nil {
		return err
	}
	if queueName == "" {
		return nil
	}
	if _, err := r.queues.Enqueue(queueName, row, t.Definition().KeyOf(row)); err != nil {
		return fmt.Errorf("failed to enqueue %s row: %w", t, err)
	}
	return nil
}

// AddContent records a submission or pass.
func (r *Repository) AddContent(c *schema.Content) error {
	if err := c.Validate(); err != nil {
		return err
	}
	release, err := r.gate.Enter()
	if err != nil {
		return err
	}
	defer release()
	defer r.lock(schema.Contents)()

	return r.write(schema.Contents, engine.QueueContents, c.Row())
}

// CreateBookmark bookmarks a content for a user. A previously deleted
// bookmark is revived with the new note.
func (r *Repository) CreateBookmark(userID, contentID, note string) (*schema.Bookmark, error) {
	release, err := r.gate.Enter()
	if err != nil {
		return nil, err
	}
	defer release()
	defer r.lock(schema.Bookmarks)()

	existing, err := r.latestBookmark(userID, contentID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if !existing.IsDeleted {
			return nil, fmt.Errorf("%w: bookmark %s/%s", ErrExists, userID, contentID)
		}
		deleted := false
		return r.updateBookmark(existing, BookmarkUpdate{Note: &note, Deleted: &deleted})
	}

	now := r.now()
	b := &schema.Bookmark{
		UserID:    userID,
		ContentID: contentID,
		Note:      note,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if err := r.write(schema.Bookmarks, engine.QueueBookmarks, b.Row()); err != nil {
		return nil, err
	}
	return b, nil
}

// BookmarkUpdate lists the bookmark fields to change. Nil fields are kept.
type BookmarkUpdate struct {
	Note    *string
	Deleted *bool
}

// UpdateBookmark changes a bookmark. Locally a new version is appended and
// the latest version wins on read; remotely the existing row is overwritten.
func (r *Repository) UpdateBookmark(userID, contentID string, upd BookmarkUpdate) (*schema.Bookmark, error) {
	release, err := r.gate.Enter()
	if err != nil {
		return nil, err
	}
	defer release()
	defer r.lock(schema.Bookmarks)()

	existing, err := r.latestBookmark(userID, contentID)
	if err != nil {
		return nil, err
	}
	return r.updateBookmark(existing, upd)
}

// DeleteBookmark marks a bookmark deleted.
func (r *Repository) DeleteBookmark(userID, contentID string) (*schema.Bookmark, error) {
	deleted := true
	return r.UpdateBookmark(userID, contentID, BookmarkUpdate{Deleted: &deleted})
}

// updateBookmark appends and enqueues a new version of existing. The caller
// holds the bookmarks write lock.
func (r *Repository) updateBookmark(existing *schema.Bookmark, upd BookmarkUpdate) (*schema.Bookmark, error) {
	b := *existing
	if upd.Note != nil {
		b.Note = *upd.Note
	}
	if upd.Deleted != nil {
		b.IsDeleted = *upd.Deleted
	}
	b.UpdatedAt = r.now()

	row := b.Row()
	if err := r.store.Append(schema.Bookmarks, row); err != nil {
		return nil, err
	}
	if _, err := r.queues.Enqueue(engine.QueueBookmarkUpdates, row, schema.Bookmarks.Definition().KeyOf(row)); err != nil {
		return nil, fmt.Errorf("failed to enqueue bookmark update: %w", err)
	}
	return &b, nil
}

// LogEvent appends an analytics event to the local event log. The log is
// uploaded in bulk by the engine and never enqueued.
func (r *Repository) LogEvent(actor, event, eventType, description string, body any) (*schema.Event, error) {
	raw := json.RawMessage("{}")
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event body: %w", err)
		}
		raw = data
	}
	e := &schema.Event{
		ID:          uuid.NewString(),
		DT:          r.now(),
		Actor:       actor,
		Event:       event,
		Type:        eventType,
		Description: description,
		Body:        raw,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	release, err := r.gate.Enter()
	if err != nil {
		return nil, err
	}
	defer release()
	defer r.lock(schema.Logs)()

	if err := r.write(schema.Logs, "", e.Row()); err != nil {
		return nil, err
	}
	return e, nil
}

// GetUser returns a user with their contents in ascending time order.
func (r *Repository) GetUser(userID string) (*schema.User, error) {
	users, err := r.users()
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.UserID != userID {
			continue
		}
		contents, err := r.FetchUserContents(userID)
		if err != nil {
			return nil, err
		}
		u.Contents = contents
		return u, nil
	}
	return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
}

// FetchUsers returns every user with their contents attached.
func (r *Repository) FetchUsers() ([]*schema.User, error) {
	users, err := r.users()
	if err != nil {
		return nil, err
	}
	contents, err := r.contents()
	if err != nil {
		return nil, err
	}
	sortContents(contents, true)

	byUser := make(map[string][]*schema.Content)
	for _, c := range contents {
		byUser[c.UserID] = append(byUser[c.UserID], c)
	}
	for _, u := range users {
		u.Contents = byUser[u.UserID]
	}
	return users, nil
}

// FetchUserIDsByName returns the ids of users with the given display name.
func (r *Repository) FetchUserIDsByName(name string) ([]string, error) {
	users, err := r.users()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, u := range users {
		if u.Name == name {
			ids = append(ids, u.UserID)
		}
	}
	return ids, nil
}

// ContentFilter narrows FetchContents. Empty fields match everything.
type ContentFilter struct {
	// Keyword is matched case-insensitively against title, description and tags.
	Keyword  string
	Name     string
	Category string
	Type     schema.ContentType
}

func (f ContentFilter) match(c *schema.Content) bool {
	if f.Name != "" && c.Username != f.Name {
		return false
	}
	if f.Category != "" && c.Category != f.Category {
		return false
	}
	if f.Type != "" && c.Type != f.Type {
		return false
	}
	if f.Keyword != "" {
		kw := strings.ToLower(f.Keyword)
		text := strings.ToLower(c.Title + " " + c.Description + " " + c.Tags)
		if !strings.Contains(text, kw) {
			return false
		}
	}
	return true
}

// FetchContents returns matching contents, newest first.
func (r *Repository) FetchContents(filter ContentFilter) ([]*schema.Content, error) {
	contents, err := r.contents()
	if err != nil {
		return nil, err
	}
	out := contents[:0]
	for _, c := range contents {
		if filter.match(c) {
			out = append(out, c)
		}
	}
	sortContents(out, false)
	return out, nil
}

// GetContent looks a content up by its unique id ("<user_id>:<dt>").
func (r *Repository) GetContent(uniqueID string) (*schema.Content, error) {
	contents, err := r.contents()
	if err != nil {
		return nil, err
	}
	for _, c := range contents {
		if c.UniqueID() == uniqueID {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: content %s", ErrNotFound, uniqueID)
}

// FetchUserContents returns a user's contents, oldest first.
func (r *Repository) FetchUserContents(userID string) ([]*schema.Content, error) {
	contents, err := r.contents()
	if err != nil {
		return nil, err
	}
	out := contents[:0]
	for _, c := range contents {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sortContents(out, true)
	return out, nil
}

// GetBookmark returns the active bookmark of a content for a user.
func (r *Repository) GetBookmark(userID, contentID string) (*schema.Bookmark, error) {
	b, err := r.latestBookmark(userID, contentID)
	if err != nil {
		return nil, err
	}
	if b.IsDeleted {
		return nil, fmt.Errorf("%w: bookmark %s/%s", ErrNotFound, userID, contentID)
	}
	return b, nil
}

// FetchBookmarks returns the latest version of every bookmark of a user,
// deleted ones included, newest first.
func (r *Repository) FetchBookmarks(userID string) ([]*schema.Bookmark, error) {
	all, err := r.bookmarks()
	if err != nil {
		return nil, err
	}
	var out []*schema.Bookmark
	for _, b := range all {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// FetchActiveBookmarks is FetchBookmarks without deleted bookmarks.
func (r *Repository) FetchActiveBookmarks(userID string) ([]*schema.Bookmark, error) {
	all, err := r.FetchBookmarks(userID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, b := range all {
		if !b.IsDeleted {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *Repository) latestBookmark(userID, contentID string) (*schema.Bookmark, error) {
	all, err := r.bookmarks()
	if err != nil {
		return nil, err
	}
	for _, b := range all {
		if b.UserID == userID && b.ContentID == contentID {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: bookmark %s/%s", ErrNotFound, userID, contentID)
}

func (r *Repository) users() ([]*schema.User, error) {
	rows, err := r.store.ReadAll(schema.Users)
	if err != nil {
		return nil, err
	}
	out := make([]*schema.User, 0, len(rows))
	for i, row := range rows {
		u, err := schema.ParseUser(row)
		if err != nil {
			r.skip(schema.Users, i, err)
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (r *Repository) contents() ([]*schema.Content, error) {
	rows, err := r.store.ReadAll(schema.Contents)
	if err != nil {
		return nil, err
	}
	out := make([]*schema.Content, 0, len(rows))
	for i, row := range rows {
		c, err := schema.ParseContent(row)
		if err != nil {
			r.skip(schema.Contents, i, err)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// bookmarks returns the latest version of each bookmark key in order of
// first appearance.
func (r *Repository) bookmarks() ([]*schema.Bookmark, error) {
	rows, err := r.store.ReadAll(schema.Bookmarks)
	if err != nil {
		return nil, err
	}
	index := make(map[[2]string]int)
	var out []*schema.Bookmark
	for i, row := range rows {
		b, err := schema.ParseBookmark(row)
		if err != nil {
			r.skip(schema.Bookmarks, i, err)
			continue
		}
		key := [2]string{b.UserID, b.ContentID}
		if at, ok := index[key]; ok {
			out[at] = b
			continue
		}
		index[key] = len(out)
		out = append(out, b)
	}
	return out, nil
}

func (r *Repository) skip(t schema.Table, i int, err error) {
	r.logger.Warn("skipping unreadable local row", "table", t, "record", i+1, "error", err)
}

func sortContents(contents []*schema.Content, ascending bool) {
	sort.SliceStable(contents, func(i, j int) bool {
		if ascending {
			return contents[i].DT.Before(contents[j].DT)
		}
		return contents[i].DT.After(contents[j].DT)
	})
}
