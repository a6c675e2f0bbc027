package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is a typed row of one of the synchronized tables.
type Record interface {
	Table() Table
	Row() []string
	Validate() error
}

// ContentType distinguishes submissions from passes.
type ContentType string

const (
	ContentSubmit ContentType = "submit"
	ContentPass   ContentType = "pass"
)

// User is a community member.
type User struct {
	UserID      string
	Name        string
	ChannelName string
	ChannelID   string
	Intro       string
	Deposit     int
	Cohort      string

	// Contents is filled by the repository, ascending by DT. Not stored.
	Contents []*Content
}

func (u *User) Table() Table { return Users }

func (u *User) Row() []string {
	return []string{u.UserID, u.Name, u.ChannelName, u.ChannelID, u.Intro, strconv.Itoa(u.Deposit), u.Cohort}
}

func (u *User) Validate() error {
	if u.UserID == "" {
		return invalid(Users, "user_id is required")
	}
	return nil
}

// PassCount returns how many passes the user has used.
func (u *User) PassCount() int {
	n := 0
	for _, c := range u.Contents {
		if c.Type == ContentPass {
			n++
		}
	}
	return n
}

// RecentContent returns the latest content, or nil.
func (u *User) RecentContent() *Content {
	if len(u.Contents) == 0 {
		return nil
	}
	return u.Contents[len(u.Contents)-1]
}

// ParseUser decodes a users row.
func ParseUser(row []string) (*User, error) {
	if err := checkWidth(Users, row); err != nil {
		return nil, err
	}
	u := &User{
		UserID:      row[0],
		Name:        row[1],
		ChannelName: row[2],
		ChannelID:   row[3],
		Intro:       row[4],
		Cohort:      row[6],
	}
	if s := strings.TrimSpace(row[5]); s != "" {
		n, err := strconv.Atoi(strings.ReplaceAll(s, ",", ""))
		if err != nil {
			return nil, invalid(Users, "deposit %q is not a number", row[5])
		}
		u.Deposit = n
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return u, nil
}

// Content is a submission or pass.
type Content struct {
	UserID      string
	Username    string
	Title       string
	ContentURL  string
	DT          time.Time
	Category    string
	Description string
	Type        ContentType
	Tags        string
}

// UniqueID identifies a content as "<user_id>:<dt>".
func (c *Content) UniqueID() string {
	return c.UserID + ":" + FormatTime(c.DT)
}

// TagList splits the stored tags.
func (c *Content) TagList() []string {
	var tags []string
	for _, t := range strings.Split(c.Tags, "#") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func (c *Content) Table() Table { return Contents }

// Row renders the content in column order. Descriptions are flattened to a
// single line and tag separators become '#', matching the sheet format.
func (c *Content) Row() []string {
	desc := strings.NewReplacer(",", " ", "\r\n", " ", "\n", " ").Replace(c.Description)
	tags := strings.ReplaceAll(c.Tags, ",", "#")
	return []string{c.UserID, c.Username, c.Title, c.ContentURL, FormatTime(c.DT), c.Category, desc, string(c.Type), tags}
}

func (c *Content) Validate() error {
	if c.UserID == "" {
		return invalid(Contents, "user_id is required")
	}
	if c.DT.IsZero() {
		return invalid(Contents, "dt is required")
	}
	switch c.Type {
	case ContentSubmit, ContentPass:
	default:
		return invalid(Contents, "type %q must be submit or pass", c.Type)
	}
	return nil
}

// ParseContent decodes a contents row.
func ParseContent(row []string) (*Content, error) {
	if err := checkWidth(Contents, row); err != nil {
		return nil, err
	}
	dt, err := ParseTime(row[4])
	if err != nil {
		return nil, invalid(Contents, "dt %q: %v", row[4], err)
	}
	c := &Content{
		UserID:      row[0],
		Username:    row[1],
		Title:       row[2],
		ContentURL:  row[3],
		DT:          dt,
		Category:    row[5],
		Description: row[6],
		Type:        ContentType(strings.TrimSpace(row[7])),
		Tags:        row[8],
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Bookmark is a user's bookmark of a content. Deletion is logical.
type Bookmark struct {
	UserID    string
	ContentID string
	Note      string
	IsDeleted bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (b *Bookmark) Table() Table { return Bookmarks }

func (b *Bookmark) Row() []string {
	return []string{b.UserID, b.ContentID, b.Note, strconv.FormatBool(b.IsDeleted), FormatTime(b.CreatedAt), FormatTime(b.UpdatedAt)}
}

// Key returns the composite key values in column order.
func (b *Bookmark) Key() []string {
	return []string{b.UserID, b.ContentID}
}

func (b *Bookmark) Validate() error {
	if b.UserID == "" {
		return invalid(Bookmarks, "user_id is required")
	}
	if b.ContentID == "" {
		return invalid(Bookmarks, "content_id is required")
	}
	if b.CreatedAt.IsZero() || b.UpdatedAt.IsZero() {
		return invalid(Bookmarks, "created_at and updated_at are required")
	}
	return nil
}

// ParseBookmark decodes a bookmarks row.
func ParseBookmark(row []string) (*Bookmark, error) {
	if err := checkWidth(Bookmarks, row); err != nil {
		return nil, err
	}
	deleted, err := strconv.ParseBool(strings.TrimSpace(row[3]))
	if err != nil {
		return nil, invalid(Bookmarks, "is_deleted %q is not a boolean", row[3])
	}
	created, err := ParseTime(row[4])
	if err != nil {
		return nil, invalid(Bookmarks, "created_at %q: %v", row[4], err)
	}
	updated, err := ParseTime(row[5])
	if err != nil {
		return nil, invalid(Bookmarks, "updated_at %q: %v", row[5], err)
	}
	b := &Bookmark{
		UserID:    row[0],
		ContentID: row[1],
		Note:      row[2],
		IsDeleted: deleted,
		CreatedAt: created,
		UpdatedAt: updated,
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Event is an analytics entry in the event log.
type Event struct {
	ID          string
	DT          time.Time
	Actor       string
	Event       string
	Type        string
	Description string
	Body        json.RawMessage
}

func (e *Event) Table() Table { return Logs }

func (e *Event) Row() []string {
	body := string(e.Body)
	if body == "" {
		body = "{}"
	}
	return []string{e.ID, FormatTime(e.DT), e.Actor, e.Event, e.Type, e.Description, body}
}

func (e *Event) Validate() error {
	if e.ID == "" {
		return invalid(Logs, "event_id is required")
	}
	if e.Event == "" {
		return invalid(Logs, "event is required")
	}
	if len(e.Body) > 0 && !json.Valid(e.Body) {
		return invalid(Logs, "body is not valid JSON")
	}
	return nil
}

// ParseEvent decodes a logs row.
func ParseEvent(row []string) (*Event, error) {
	if err := checkWidth(Logs, row); err != nil {
		return nil, err
	}
	dt, err := ParseTime(row[1])
	if err != nil {
		return nil, invalid(Logs, "dt %q: %v", row[1], err)
	}
	e := &Event{
		ID:          row[0],
		DT:          dt,
		Actor:       row[2],
		Event:       row[3],
		Type:        row[4],
		Description: row[5],
		Body:        json.RawMessage(row[6]),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Parse decodes row as a record of table t.
func Parse(t Table, row []string) (Record, error) {
	switch t {
	case Users:
		return ParseUser(row)
	case Contents:
		return ParseContent(row)
	case Bookmarks:
		return ParseBookmark(row)
	case Logs:
		return ParseEvent(row)
	default:
		return nil, fmt.Errorf("unknown table %q", string(t))
	}
}

// ParseAll decodes every row of t, failing on the first malformed one.
// Line numbers in the returned error are 1-based record positions offset
// by firstLine-1.
func ParseAll(t Table, rows [][]string, firstLine int) ([]Record, error) {
	out := make([]Record, 0, len(rows))
	for i, row := range rows {
		rec, err := Parse(t, row)
		if err != nil {
			return nil, AtLine(err, firstLine+i)
		}
		out = append(out, rec)
	}
	return out, nil
}
