// Package schema defines the tables synchronized between the local record
// store and the remote spreadsheet, and the typed records stored in them.
//
// Every table has a fixed column order shared by the local CSV files and the
// remote sheet, plus a schema version. Rows are plain string slices on the
// wire; the Parse functions turn them into typed records and reject anything
// malformed with a *SchemaError instead of producing partial records.
//
// Tables:
//
//	users      user_id, name, channel_name, channel_id, intro, deposit, cohort
//	contents   user_id, username, title, content_url, dt, category, description, type, tags
//	bookmarks  user_id, content_id, note, is_deleted, created_at, updated_at
//	logs       event_id, dt, actor, event, type, description, body
//
// Timestamps use the "2006-01-02 15:04:05" layout in Korea Standard Time.
package schema
