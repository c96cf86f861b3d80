// Package storage persists the channel registry, the content pool, user
// records and global settings in SQLite (modernc.org/sqlite, no CGo).
package storage
