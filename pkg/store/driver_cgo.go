package store

// Registers the "sqlite3" driver. Select it with WithDriver("sqlite3").
// Binaries built with CGO_ENABLED=0 get a stub that fails on Open.
import _ "github.com/mattn/go-sqlite3"
