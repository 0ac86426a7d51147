// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package testdb hands tests migrated database files without paying the
// migration cost per test: each schema is migrated once into a template and
// cloned per test.
package testdb

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jittarao/torboxd/internal/database"
)

type templateState struct {
	once sync.Once
	path string
	err  error
}

var (
	templatesMu sync.Mutex
	templates   = make(map[database.Schema]*templateState)
)

// CatalogPath returns a fresh migrated catalog database path for a test.
func CatalogPath(t *testing.T) string {
	return pathFromTemplate(t, database.SchemaCatalog, "catalog.db")
}

// UserPath returns a fresh migrated per-user store path for a test.
func UserPath(t *testing.T) string {
	return pathFromTemplate(t, database.SchemaUser, "user.db")
}

// OpenCatalog opens a fresh catalog store, closed on test cleanup.
func OpenCatalog(t *testing.T) *database.DB {
	return open(t, CatalogPath(t), database.SchemaCatalog)
}

// OpenUser opens a fresh per-user store, closed on test cleanup.
func OpenUser(t *testing.T) *database.DB {
	return open(t, UserPath(t), database.SchemaUser)
}

func open(t *testing.T, path string, schema database.Schema) *database.DB {
	t.Helper()

	db, err := database.Open(path, schema)
	if err != nil {
		t.Fatalf("open %s store at %s: %v", schema, path, err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func pathFromTemplate(t *testing.T, schema database.Schema, filename string) string {
	t.Helper()

	state := getTemplateState(schema)
	state.once.Do(func() {
		state.path, state.err = createTemplateDB(schema)
	})
	if state.err != nil {
		t.Fatalf("prepare test DB template %q: %v", schema, state.err)
	}

	dbPath := filepath.Join(t.TempDir(), filename)
	if err := cloneDatabaseFiles(state.path, dbPath); err != nil {
		t.Fatalf("clone test DB template %q to %s: %v", schema, dbPath, err)
	}

	return dbPath
}

func getTemplateState(schema database.Schema) *templateState {
	templatesMu.Lock()
	defer templatesMu.Unlock()

	state, ok := templates[schema]
	if ok {
		return state
	}

	state = &templateState{}
	templates[schema] = state
	return state
}

func createTemplateDB(schema database.Schema) (string, error) {
	templateDir, err := os.MkdirTemp("", fmt.Sprintf("torboxd-%s-template-", schema))
	if err != nil {
		return "", err
	}

	templatePath := filepath.Join(templateDir, "template.db")
	db, err := database.Open(templatePath, schema)
	if err != nil {
		return "", err
	}

	if err := db.Close(); err != nil {
		return "", err
	}

	return templatePath, nil
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return err
	}

	return dstFile.Close()
}

func cloneDatabaseFiles(srcMain, dstMain string) error {
	if err := copyFile(srcMain, dstMain); err != nil {
		return err
	}

	for _, suffix := range []string{"-wal", "-shm"} {
		if err := copyOptionalFile(srcMain+suffix, dstMain+suffix); err != nil {
			return err
		}
	}

	return nil
}

func copyOptionalFile(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return copyFile(src, dst)
}
