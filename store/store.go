// Package store implements the fragment cache: a file tree that is
// simultaneously the durable output artifact and the "already processed"
// index. A fragment lives at {root}/{lang}/contests/{contest}/{kind}/{id}.html
// and, once written, is never touched again — existence is the only
// completion signal the system keeps.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Kind is a content category. The value doubles as the directory name in
// the cache tree and as the path segment on the contest platform.
type Kind string

const (
	KindTask          Kind = "tasks"
	KindEditorial     Kind = "editorial"
	KindUserEditorial Kind = "user_editorial"
)

// Valid reports whether k is one of the three known content kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTask, KindEditorial, KindUserEditorial:
		return true
	}
	return false
}

// Label returns the human phrasing used in translation instructions.
func (k Kind) Label() string {
	switch k {
	case KindTask:
		return "task"
	case KindEditorial:
		return "editorial"
	case KindUserEditorial:
		return "user editorial"
	}
	return string(k)
}

// Item identifies one piece of contest content. SubID is set only for user
// editorials, where ID is the task id and SubID the author's user id; the
// stored filename is then the user id, matching the upstream layout.
type Item struct {
	Contest string
	Kind    Kind
	ID      string
	SubID   string
}

// Filename returns the basename (without directories) the item is stored
// under.
func (it Item) Filename() string {
	if it.Kind == KindUserEditorial && it.SubID != "" {
		return it.SubID + ".html"
	}
	return it.ID + ".html"
}

func (it Item) String() string {
	if it.SubID != "" {
		return fmt.Sprintf("%s/%s/%s/%s", it.Contest, it.Kind, it.ID, it.SubID)
	}
	return fmt.Sprintf("%s/%s/%s", it.Contest, it.Kind, it.ID)
}

// ErrEmptyFragment is returned by Write when the content is empty or
// whitespace. An empty file in the cache would be mistaken for a completed
// item forever, so the store refuses to create one.
var ErrEmptyFragment = errors.New("refusing to write empty fragment")

// Store is the file-system fragment cache rooted at a single directory.
type Store struct {
	root string
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute root directory of the cache tree.
func (s *Store) Root() string {
	return s.root
}

// Path returns the absolute file path for an item in the given language.
// Identifiers containing path separators or dot segments are rejected so a
// hostile id scraped from a page cannot escape the root.
func (s *Store) Path(lang string, it Item) (string, error) {
	for _, part := range []string{lang, it.Contest, string(it.Kind), it.ID, it.SubID} {
		if strings.ContainsAny(part, `/\`) || part == ".." || part == "." {
			return "", fmt.Errorf("invalid path segment %q", part)
		}
	}

	p := filepath.Join(s.root, lang, "contests", it.Contest, string(it.Kind), it.Filename())
	if !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes store root", p)
	}
	return p, nil
}

// Exists reports whether the fragment for (lang, item) has been written.
// This is the sole "already done" check in the whole system.
func (s *Store) Exists(lang string, it Item) bool {
	p, err := s.Path(lang, it)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// Read returns the stored fragment.
func (s *Store) Read(lang string, it Item) (string, error) {
	p, err := s.Path(lang, it)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("failed to read fragment: %w", err)
	}
	return string(data), nil
}

// Write persists a fragment, creating parent directories as needed. Empty
// or whitespace-only content is rejected with ErrEmptyFragment.
func (s *Store) Write(lang string, it Item, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyFragment
	}

	p, err := s.Path(lang, it)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("failed to create fragment directory: %w", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write fragment: %w", err)
	}
	return p, nil
}

// Rel converts an absolute fragment path back to a path relative to the
// store root, the form the publisher stages.
func (s *Store) Rel(path string) (string, error) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return "", fmt.Errorf("path %q is outside the store: %w", path, err)
	}
	return rel, nil
}
