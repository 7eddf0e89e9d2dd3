// Package gitrepo keeps a git history of room snapshots, one repository per
// room with a single main branch.
package gitrepo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"docagent/api/internal/store"
)

const (
	contentFile   = "content.json"
	mainBranch    = "main"
	snapshotActor = "Collaboration endpoint"
	maxRepoName   = 64
)

var ErrNoHistory = errors.New("no history for room")

// Content is the committed file.
type Content struct {
	Room string          `json:"room"`
	Text string          `json:"text"`
	Doc  json.RawMessage `json:"doc,omitempty"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// SaveSnapshot commits snap to the room's history. Unchanged content creates
// no commit.
func (s *Service) SaveSnapshot(_ context.Context, snap store.Snapshot) error {
	_, err := s.CommitContent(snap.Room, Content{Room: snap.Room, Text: snap.Content, Doc: snap.Doc}, snapshotActor, "Snapshot "+snap.Room)
	return err
}

// CommitContent writes content on main, creating the repository on first
// use, and returns the head commit.
func (s *Service) CommitContent(room string, content Content, author, message string) (store.CommitInfo, error) {
	lock := s.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(room)
	if err != nil {
		return store.CommitInfo{}, err
	}

	if head, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true); err == nil {
		commitObj, err := repo.CommitObject(head.Hash())
		if err != nil {
			return store.CommitInfo{}, fmt.Errorf("load head commit: %w", err)
		}
		previous, err := readContentFromCommit(commitObj)
		if err == nil && !HasChanges(previous, content) {
			return toCommitInfo(commitObj), nil
		}
	}

	hash, err := commit(repo, content, author, message)
	if err != nil {
		return store.CommitInfo{}, err
	}
	if err := pointMainAt(repo, hash); err != nil {
		return store.CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) GetHeadContent(room string) (Content, store.CommitInfo, error) {
	lock := s.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(room)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return Content{}, store.CommitInfo{}, fmt.Errorf("resolve %s: %w", mainBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Content{}, store.CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	return content, toCommitInfo(commitObj), nil
}

func (s *Service) GetContentByHash(room, hash string) (Content, error) {
	lock := s.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(room)
	if err != nil {
		return Content{}, err
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return Content{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return Content{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readContentFromCommit(commitObj)
}

// History lists commits on main, newest first.
func (s *Service) History(room string, limit int) ([]store.CommitInfo, error) {
	lock := s.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(room)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", mainBranch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0, max(limit, 0))
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// repoPath keeps plain room names readable. Any other name gets a digest
// suffix so rooms that sanitize alike still get their own repository.
func (s *Service) repoPath(room string) string {
	name := sanitizeName(room)
	if name != room || len(name) > maxRepoName {
		if len(name) > maxRepoName {
			name = name[:maxRepoName]
		}
		sum := sha256.Sum256([]byte(room))
		name += "-" + hex.EncodeToString(sum[:6])
	}
	return filepath.Join(s.baseDir, "room-"+name)
}

func (s *Service) roomLock(room string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[room]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[room] = lock
	return lock
}

func (s *Service) open(room string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(room))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w %q", ErrNoHistory, room)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(room string) (*git.Repository, error) {
	path := s.repoPath(room)
	if _, err := os.Stat(path); err == nil {
		return s.open(room)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat repo path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func commit(repo *git.Repository, content Content, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal content: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, contentFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@docagent.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

// pointMainAt moves main to hash and makes HEAD follow main.
func pointMainAt(repo *git.Repository, hash plumbing.Hash) error {
	main := plumbing.NewBranchReferenceName(mainBranch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(main, hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, main)); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return Content{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Content{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Content{}, fmt.Errorf("read content bytes: %w", err)
	}
	var content Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

func HasChanges(from, to Content) bool {
	if from.Text != to.Text {
		return true
	}
	return !bytes.Equal(normalizeDoc(from.Doc), normalizeDoc(to.Doc))
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeName(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'), r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "unnamed"
	}
	return string(out)
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func normalizeDoc(doc json.RawMessage) []byte {
	if len(doc) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return normalized
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
