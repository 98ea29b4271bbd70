// Package archive keeps a git history of document snapshots on local disk.
// It is optional: when no archive directory is configured the server runs
// without it. Each document gets its own repository with one commit per
// recorded snapshot, so operators can inspect or recover any past state.
package archive

import (
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
)

// ErrNoHistory means the document has never been archived.
var ErrNoHistory = errors.New("no archived history")

// Meta describes one archived snapshot. It is committed next to the state
// itself so every commit is self-describing.
type Meta struct {
	DocumentID string    `json:"documentId"`
	Reference  string    `json:"reference"`
	Seq        uint64    `json:"seq"`
	SavedAt    time.Time `json:"savedAt"`
}

// CommitInfo is one entry of a document's archive history.
type CommitInfo struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	Seq     uint64    `json:"seq"`
	SavedAt time.Time `json:"savedAt"`
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

// Record commits a snapshot into the document's repository, creating the
// repository on first use. Recording a state identical to the last commit
// is a no-op, so replayed saves do not pile up empty history.
func (s *Service) Record(m Meta, state []byte) error {
	lock := s.documentLock(m.DocumentID)
	lock.Lock()
	defer lock.Unlock()

	repo, created, err := s.openOrInit(m.DocumentID)
	if err != nil {
		return err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, "state.bin"), state, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, "meta.json"), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	if _, err := worktree.Add("state.bin"); err != nil {
		return fmt.Errorf("git add state: %w", err)
	}
	if _, err := worktree.Add("meta.json"); err != nil {
		return fmt.Errorf("git add meta: %w", err)
	}

	if !created {
		status, err := worktree.Status()
		if err != nil {
			return fmt.Errorf("worktree status: %w", err)
		}
		if status.IsClean() {
			return nil
		}
	}

	when := m.SavedAt
	if when.IsZero() {
		when = time.Now()
	}
	hash, err := worktree.Commit(fmt.Sprintf("Snapshot seq %d", m.Seq), &git.CommitOptions{
		Author: &object.Signature{
			Name:  "syncd",
			Email: "syncd@local.tandem.dev",
			When:  when,
		},
	})
	if err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}

	if created {
		if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
			return fmt.Errorf("set main branch ref: %w", err)
		}
		if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
			return fmt.Errorf("set HEAD to main: %w", err)
		}
	}
	return nil
}

// History lists a document's archived snapshots, newest first.
func (s *Service) History(documentID string, limit int) ([]CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// StateAt returns the archived state and meta at a commit. Short hashes
// from History resolve too.
func (s *Service) StateAt(documentID, hash string) ([]byte, Meta, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, Meta{}, err
	}

	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return nil, Meta{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("read commit object: %w", err)
	}

	file, err := commitObj.File("state.bin")
	if err != nil {
		return nil, Meta{}, fmt.Errorf("load state from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, Meta{}, fmt.Errorf("open state reader: %w", err)
	}
	defer reader.Close()

	state, err := io.ReadAll(reader)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("read state bytes: %w", err)
	}

	m, err := readMeta(commitObj)
	if err != nil {
		return nil, Meta{}, err
	}
	return state, m, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func (s *Service) open(documentID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNoHistory, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(documentID string) (*git.Repository, bool, error) {
	path := s.repoPath(documentID)
	if _, err := os.Stat(path); err == nil {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return nil, false, fmt.Errorf("open repo: %w", err)
		}
		return repo, false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, false, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, false, fmt.Errorf("init repo: %w", err)
	}
	return repo, true, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	info := CommitInfo{
		Hash:    commitObj.Hash.String()[:7],
		Message: commitObj.Message,
		SavedAt: commitObj.Author.When,
	}
	if m, err := readMeta(commitObj); err == nil {
		info.Seq = m.Seq
	}
	return info
}

func readMeta(commitObj *object.Commit) (Meta, error) {
	file, err := commitObj.File("meta.json")
	if err != nil {
		return Meta{}, fmt.Errorf("load meta.json from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Meta{}, fmt.Errorf("open meta reader: %w", err)
	}
	defer reader.Close()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return Meta{}, fmt.Errorf("read meta bytes: %w", err)
	}

	var m Meta
	if err := json.Unmarshal(bytes, &m); err != nil {
		return Meta{}, fmt.Errorf("decode commit meta: %w", err)
	}
	return m, nil
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
