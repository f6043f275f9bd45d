package fileservice

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	apperrors "github.com/pseudocoder/filesync/internal/errors"
	"github.com/pseudocoder/filesync/internal/version"
)

// Local implements Service against a directory on the local filesystem.
// Paths are slash-separated and relative to the root; a leading "/" is
// accepted and ignored.
type Local struct {
	root         string
	sizeCapBytes int64
	logger       *zap.Logger

	// mu makes the token check and the write a single step for writers
	// in this process.
	mu sync.Mutex
}

// NewLocal creates a Local service scoped to root.
// Files larger than sizeCapBytes are returned read-only (too_large).
func NewLocal(root string, sizeCapBytes int64, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{root: root, sizeCapBytes: sizeCapBytes, logger: logger.Named("fileservice")}
}

// Root returns the directory the service is scoped to.
func (l *Local) Root() string {
	return l.root
}

// CanonicalPath normalizes a request path to a clean root-relative slash path.
// Empty, "." and "/" return ".". Traversal escapes are rejected.
func CanonicalPath(reqPath string) (string, error) {
	trimmed := strings.TrimLeft(strings.ReplaceAll(reqPath, "\\", "/"), "/")
	if trimmed == "" || trimmed == "." {
		return ".", nil
	}

	cleaned := path.Clean(trimmed)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", apperrors.InvalidPath("path escapes the workspace root")
	}
	return cleaned, nil
}

func (l *Local) absPath(canonPath string) string {
	if canonPath == "." {
		return l.root
	}
	return filepath.Join(l.root, filepath.FromSlash(canonPath))
}

func (l *Local) resolvedRoot() (string, error) {
	resolved, err := filepath.EvalSymlinks(l.root)
	if err != nil {
		return "", apperrors.Internal("failed to resolve workspace root", err)
	}
	return resolved, nil
}

func withinRoot(resolved, root string) bool {
	return resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator))
}

// resolveAndCheckBoundary resolves symlinks and verifies the target is within the root.
func (l *Local) resolveAndCheckBoundary(canonPath string) (string, error) {
	resolved, err := filepath.EvalSymlinks(l.absPath(canonPath))
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperrors.NotFound(canonPath)
		}
		return "", apperrors.Internal("failed to resolve path", err)
	}

	root, err := l.resolvedRoot()
	if err != nil {
		return "", err
	}
	if !withinRoot(resolved, root) {
		return "", apperrors.InvalidPath("path escapes the workspace root via symlink")
	}
	return resolved, nil
}

// resolveParentBoundary resolves the parent of canonPath and verifies it is a
// directory within the root. Used where the target does not exist yet.
func (l *Local) resolveParentBoundary(canonPath string) (string, error) {
	parent := path.Dir(canonPath)
	resolved, err := l.resolveAndCheckBoundary(parent)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", apperrors.Internal("failed to stat parent folder", err)
	}
	if !info.IsDir() {
		return "", apperrors.New(apperrors.CodeFileIsDirectory, fmt.Sprintf("parent is not a folder: %s", parent))
	}
	return resolved, nil
}

// makeParents creates the missing folders above canonPath. The deepest
// existing ancestor is resolved and checked against the root first, so
// nothing is created through a symlink that leaves it.
func (l *Local) makeParents(canonPath string) error {
	parent := path.Dir(canonPath)
	existing := parent
	for existing != "." {
		_, err := os.Lstat(l.absPath(existing))
		if err == nil {
			break
		}
		if !os.IsNotExist(err) {
			return apperrors.Wrap(apperrors.CodeFileWriteFailed, "failed to stat parent folder", err)
		}
		existing = path.Dir(existing)
	}
	if existing == parent {
		return nil
	}

	base, err := l.resolveAndCheckBoundary(existing)
	if apperrors.IsCode(err, apperrors.CodeFileNotFound) {
		return apperrors.InvalidPath("parent folder is a dangling symlink")
	}
	if err != nil {
		return err
	}

	rest := strings.TrimPrefix(parent, existing+"/")
	if existing == "." {
		rest = parent
	}
	if err := os.MkdirAll(filepath.Join(base, filepath.FromSlash(rest)), 0o755); err != nil {
		return apperrors.Wrap(apperrors.CodeFileWriteFailed, "failed to create parent folders", err)
	}
	return nil
}

// isGitPath returns true if the canonicalized path is ".git" or under ".git/".
func isGitPath(canonPath string) bool {
	return canonPath == ".git" || strings.HasPrefix(canonPath, ".git/")
}

func fileInfoFor(canonPath string, info os.FileInfo) FileInfo {
	fi := FileInfo{
		Path:       canonPath,
		Name:       info.Name(),
		Kind:       KindFile,
		ModifiedAt: info.ModTime(),
	}
	if info.IsDir() {
		fi.Kind = KindFolder
		return fi
	}
	fi.Size = info.Size()
	fi.Extension = strings.TrimPrefix(path.Ext(canonPath), ".")
	return fi
}

// Read returns file contents and metadata for the given path.
// Binary files are returned base64-encoded.
func (l *Local) Read(ctx context.Context, reqPath string) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	canonPath, err := CanonicalPath(reqPath)
	if err != nil {
		return nil, err
	}
	if canonPath == "." {
		return nil, apperrors.InvalidPath("path is required for file read")
	}

	resolved, err := l.resolveAndCheckBoundary(canonPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound(canonPath)
		}
		return nil, apperrors.Wrap(apperrors.CodeFileReadFailed, "failed to stat file", err)
	}
	if info.IsDir() {
		return nil, apperrors.New(apperrors.CodeFileIsDirectory, fmt.Sprintf("path is a folder: %s", canonPath))
	}

	fi := fileInfoFor(canonPath, info)

	if info.Size() > l.sizeCapBytes {
		// Keep the token content-derived without materializing the file.
		token, err := hashFileToken(resolved)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeFileReadFailed, "failed to hash file", err)
		}
		fi.ReadOnly = true
		fi.ReadOnlyReason = "too_large"
		return &ReadResult{Encoding: EncodingUTF8, Token: token, File: fi}, nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeFileReadFailed, "failed to read file", err)
	}

	content, enc := encodeContent(data)
	return &ReadResult{
		Content:  content,
		Encoding: enc,
		Token:    version.ForContent(data),
		File:     fi,
	}, nil
}

// Write replaces file content, conditioned on expected.
func (l *Local) Write(ctx context.Context, reqPath, content string, enc Encoding, expected version.Token) (*WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	canonPath, err := CanonicalPath(reqPath)
	if err != nil {
		return nil, err
	}
	if canonPath == "." {
		return nil, apperrors.InvalidPath("path is required for file write")
	}
	if isGitPath(canonPath) {
		return nil, apperrors.InvalidPath("writes to .git paths are not allowed")
	}

	data, err := decodeContent(content, enc)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > l.sizeCapBytes {
		return nil, apperrors.New(apperrors.CodeFileTooLarge, fmt.Sprintf("content too large to write: %s", canonPath))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	resolved, err := l.resolveAndCheckBoundary(canonPath)
	if apperrors.IsCode(err, apperrors.CodeFileNotFound) {
		if expected.IsKnown() {
			return nil, &ConflictError{
				Path:    canonPath,
				Reason:  ReasonPathNotFound,
				Message: fmt.Sprintf("%s no longer exists", canonPath),
			}
		}
		return l.create(canonPath, data)
	}
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeFileWriteFailed, "failed to stat file", err)
	}
	if info.IsDir() {
		return nil, apperrors.New(apperrors.CodeFileIsDirectory, fmt.Sprintf("path is a folder: %s", canonPath))
	}

	current, err := os.ReadFile(resolved)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeFileWriteFailed, "failed to read current file", err)
	}

	currentToken := version.ForContent(current)
	if expected.IsKnown() && !expected.Equal(currentToken) {
		currentContent, currentEnc := encodeContent(current)
		return nil, &ConflictError{
			Path:            canonPath,
			Reason:          ReasonContentChanged,
			Message:         fmt.Sprintf("%s has been modified (expected %s, got %s)", canonPath, expected, currentToken),
			CurrentContent:  currentContent,
			CurrentEncoding: currentEnc,
			CurrentToken:    currentToken,
		}
	}

	if enc != EncodingBase64 {
		data = []byte(normalizeLineEndings(string(data), detectLineEnding(current)))
	}

	if err := atomicWriteFile(resolved, data, info.Mode()); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeFileWriteFailed, "failed to write file", err)
	}

	token := version.ForContent(data)
	l.logger.Debug("wrote file", zap.String("path", canonPath), zap.Stringer("etag", token))
	return &WriteResult{Token: token}, nil
}

// create writes a file that does not exist yet, creating missing parent folders.
func (l *Local) create(canonPath string, data []byte) (*WriteResult, error) {
	if err := l.makeParents(canonPath); err != nil {
		return nil, err
	}
	parent, err := l.resolveParentBoundary(canonPath)
	if err != nil {
		return nil, err
	}

	target := filepath.Join(parent, path.Base(canonPath))
	if err := atomicWriteFile(target, data, 0o644); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeFileWriteFailed, "failed to create file", err)
	}

	token := version.ForContent(data)
	l.logger.Debug("created file", zap.String("path", canonPath), zap.Stringer("etag", token))
	return &WriteResult{Token: token}, nil
}

// List returns sorted folder entries for the given path: folders first, then
// files, each group by name.
func (l *Local) List(ctx context.Context, reqPath string) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	canonPath, err := CanonicalPath(reqPath)
	if err != nil {
		return nil, err
	}

	resolved, err := l.resolveAndCheckBoundary(canonPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeFileReadFailed, "failed to stat folder", err)
	}
	if !info.IsDir() {
		return nil, apperrors.New(apperrors.CodeFileIsDirectory, fmt.Sprintf("path is not a folder: %s", canonPath))
	}

	dirEntries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeFileReadFailed, "failed to read folder", err)
	}

	entries := make([]FileInfo, 0, len(dirEntries))
	for _, de := range dirEntries {
		childPath := de.Name()
		if canonPath != "." {
			childPath = canonPath + "/" + de.Name()
		}

		// Stat follows symlinks so links are listed as what they point to.
		childInfo, err := os.Stat(filepath.Join(resolved, de.Name()))
		if err != nil {
			l.logger.Debug("skipping unreadable entry", zap.String("path", childPath), zap.Error(err))
			continue
		}
		entries = append(entries, fileInfoFor(childPath, childInfo))
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind == KindFolder
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// CreateFolder creates a single folder whose parent must exist.
func (l *Local) CreateFolder(ctx context.Context, reqPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	canonPath, err := CanonicalPath(reqPath)
	if err != nil {
		return err
	}
	if canonPath == "." {
		return apperrors.InvalidPath("path is required for folder create")
	}
	if isGitPath(canonPath) {
		return apperrors.InvalidPath("creates in .git paths are not allowed")
	}

	parent, err := l.resolveParentBoundary(canonPath)
	if err != nil {
		return err
	}

	if err := os.Mkdir(filepath.Join(parent, path.Base(canonPath)), 0o755); err != nil {
		if os.IsExist(err) {
			return apperrors.New(apperrors.CodeFileAlreadyExists, fmt.Sprintf("already exists: %s", canonPath))
		}
		return apperrors.Wrap(apperrors.CodeFileWriteFailed, "failed to create folder", err)
	}
	return nil
}

// Delete removes a file, or a folder with everything under it.
func (l *Local) Delete(ctx context.Context, reqPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	canonPath, err := CanonicalPath(reqPath)
	if err != nil {
		return err
	}
	if canonPath == "." {
		return apperrors.InvalidPath("path is required for delete")
	}
	if isGitPath(canonPath) {
		return apperrors.InvalidPath("deletes in .git paths are not allowed")
	}

	// Resolve the parent, not the target: a symlink is removed itself.
	parent, err := l.resolveParentBoundary(canonPath)
	if err != nil {
		return err
	}

	target := filepath.Join(parent, path.Base(canonPath))
	if _, err := os.Lstat(target); err != nil {
		if os.IsNotExist(err) {
			return apperrors.NotFound(canonPath)
		}
		return apperrors.Wrap(apperrors.CodeFileWriteFailed, "failed to stat path", err)
	}

	if err := os.RemoveAll(target); err != nil {
		return apperrors.Wrap(apperrors.CodeFileWriteFailed, "failed to delete path", err)
	}
	return nil
}

// Rename moves oldPath to newPath. The target must not exist and its parent must.
func (l *Local) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	from, err := CanonicalPath(oldPath)
	if err != nil {
		return err
	}
	to, err := CanonicalPath(newPath)
	if err != nil {
		return err
	}
	if from == "." || to == "." {
		return apperrors.InvalidPath("both paths are required for rename")
	}
	if isGitPath(from) || isGitPath(to) {
		return apperrors.InvalidPath("renames in .git paths are not allowed")
	}
	if to == from || strings.HasPrefix(to, from+"/") {
		return apperrors.InvalidPath("cannot move a path into itself")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fromParent, err := l.resolveParentBoundary(from)
	if err != nil {
		return err
	}
	source := filepath.Join(fromParent, path.Base(from))
	if _, err := os.Lstat(source); err != nil {
		if os.IsNotExist(err) {
			return apperrors.NotFound(from)
		}
		return apperrors.Wrap(apperrors.CodeFileWriteFailed, "failed to stat path", err)
	}

	toParent, err := l.resolveParentBoundary(to)
	if err != nil {
		return err
	}
	target := filepath.Join(toParent, path.Base(to))
	if _, err := os.Lstat(target); err == nil {
		return apperrors.New(apperrors.CodeFileAlreadyExists, fmt.Sprintf("already exists: %s", to))
	}

	if err := os.Rename(source, target); err != nil {
		return apperrors.Wrap(apperrors.CodeFileWriteFailed, "failed to rename path", err)
	}
	return nil
}

// encodeContent returns data as text, or base64 when it is not valid UTF-8
// or contains NUL bytes.
func encodeContent(data []byte) (string, Encoding) {
	if bytes.Contains(data, []byte{0}) || !utf8.Valid(data) {
		return base64.StdEncoding.EncodeToString(data), EncodingBase64
	}
	return string(data), EncodingUTF8
}

// decodeContent converts wire content back to bytes.
func decodeContent(content string, enc Encoding) ([]byte, error) {
	switch enc {
	case "", EncodingUTF8:
		return []byte(content), nil
	case EncodingBase64:
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeFileWriteFailed, "invalid base64 content", err)
		}
		return data, nil
	default:
		return nil, apperrors.New(apperrors.CodeFileWriteFailed, fmt.Sprintf("unsupported encoding: %s", enc))
	}
}

// detectLineEnding returns "crlf" if every \n is preceded by \r, otherwise "lf".
func detectLineEnding(data []byte) string {
	lfCount := bytes.Count(data, []byte{'\n'})
	if lfCount == 0 {
		return "lf"
	}
	if bytes.Count(data, []byte{'\r', '\n'}) == lfCount {
		return "crlf"
	}
	return "lf"
}

// normalizeLineEndings converts content to the target line ending style.
func normalizeLineEndings(content string, style string) string {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if style == "crlf" {
		normalized = strings.ReplaceAll(normalized, "\n", "\r\n")
	}
	return normalized
}

// hashFileToken returns a sha256 token for a file without loading it into memory.
func hashFileToken(path string) (version.Token, error) {
	file, err := os.Open(path)
	if err != nil {
		return version.Unsynced(), err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return version.Unsynced(), err
	}
	return version.Known("sha256:" + hex.EncodeToString(h.Sum(nil))), nil
}

// atomicWriteFile writes content to targetPath using a temp file + rename,
// preserving the given permissions.
func atomicWriteFile(targetPath string, content []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(targetPath), ".filesync-write-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(perm.Perm()); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	success = true
	return nil
}
