package bootstrap

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// archiveTree writes projectPath as an uncompressed tar stream to w.
// The .git directory is always skipped; when useGitignore is true,
// paths matching .gitignore files in the tree are excluded too.
func archiveTree(w io.Writer, projectPath string, useGitignore bool) error {
	matcher, err := buildMatcher(projectPath, useGitignore)
	if err != nil {
		return fmt.Errorf("build ignore matcher: %w", err)
	}

	tw := tar.NewWriter(w)
	defer tw.Close()

	err = filepath.WalkDir(projectPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(projectPath, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		// Always skip .git
		if relPath == ".git" || strings.HasPrefix(relPath, ".git"+string(filepath.Separator)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if shouldIgnore(matcher, relPath, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("get file info for %s: %w", relPath, err)
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %s: %w", relPath, err)
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", relPath, err)
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", relPath, err)
		}

		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open file %s: %w", relPath, err)
			}
			_, copyErr := io.Copy(tw, f)
			f.Close() // Close immediately, not deferred, to avoid accumulating file handles
			if copyErr != nil {
				return fmt.Errorf("copy file content %s: %w", relPath, copyErr)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("walk project: %w", err)
	}

	return tw.Close()
}

// buildMatcher creates a gitignore matcher from .gitignore files in the tree.
func buildMatcher(projectPath string, useGitignore bool) (gitignore.Matcher, error) {
	patterns := make([]gitignore.Pattern, 0, 16)

	if useGitignore {
		err := filepath.WalkDir(projectPath, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}

			if d.IsDir() && d.Name() == ".git" {
				return filepath.SkipDir
			}

			if d.Name() == ".gitignore" {
				relDir, err := filepath.Rel(projectPath, filepath.Dir(path))
				if err != nil {
					return err
				}

				content, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read .gitignore at %s: %w", path, err)
				}

				var domain []string
				if relDir != "." {
					domain = strings.Split(relDir, string(filepath.Separator))
				}

				for _, line := range strings.Split(string(content), "\n") {
					line = strings.TrimSpace(line)
					if line == "" || strings.HasPrefix(line, "#") {
						continue
					}
					patterns = append(patterns, gitignore.ParsePattern(line, domain))
				}
			}

			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return gitignore.NewMatcher(patterns), nil
}

func shouldIgnore(matcher gitignore.Matcher, relPath string, isDir bool) bool {
	pathParts := strings.Split(relPath, string(filepath.Separator))
	return matcher.Match(pathParts, isDir)
}
