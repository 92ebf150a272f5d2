package migrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/3leaps/gocirrus/pkg/match"
	"github.com/3leaps/gocirrus/pkg/output"
	"github.com/3leaps/gocirrus/pkg/provider"
	"github.com/3leaps/gocirrus/pkg/runstate"
)

// runFolders executes folder-by-folder traversal: discover the folder
// tree once, persist it, then process one folder at a time and
// annotate the structure ledger as each folder completes.
//
// Traversal order is parents before children, breadth-first, with
// children in the provider's listing order. The order is fixed by the
// persisted structure ledger, so a restart walks the same sequence and
// resumes at the first folder without an annotated count.
func (e *Engine) runFolders(ctx context.Context) error {
	lister, ok := e.provider.(provider.DelimiterLister)
	if !ok {
		return fmt.Errorf("%w: delimiter listing", ErrCapability)
	}

	structPath := filepath.Join(e.ledger.Root(), StructureFileName)

	st, err := LoadStructure(structPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := e.writeProgress(ctx, output.PhaseDiscovering, 0, ""); err != nil {
			return err
		}
		folders, _, derr := e.discoverFolders(ctx, lister)
		if derr != nil {
			return derr
		}
		st = NewStructure(structPath, folders)
		if !e.config.DryRun {
			if err := st.Sync(); err != nil {
				return err
			}
		}
	case err != nil:
		return fmt.Errorf("load structure: %w", err)
	}

	folders := st.Folders()
	for _, folder := range folders[st.ResumeIndex():] {
		if count, known := st.Count(folder); known && count > 0 {
			continue
		}
		if err := e.processFolder(ctx, lister, st, folder); err != nil {
			return err
		}
	}
	return nil
}

// discoverFolders enumerates the folder tree under the configured
// prefix without copying anything. The returned list starts at the
// root prefix and is in breadth-first order; the counts map holds the
// number of direct objects observed per folder.
func (e *Engine) discoverFolders(ctx context.Context, lister provider.DelimiterLister) ([]string, map[string]int64, error) {
	root := e.config.Prefix
	if root != "" {
		root = match.EnsureTrailingSlash(root)
	}

	queue := []string{root}
	var folders []string
	counts := make(map[string]int64)

	for len(queue) > 0 {
		folder := queue[0]
		queue = queue[1:]
		folders = append(folders, folder)

		var token string
		for {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			if err := e.throttle.Wait(ctx); err != nil {
				return nil, nil, err
			}

			result, err := lister.ListWithDelimiter(ctx, provider.ListWithDelimiterOptions{
				Prefix:            folder,
				Delimiter:         "/",
				ContinuationToken: token,
			})
			if err != nil {
				e.writeError(ctx, listErrorCode(err), err.Error(), folder)
				return nil, nil, fmt.Errorf("discover %q: %w", folder, err)
			}

			queue = append(queue, result.CommonPrefixes...)
			counts[folder] += int64(len(result.Objects))

			if !result.IsTruncated || result.ContinuationToken == "" {
				break
			}
			token = result.ContinuationToken
		}
	}
	return folders, counts, nil
}

// RunDiscover enumerates the folder tree, persists the structure
// ledger, and emits one folder record per discovered folder with its
// direct object count. Nothing is copied.
//
// When a structure ledger already exists it is returned as-is without
// touching the provider, so a discovery that precedes an interrupted
// run never clobbers annotated progress.
func (e *Engine) RunDiscover(ctx context.Context) (*Structure, error) {
	lister, ok := e.provider.(provider.DelimiterLister)
	if !ok {
		return nil, fmt.Errorf("%w: delimiter listing", ErrCapability)
	}

	e.startTime = e.clk.Now()
	structPath := filepath.Join(e.ledger.Root(), StructureFileName)

	st, err := LoadStructure(structPath)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load structure: %w", err)
	}

	if err := e.writeProgress(ctx, output.PhaseDiscovering, 0, ""); err != nil {
		return nil, err
	}

	folders, counts, err := e.discoverFolders(ctx, lister)
	if err != nil {
		return nil, err
	}

	st = NewStructure(structPath, folders)
	if err := st.Sync(); err != nil {
		return nil, err
	}

	for _, folder := range folders {
		e.objectsSeen.Add(counts[folder])
		if err := e.writer.WriteFolder(ctx, &output.FolderRecord{
			Path:  folder,
			Total: counts[folder],
		}); err != nil {
			return nil, err
		}
	}

	return st, e.writeProgress(ctx, output.PhaseComplete, 0, "")
}

// processFolder lists a folder's direct objects page by page, drives
// each page through the batch processor, then annotates the folder
// with the count of keys confirmed done.
func (e *Engine) processFolder(ctx context.Context, lister provider.DelimiterLister, st *Structure, folder string) error {
	copied0 := e.copied.Load()
	failed0 := e.failed.Load()
	skipped0 := e.skipped.Load()

	var total int64
	var token string
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.throttle.Wait(ctx); err != nil {
			return err
		}

		result, err := lister.ListWithDelimiter(ctx, provider.ListWithDelimiterOptions{
			Prefix:            folder,
			Delimiter:         "/",
			ContinuationToken: token,
			MaxKeys:           e.config.BatchSize,
		})
		if err != nil {
			e.writeError(ctx, listErrorCode(err), err.Error(), folder)
			return fmt.Errorf("list folder %q: %w", folder, err)
		}

		if len(result.Objects) > 0 {
			total += int64(len(result.Objects))
			batch := int(e.batches.Add(1))
			if err := e.processBatch(ctx, result.Objects, batch, folder); err != nil {
				return err
			}
		}

		if !result.IsTruncated || result.ContinuationToken == "" {
			break
		}
		token = result.ContinuationToken
	}

	folderCopied := e.copied.Load() - copied0
	folderFailed := e.failed.Load() - failed0
	folderSkipped := e.skipped.Load() - skipped0
	done := folderCopied + folderSkipped

	if e.config.DryRun {
		return nil
	}

	if err := st.Annotate(folder, done); err != nil {
		return err
	}

	if e.state != nil {
		if err := e.state.RecordFolder(ctx, runstate.FolderResult{
			Path:   folder,
			Copied: folderCopied,
			Failed: folderFailed,
			Total:  total,
		}); err != nil {
			return err
		}
	}

	return e.writer.WriteFolder(ctx, &output.FolderRecord{
		Path:   folder,
		Copied: folderCopied,
		Failed: folderFailed,
		Total:  total,
	})
}
