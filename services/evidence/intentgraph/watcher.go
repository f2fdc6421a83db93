// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intentgraph

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates the provider's cache whenever the local graph file
// changes, so edits take effect on the next Load instead of after the TTL.
//
// Description:
//
//	Watches the parent directory rather than the file itself: editors and
//	secret mounts replace files by rename, which drops a file-level watch.
//	Blocks until ctx is cancelled.
//
// Outputs:
//   - error: Non-nil if the watcher cannot be created or the directory
//     cannot be watched. Nil after ctx cancellation.
func (p *Provider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("intent graph watch: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(p.cfg.FilePath)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("intent graph watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			p.Invalidate()
			p.logger.Info("intent graph: file changed, cache invalidated",
				slog.String("path", target),
				slog.String("op", ev.Op.String()),
			)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("intent graph: watcher error", slog.String("error", werr.Error()))
		}
	}
}
