package engine

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"assetshift/internal/records"

	"go.uber.org/zap"
)

// discover enumerates the working set: the source storage listing joined
// with the record store. The result is sorted by key so a resumed run
// rebuilds the identical set and the checkpoint offset stays meaningful.
func (o *Orchestrator) discover(ctx context.Context) ([]WorkItem, error) {
	recs, err := o.records.Query(ctx, records.Filter{PathPrefix: o.cfg.Migration.SourcePrefix})
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}

	byPath := make(map[string]*records.Record, len(recs))
	for _, rec := range recs {
		byPath[rec.Path] = rec
	}

	objCh, errCh := o.src.List(ctx, o.cfg.Source.Bucket, o.cfg.Migration.SourcePrefix)

	var items []WorkItem
	seen := make(map[string]bool)

	for {
		select {
		case obj, ok := <-objCh:
			if !ok {
				// A failed listing buffers its error and closes both
				// channels; the error must not lose the race against the
				// close, or a truncated working set would pass as complete.
				select {
				case err := <-errCh:
					if err != nil {
						return nil, fmt.Errorf("failed to list source objects: %w", err)
					}
				default:
				}
				o.logMissingFiles(byPath, seen)
				sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
				o.logger.Info("Finished discovery",
					zap.Int("work_items", len(items)),
					zap.Int("records", len(recs)),
				)
				return items, nil
			}

			// Skip our own trash prefix; trashed objects are rollback fodder,
			// not content.
			if o.cfg.Migration.TrashPrefix != "" && strings.HasPrefix(obj.Key, o.cfg.Migration.TrashPrefix) {
				continue
			}

			item := WorkItem{
				Key:         obj.Key,
				Size:        obj.Size,
				ETag:        obj.ETag,
				ContentType: obj.ContentType,
			}
			if rec, ok := byPath[obj.Key]; ok {
				item.RecordID = rec.ID
				seen[obj.Key] = true
			}
			items = append(items, item)

		case err := <-errCh:
			if err != nil {
				return nil, fmt.Errorf("failed to list source objects: %w", err)
			}

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (o *Orchestrator) logMissingFiles(byPath map[string]*records.Record, seen map[string]bool) {
	for p, rec := range byPath {
		if !seen[p] {
			o.logger.Warn("Record has no backing file in source storage",
				zap.String("record_id", rec.ID),
				zap.String("path", p),
			)
		}
	}
}

// categorize classifies each item and computes its destination key. Linked
// assets keep their folder hierarchy under the destination prefix; derived
// artifacts flatten under the derived prefix; orphans keep their key (the
// orphan policy decides what happens to them during transfer).
func (o *Orchestrator) categorize(ctx context.Context, items []WorkItem) ([]WorkItem, error) {
	m := o.cfg.Migration

	for i := range items {
		item := &items[i]

		if item.RecordID == "" {
			item.Category = CategoryOrphan
			item.DestKey = item.Key
			continue
		}

		rec, err := o.records.Get(ctx, item.RecordID)
		if err != nil {
			return nil, fmt.Errorf("failed to load record %s: %w", item.RecordID, err)
		}

		rel := strings.TrimPrefix(item.Key, m.SourcePrefix)
		switch rec.Kind {
		case records.KindDerived:
			item.Category = CategoryDerived
			item.DestKey = m.DerivedPrefix + path.Base(rel)
		default:
			item.Category = CategoryLinked
			item.DestKey = m.DestPrefix + rel
		}
	}

	counts := map[Category]int{}
	for i := range items {
		counts[items[i].Category]++
	}
	o.logger.Info("Categorized work items",
		zap.Int("linked", counts[CategoryLinked]),
		zap.Int("derived", counts[CategoryDerived]),
		zap.Int("orphans", counts[CategoryOrphan]),
	)

	return items, nil
}
