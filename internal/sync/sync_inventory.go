package sync

import (
	"context"
	"iter"
	"log/slog"
	"strings"

	"github.com/mdn/deployer/internal/blob"
)

// Inventory is the key to object snapshot of one complete listing.
type Inventory map[string]blob.ObjectInfo

// ListInventory follows the listing to its last page. A key seen twice keeps
// the record from the later page.
func ListInventory(ctx context.Context, store blob.Store, prefix string) (Inventory, error) {
	inventory := Inventory{}
	for page, err := range ListPages(ctx, store, prefix, nil) {
		if err != nil {
			return nil, err
		}
		for _, obj := range page {
			inventory[obj.Key] = obj
		}
	}
	return inventory, nil
}

// ListPages yields the listing one page at a time, keeping only objects whose
// key contains one of filters (all objects when filters is empty). Pages are
// yielded even when they end up empty.
func ListPages(ctx context.Context, store blob.Store, prefix string, filters []string) iter.Seq2[[]blob.ObjectInfo, error] {
	return func(yield func([]blob.ObjectInfo, error) bool) {
		token := ""
		for {
			page, err := store.ListObjects(ctx, &blob.ListObjectsParams{
				Prefix:            prefix,
				ContinuationToken: token,
			})
			if err != nil {
				yield(nil, err)
				return
			}

			if !yield(filterObjects(page.Objects, filters), nil) {
				return
			}

			if !page.Truncated {
				return
			}
			if page.NextToken == "" || page.NextToken == token {
				slog.Warn("listing truncated without a usable continuation token", "prefix", prefix)
				return
			}
			token = page.NextToken
		}
	}
}

func filterObjects(objects []blob.ObjectInfo, filters []string) []blob.ObjectInfo {
	if len(filters) == 0 {
		return objects
	}
	kept := objects[:0:0]
	for _, obj := range objects {
		for _, f := range filters {
			if strings.Contains(obj.Key, f) {
				kept = append(kept, obj)
				break
			}
		}
	}
	return kept
}
