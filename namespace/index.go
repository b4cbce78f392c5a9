package namespace

import (
	"context"

	"github.com/hashicorp/go-secure-stdlib/strutil"
	log "github.com/stephnangue/keymaster/logger"
)

// Index maintains the advisory parent→children cache on top of a Store.
//
// The cache is best-effort: link and unlink are read-modify-write without
// compare-and-swap, so two concurrent mutations of the same parent can lose
// one update. That is acceptable because membership carries no authority —
// true existence is defined by the child's own value — and a later sweep
// reconciles the set.
type Index struct {
	store  Store
	logger log.Logger
}

// NewIndex creates an Index over the given store
func NewIndex(store Store, logger log.Logger) *Index {
	return &Index{
		store:  store,
		logger: logger.WithSubsystem("index"),
	}
}

// LinkChild adds child to parent's set if absent. The write is skipped
// when the set already contains the child.
func (ix *Index) LinkChild(ctx context.Context, parent, child string) error {
	children, err := ix.store.Children(ctx, parent)
	if err != nil {
		return err
	}
	if strutil.StrListContains(children, child) {
		return nil
	}
	return ix.store.SetChildren(ctx, parent, append(children, child))
}

// UnlinkChild removes child from parent's set if present. The write is
// skipped when the set does not contain the child.
func (ix *Index) UnlinkChild(ctx context.Context, parent, child string) error {
	children, err := ix.store.Children(ctx, parent)
	if err != nil {
		return err
	}
	if !strutil.StrListContains(children, child) {
		return nil
	}
	return ix.store.SetChildren(ctx, parent, strutil.StrListDelete(children, child))
}

// SweepHinter receives hints that an index may hold stale entries. The
// request path that notices staleness only enqueues the hint; it never
// owns, blocks on, or observes the sweep itself.
type SweepHinter interface {
	Hint(indexKey string)
}

// Resolver reports whether an indexed child still has a live backing
// record. Resolution errors count as unresolvable; the sweep drops the
// entry and the next link re-adds it if the record actually exists.
type Resolver func(ctx context.Context, child string) bool

// Sweep reads the child set of indexKey, drops every child whose backing
// record fails to resolve, and writes the pruned set back only if anything
// was dropped. It is idempotent and safe to re-run or to race with
// link/unlink: the worst case transiently re-adds or re-drops one entry,
// which the next sweep heals.
func (ix *Index) Sweep(ctx context.Context, indexKey string, resolve Resolver) (dropped int, err error) {
	children, err := ix.store.Children(ctx, indexKey)
	if err != nil {
		return 0, err
	}
	if len(children) == 0 {
		return 0, nil
	}

	kept := make([]string, 0, len(children))
	for _, child := range children {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		if resolve(ctx, child) {
			kept = append(kept, child)
			continue
		}
		dropped++
		ix.logger.Debug("dropping stale index entry",
			log.String("index", indexKey),
			log.String("child", child),
		)
	}

	if dropped == 0 {
		return 0, nil
	}
	if err := ix.store.SetChildren(ctx, indexKey, kept); err != nil {
		return dropped, err
	}
	return dropped, nil
}
