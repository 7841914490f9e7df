package engine

// Category classifies a work item; classification determines the
// destination path and whether the folder hierarchy is preserved.
type Category string

const (
	// CategoryLinked is primary content with an owning record; its folder
	// hierarchy is preserved at the destination.
	CategoryLinked Category = "linked-asset"
	// CategoryDerived is a transform artifact (rendition, thumbnail);
	// flattened under the derived prefix.
	CategoryDerived Category = "transform-derived"
	// CategoryOrphan has no owning record; handled by the orphan policy.
	CategoryOrphan Category = "orphan"
)

// WorkItem is one unit of transfer: a file plus its owning metadata record.
type WorkItem struct {
	Key         string
	DestKey     string
	RecordID    string
	Category    Category
	Size        int64
	ETag        string
	ContentType string
}
