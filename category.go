package tracelog

import (
	"sync/atomic"
)

// Category state bits. A category is enabled if any bit is set.
const (
	StateEnabledForRecording      uint8 = 1 << 0
	StateEnabledForFiltering      uint8 = 1 << 2
	StateEnabledForPlatformExport uint8 = 1 << 3
)

// MaxCategories is the maximum number of distinct category groups that can be
// registered. Once exhausted, further lookups return a builtin category that is
// never enabled.
const MaxCategories = 300

const (
	metadataCategoryName            = "__metadata"
	alreadyShutdownCategoryName     = "tracing_already_shutdown"
	categoriesExhaustedCategoryName = "tracelog_categories_exhausted"
)

// Category is a named group of trace events that are enabled, disabled, and
// filtered together. The name may be a comma-separated list of categories, in
// which case the group is enabled if any member is enabled.
//
// Categories are created on first use and live as long as their engine.
type Category struct {
	name    string
	index   int
	state   atomic.Uint32
	filters atomic.Uint32 // bit i set means enabled filter i applies
}

// Name of the category group.
func (c *Category) Name() string { return c.name }

// State returns the current state bits. It's safe to call from any goroutine
// without synchronization.
func (c *Category) State() uint8 { return uint8(c.state.Load()) }

// IsEnabled returns true if any state bit is set.
func (c *Category) IsEnabled() bool { return c.state.Load() != 0 }

// IsEnabledForRecording is true if events in this category are buffered.
func (c *Category) IsEnabledForRecording() bool {
	return uint8(c.state.Load())&StateEnabledForRecording != 0
}

// Filters returns the bitmap of enabled event filters that apply.
func (c *Category) Filters() uint32 { return c.filters.Load() }

func (c *Category) set(state uint8, filters uint32) {
	// Filters first, so that a reader that observes the filtering bit also
	// observes the matching bitmap.
	c.filters.Store(filters)
	c.state.Store(uint32(state))
}

// CategoryRegistry is an append-only table of categories. Lookups are lock
// free. Creation must be serialized by the caller, which in practice means
// holding the engine lock of the owning TraceLog.
type CategoryRegistry struct {
	index atomic.Pointer[map[string]*Category]
	list  atomic.Pointer[[]*Category]

	metadata  *Category
	shutdown  *Category
	exhausted *Category
}

// NewCategoryRegistry returns a registry populated with the builtin
// categories.
func NewCategoryRegistry() *CategoryRegistry {
	r := &CategoryRegistry{}
	index, list := map[string]*Category{}, []*Category{}
	r.index.Store(&index)
	r.list.Store(&list)
	r.metadata = r.createLocked(metadataCategoryName, nil)
	r.shutdown = r.createLocked(alreadyShutdownCategoryName, nil)
	r.exhausted = r.createLocked(categoriesExhaustedCategoryName, nil)
	return r
}

// Lookup returns the category with the given name, or nil if it hasn't been
// created yet.
func (r *CategoryRegistry) Lookup(name string) *Category {
	return (*r.index.Load())[name]
}

// GetOrCreateLocked returns the category with the given name, creating it if
// necessary. A newly created category is passed to init, so that its state can
// be derived from the current configuration before it's published. The caller
// must hold the engine lock.
func (r *CategoryRegistry) GetOrCreateLocked(name string, init func(*Category)) *Category {
	if c := r.Lookup(name); c != nil {
		return c
	}
	if len(*r.list.Load()) >= MaxCategories {
		return r.exhausted
	}
	return r.createLocked(name, init)
}

func (r *CategoryRegistry) createLocked(name string, init func(*Category)) *Category {
	var (
		prevIndex = *r.index.Load()
		prevList  = *r.list.Load()
		c         = &Category{name: name, index: len(prevList)}
	)

	if init != nil {
		init(c)
	}

	nextIndex := make(map[string]*Category, len(prevIndex)+1)
	for k, v := range prevIndex {
		nextIndex[k] = v
	}
	nextIndex[name] = c

	nextList := make([]*Category, len(prevList), len(prevList)+1)
	copy(nextList, prevList)
	nextList = append(nextList, c)

	// Publish the list first, so ForEach never misses an indexed category.
	r.list.Store(&nextList)
	r.index.Store(&nextIndex)

	return c
}

// ForEach calls fn for every registered category, in creation order.
func (r *CategoryRegistry) ForEach(fn func(*Category)) {
	for _, c := range *r.list.Load() {
		fn(c)
	}
}

// Len returns the number of registered categories, including builtins.
func (r *CategoryRegistry) Len() int {
	return len(*r.list.Load())
}

func (r *CategoryRegistry) isBuiltin(c *Category) bool {
	return c == r.metadata || c == r.shutdown || c == r.exhausted
}
