package store

import "fmt"

// Resource type for storage keys.
type Resource string

const (
	ResourceQueue     Resource = "queues"
	ResourceSnapshot  Resource = "snapshots"
	ResourceMigration Resource = "migrations"
	ResourceBackup    Resource = "backups"
)

// Key constructs a fully qualified storage key.
// Format: taskforge:{resource}:{id}
func Key(resource Resource, id string) string {
	return fmt.Sprintf("taskforge:%s:%s", resource, id)
}

// Prefix constructs a scan prefix for a resource.
func Prefix(resource Resource) string {
	return fmt.Sprintf("taskforge:%s:", resource)
}

// Secondary index names.
const (
	IndexQueuesByState     = "queues_by_state"
	IndexSnapshotsByPlayer = "snapshots_by_player"
	IndexMigrationsStatus  = "migrations_by_status"
)

// IndexDef names the attributes an index is built from.
type IndexDef struct {
	PartitionAttr string
	SortAttr      string
}

// Indexes is the static index catalog shared by every backend.
var Indexes = map[string]IndexDef{
	IndexQueuesByState:     {PartitionAttr: "is_running", SortAttr: "last_processed"},
	IndexSnapshotsByPlayer: {PartitionAttr: "player_id", SortAttr: "timestamp_ms"},
	IndexMigrationsStatus:  {PartitionAttr: "status", SortAttr: "timestamp_ms"},
}

// SortableMS renders a millisecond timestamp as a fixed-width decimal
// so lexicographic order matches numeric order in index sort attrs.
func SortableMS(ms int64) string {
	return fmt.Sprintf("%020d", ms)
}
