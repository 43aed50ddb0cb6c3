package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of partitions per collection subject.
const ShardCount = 1024

// SubjectPrefix roots every store change notification subject.
const SubjectPrefix = "store.event"

// GetShardID calculates the deterministic shard ID for a given record ID.
func GetShardID(recordID string) int {
	checksum := crc32.ChecksumIEEE([]byte(recordID))
	return int(checksum % ShardCount)
}

// GetSubject returns the NATS subject a record's change notifications use.
// Format: store.event.{collection}.{shard_id}
func GetSubject(collection, recordID string) string {
	return fmt.Sprintf("%s.%s.%d", SubjectPrefix, collection, GetShardID(recordID))
}

// CollectionSubject matches every shard of one collection.
func CollectionSubject(collection string) string {
	return SubjectPrefix + "." + collection + ".>"
}
