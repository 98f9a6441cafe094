package records

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/minio/highwayhash"
	pb "go.gazette.dev/core/broker/protocol"
	"go.gazette.dev/core/labels"
	"go.gazette.dev/core/message"
)

// Record is a message which knows the topic it belongs to and the key by
// which it is partitioned.
type Record interface {
	message.Message
	Topic() string
	PartitionKey() []byte
}

// Journal names the journal of |topic| holding |partition|.
func Journal(prefix, topic string, partition int) pb.Journal {
	return pb.Journal(fmt.Sprintf("%s/%s/part-%03d", prefix, topic, partition))
}

// TopicOfJournal returns the topic of |journal| under |prefix|, or "" if the
// journal is not under the prefix.
func TopicOfJournal(journal pb.Journal, prefix string) string {
	var rest, ok = strings.CutPrefix(journal.String(), prefix+"/")
	if !ok {
		return ""
	}
	if ind := strings.IndexByte(rest, '/'); ind != -1 {
		rest = rest[:ind]
	}
	return rest
}

// NewMapping returns a MappingFunc which maps a Record to a partition of its
// topic, selected by a stable hash of the record's partition key.
func NewMapping(prefix string, partitions int) message.MappingFunc {
	if partitions < 1 {
		partitions = 1
	}
	return func(m message.Mappable) (pb.Journal, string, error) {
		var record, ok = m.(Record)
		if !ok {
			return "", "", fmt.Errorf("message %#v is not a mappable record", m)
		}
		var partition = int(partitionHash(record.PartitionKey()) % uint32(partitions))
		return Journal(prefix, record.Topic(), partition), labels.ContentType_JSONLines, nil
	}
}

// partitionHashKey is a fixed 32 bytes (as required by HighwayHash) read from
// /dev/random. DO NOT MODIFY this value, as it is required to have consistent
// hash results.
var partitionHashKey, _ = hex.DecodeString("5d6f0c7e3a921b84f2aa6e01c9d47b38e5503f762b18c4da9cf01e6a84b25d93")

func partitionHash(key []byte) uint32 {
	return uint32(highwayhash.Sum64(key, partitionHashKey) >> 32)
}
