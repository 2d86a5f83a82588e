package ring

import "fmt"

type Status uint8

const (
	StatusOK Status = iota
	// StatusTruncated is reported when a received frame did not fit the
	// receive buffer.
	StatusTruncated
	// StatusError is reported when the link refused a transmitted frame.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTruncated:
		return "truncated"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Completion is produced exactly once for every consumed descriptor.
type Completion struct {
	// Queue is the originating descriptor queue.
	Queue uint32
	// Index is the free-running ring index of the consumed descriptor.
	Index  uint32
	Tag    uint16
	Status Status
	Len    uint32

	// Receive only.
	Checksum uint16
	Hash     uint32
	HashType uint8

	// Timestamp in nanoseconds, zero when timestamping is disabled.
	Timestamp uint64

	// Data is the buffer of the consumed descriptor, handed back to the
	// operator along with the completion.
	Data []byte
}
