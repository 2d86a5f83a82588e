// Package ring implements the fixed capacity circular buffers that back every
// descriptor and completion queue of the device.
//
// Producer and consumer indices are free-running 32-bit counters that are
// masked with size-1 on access, so a ring size must always be a power of 2.
// Slots are reserved in order and published in order. An entry that was
// committed out of order stays invisible until every earlier reservation
// has been committed as well, which keeps a partially written entry from ever
// being observed by the consumer.
//
// A [Ring] is not safe for concurrent use. The owning queue serializes access.
package ring
