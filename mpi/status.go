package mpi

import "github.com/ranksafe/mpi-go/internal/nativeapi"

// Status describes a completed or probed receive.
type Status struct {
	source int
	tag    int
	bytes  int
}

func statusFrom(s nativeapi.Status) Status {
	return Status{source: s.Source, tag: s.Tag, bytes: s.Count}
}

// Source returns the actual source rank of the message.
func (s Status) Source() int { return s.source }

// Tag returns the actual tag of the message.
func (s Status) Tag() int { return s.tag }

// Bytes returns the packed payload size of the message.
func (s Status) Bytes() int { return s.bytes }

// Count returns the number of elements of dt the message carries. A message
// that does not divide evenly into dt elements reports Undefined.
func (s Status) Count(dt *Datatype) int {
	per := dt.PackedSize()
	if per == 0 || s.bytes%per != 0 {
		return Undefined
	}
	return s.bytes / per
}
