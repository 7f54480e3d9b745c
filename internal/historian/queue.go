package historian

import "github.com/uniset/mediator/internal/vtq"

// ItemKind tags a WorkItem's operation (spec §3).
type ItemKind uint8

const (
	ItemAppend ItemKind = iota
	ItemReadRaw
	ItemCount
	ItemDeleteInterval
	ItemGetLatest
	ItemModify
	ItemDelete
	ItemStart
	ItemTerminate
)

func (k ItemKind) isRead() bool {
	switch k {
	case ItemReadRaw, ItemCount, ItemGetLatest, ItemDeleteInterval:
		return true
	default:
		return false
	}
}

// WorkItem is one unit of work submitted to a worker's queue. Reply carries
// the result back to the submitter; it is closed exactly once, by the
// worker that consumes the item.
type WorkItem struct {
	Kind ItemKind

	Channel  ChannelInfo
	Sample   Sample // ItemAppend
	Start    vtq.Timestamp
	End      vtq.Timestamp
	MaxN     int
	Bounding Bounding
	Quality  vtq.QualityFilter
	Mode     ModifyMode // ItemModify
	Data     []vtq.VTQ  // ItemModify

	Reply chan Result
}

// Result is what a WorkItem resolves to.
type Result struct {
	Samples []vtq.VTTQ
	Count   int64
	Latest  vtq.Timestamp
	Err     error
}

func reply(item WorkItem, r Result) {
	if item.Reply != nil {
		item.Reply <- r
		close(item.Reply)
	}
}

// prioritizeAndCompress picks the next batch of WorkItems to process from
// the head of pending (spec §4.3):
//
//  1. if a read (ReadRaw/Count/GetLatest/DeleteInterval) is queued anywhere
//     behind a run of Appends at the head, it is promoted ahead of them —
//     but never past any other kind of item, so ordering between writes is
//     preserved and the promoted read observes only what was committed
//     before the Appends it skipped;
//  2. otherwise, if the head is an Append, the longest prefix of consecutive
//     Appends is coalesced into a single batch committed in one transaction.
//
// It returns the items to process next (len 1 unless coalescing Appends)
// and the remaining queue.
func prioritizeAndCompress(pending []WorkItem) (batch []WorkItem, rest []WorkItem) {
	if len(pending) == 0 {
		return nil, pending
	}

	if pending[0].Kind != ItemAppend {
		return pending[:1], pending[1:]
	}

	for i, it := range pending {
		if it.Kind != ItemAppend {
			if it.Kind.isRead() {
				promoted := append([]WorkItem{it}, pending[:i]...)
				promoted = append(promoted, pending[i+1:]...)
				return promoted[:1], promoted[1:]
			}
			break // a non-Append write: stop the Append run here, don't reorder past it
		}
	}

	n := 0
	for n < len(pending) && pending[n].Kind == ItemAppend {
		n++
	}
	return pending[:n], pending[n:]
}
