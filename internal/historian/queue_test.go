package historian

import "testing"

func appendItem() WorkItem { return WorkItem{Kind: ItemAppend} }
func readItem() WorkItem   { return WorkItem{Kind: ItemReadRaw} }

func TestPrioritizeAndCompressCoalescesConsecutiveAppends(t *testing.T) {
	pending := []WorkItem{appendItem(), appendItem(), appendItem(), {Kind: ItemModify}}

	batch, rest := prioritizeAndCompress(pending)

	if len(batch) != 3 {
		t.Fatalf("expected the 3 consecutive appends to coalesce into one batch, got %d", len(batch))
	}
	for _, it := range batch {
		if it.Kind != ItemAppend {
			t.Errorf("expected all coalesced items to be Appends, got %v", it.Kind)
		}
	}
	if len(rest) != 1 || rest[0].Kind != ItemModify {
		t.Fatalf("expected the Modify to remain queued, got %v", rest)
	}
}

func TestPrioritizeAndCompressPromotesReadAheadOfAppends(t *testing.T) {
	pending := []WorkItem{appendItem(), appendItem(), readItem(), appendItem()}

	batch, rest := prioritizeAndCompress(pending)

	if len(batch) != 1 || batch[0].Kind != ItemReadRaw {
		t.Fatalf("expected the read to be promoted ahead of the appends, got %v", batch)
	}
	if len(rest) != 3 {
		t.Fatalf("expected 3 items left after promoting the read, got %d", len(rest))
	}
	for _, it := range rest {
		if it.Kind != ItemAppend {
			t.Errorf("expected remaining items to be the original appends, got %v", it.Kind)
		}
	}
}

func TestPrioritizeAndCompressNeverDemotesReadPastAWrite(t *testing.T) {
	pending := []WorkItem{appendItem(), {Kind: ItemModify}, readItem()}

	batch, rest := prioritizeAndCompress(pending)

	if len(batch) != 1 || batch[0].Kind != ItemAppend {
		t.Fatalf("expected the single leading append to run first, got %v", batch)
	}
	if len(rest) != 2 || rest[0].Kind != ItemModify || rest[1].Kind != ItemReadRaw {
		t.Fatalf("expected Modify and ReadRaw to remain in their relative order, got %v", rest)
	}
}

func TestPrioritizeAndCompressNonAppendHeadRunsAlone(t *testing.T) {
	pending := []WorkItem{{Kind: ItemCount}, appendItem()}

	batch, rest := prioritizeAndCompress(pending)

	if len(batch) != 1 || batch[0].Kind != ItemCount {
		t.Fatalf("expected Count to run alone, got %v", batch)
	}
	if len(rest) != 1 || rest[0].Kind != ItemAppend {
		t.Fatalf("expected the append to remain queued, got %v", rest)
	}
}

func TestPrioritizeAndCompressEmptyQueue(t *testing.T) {
	batch, rest := prioritizeAndCompress(nil)
	if batch != nil || rest != nil {
		t.Errorf("expected nil, nil for an empty queue, got %v, %v", batch, rest)
	}
}
