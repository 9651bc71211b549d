package tracker

import "testing"

func TestPriorityValue(t *testing.T) {
	cases := map[string]int{
		"Highest": 4, "Blocker": 4,
		"High": 3, "Medium": 2, "Low": 1,
		"":        0,
		"Unknown": 0,
	}
	for label, want := range cases {
		if got := PriorityValue(label); got != want {
			t.Errorf("PriorityValue(%q) = %d, want %d", label, got, want)
		}
	}
}

func TestIssueBlocksAndBlockedBy(t *testing.T) {
	i := Issue{
		Key: "A-1",
		IssueLinks: []IssueLink{
			{Type: "Blocks", Direction: LinkOutward, LinkedKey: "A-2"},
			{Type: "Blocks", Direction: LinkInward, LinkedKey: "A-3"},
			{Type: "Relates", Direction: LinkOutward, LinkedKey: "A-4"},
		},
	}

	blocks := i.Blocks()
	if len(blocks) != 1 || blocks[0] != "A-2" {
		t.Fatalf("unexpected Blocks(): %v", blocks)
	}

	blockedBy := i.BlockedBy()
	if len(blockedBy) != 1 || blockedBy[0] != "A-3" {
		t.Fatalf("unexpected BlockedBy(): %v", blockedBy)
	}
}
