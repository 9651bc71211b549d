package tracker

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
)

// stringSet builds a lookup set from a string slice.
func stringSet(ids []string) map[string]struct{} {
	s := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Event kinds the tracker's webhook delivers.
const (
	EventIssueCreated    = "issue_created"
	EventIssueUpdated    = "issue_updated"
	EventIssueDeleted    = "issue_deleted"
	EventRelationCreated = "relation_created"
	EventRelationDeleted = "relation_deleted"
)

// ApplyWebhookPayload peeks the event type with gjson (avoiding a full
// unmarshal for routing, per the DOMAIN STACK's use of gjson) and
// dispatches to the matching handler. Every handler here is safe to
// replay: upserts never regress a status past ready, and add/remove
// relation are idempotent set operations.
func (s *Syncer) ApplyWebhookPayload(ctx context.Context, body []byte) error {
	event := gjson.GetBytes(body, "event").String()

	switch event {
	case EventIssueCreated, EventIssueUpdated:
		return s.applyIssueUpsert(ctx, body)
	case EventIssueDeleted:
		key := gjson.GetBytes(body, "issue.key").String()
		if key == "" {
			return fmt.Errorf("webhook %s missing issue.key", event)
		}
		return s.MarkTaskDeletedIfUnstarted(key)
	case EventRelationCreated:
		blocker, blocked, err := relationKeys(body)
		if err != nil {
			return fmt.Errorf("webhook %s: %w", event, err)
		}
		s.graph.AddRelation(blocker, blocked)
		return nil
	case EventRelationDeleted:
		blocker, blocked, err := relationKeys(body)
		if err != nil {
			return fmt.Errorf("webhook %s: %w", event, err)
		}
		s.graph.RemoveRelation(blocker, blocked)
		return nil
	default:
		return fmt.Errorf("unrecognized webhook event %q", event)
	}
}

func relationKeys(body []byte) (blocker, blocked string, err error) {
	blocker = gjson.GetBytes(body, "blocker_key").String()
	blocked = gjson.GetBytes(body, "blocked_key").String()
	if blocker == "" || blocked == "" {
		return "", "", fmt.Errorf("missing blocker_key/blocked_key")
	}
	return blocker, blocked, nil
}

// applyIssueUpsert re-fetches the full issue by key (webhook payloads
// carry only the changed fields; Orca always re-reads the authoritative
// issue rather than trusting a partial payload) and upserts it, then
// patches the graph by diffing its relations against what's already
// recorded — this is cheaper than a full rebuild and keeps concurrent
// webhook delivery from stomping unrelated graph edges.
func (s *Syncer) applyIssueUpsert(ctx context.Context, body []byte) error {
	key := gjson.GetBytes(body, "issue.key").String()
	if key == "" {
		return fmt.Errorf("webhook issue upsert missing issue.key")
	}

	issue, err := s.client.GetIssue(ctx, key)
	if err != nil {
		return fmt.Errorf("refetch issue %s: %w", key, err)
	}

	if err := s.upsertIssue(ctx, issue); err != nil {
		return fmt.Errorf("upsert issue %s: %w", key, err)
	}

	currentBlocks, currentBlockedBy := s.graph.RelationsFor(key)

	wantBlocks := stringSet(issue.Blocks())
	for _, target := range issue.Blocks() {
		s.graph.AddRelation(key, target)
	}
	for _, target := range currentBlocks {
		if _, ok := wantBlocks[target]; !ok {
			s.graph.RemoveRelation(key, target)
		}
	}

	wantBlockedBy := stringSet(issue.BlockedBy())
	for _, blocker := range issue.BlockedBy() {
		s.graph.AddRelation(blocker, key)
	}
	for _, blocker := range currentBlockedBy {
		if _, ok := wantBlockedBy[blocker]; !ok {
			s.graph.RemoveRelation(blocker, key)
		}
	}

	return nil
}
