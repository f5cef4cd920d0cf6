package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/outreach/internal/campaign"
)

// Mutation updates the non-status fields of a state during a transition.
// It must not touch Craft or Send.
type Mutation func(st *campaign.State)

// Meta describes a transition for the history log
type Meta struct {
	Reason string
	Mutate Mutation
}

// Transition atomically moves a contact from one step to another.
// If the stored step differs from `from` a *campaign.StaleStateError is
// returned, unless the stored step already equals a settled `to`, in which
// case the call is a no-op that returns the stored state. Claims of an
// in-flight step are never replayed: a second claimer gets the stale error,
// so exactly one caller owns the external call.
func (s *BoltStore) Transition(ctx context.Context, campaignID, contactID string, from, to campaign.Step, meta Meta) (*campaign.State, error) {
	if !campaign.ValidTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", campaign.ErrInvalidTransition, from, to)
	}

	var result *campaign.State
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getCampaign(tx, campaignID); err != nil {
			return err
		}

		st, err := getState(tx, campaignID, contactID)
		if err != nil {
			return err
		}

		current := st.Step()
		if current == to && !to.InFlight() {
			result = st
			return nil
		}
		if current != from {
			return &campaign.StaleStateError{
				CampaignID: campaignID,
				ContactID:  contactID,
				Expected:   from,
				Actual:     current,
			}
		}

		prevCraft, prevSend := st.CraftAttempts, st.SendAttempts
		if meta.Mutate != nil {
			meta.Mutate(st)
		}
		if st.CraftAttempts < prevCraft || st.SendAttempts < prevSend {
			return fmt.Errorf("attempt counters must not decrease for contact %s", contactID)
		}

		now := time.Now()
		st.Craft = to.Craft
		st.Send = to.Send
		st.Version++
		st.UpdatedAt = now
		switch {
		case to.Craft == campaign.CraftCrafted && from.Craft != campaign.CraftCrafted:
			st.CraftedAt = now
		case to.Send == campaign.SendSent:
			st.SentAt = now
		}
		if to.Terminal() {
			st.NextAttemptAt = time.Time{}
		}

		if err := putJSON(tx.Bucket(bucketStates), contactKey(campaignID, contactID), st); err != nil {
			return fmt.Errorf("failed to store state: %w", err)
		}
		if err := reindex(tx, st, from, to); err != nil {
			return err
		}
		if err := adjustStats(tx, campaignID, from, to); err != nil {
			return err
		}

		attempt := st.CraftAttempts
		if to.Craft == campaign.CraftCrafted {
			attempt = st.SendAttempts
		}
		if err := appendHistory(tx, st, campaign.Transition{
			From:      from,
			To:        to,
			Version:   st.Version,
			Attempt:   attempt,
			Error:     st.LastError,
			Reason:    meta.Reason,
			Timestamp: now,
		}); err != nil {
			return err
		}

		result = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetState returns the state of one contact
func (s *BoltStore) GetState(ctx context.Context, campaignID, contactID string) (*campaign.State, error) {
	var st *campaign.State
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := getCampaign(tx, campaignID); err != nil {
			return err
		}
		var err error
		st, err = getState(tx, campaignID, contactID)
		return err
	})
	return st, err
}

// GetPending returns up to limit states qualifying for phase, in ingestion order
func (s *BoltStore) GetPending(ctx context.Context, campaignID string, phase campaign.Phase, limit int) ([]*campaign.State, error) {
	return s.GetPendingAfter(ctx, campaignID, phase, 0, limit)
}

// GetPendingAfter is GetPending starting after the given ingestion sequence
func (s *BoltStore) GetPendingAfter(ctx context.Context, campaignID string, phase campaign.Phase, afterSeq uint64, limit int) ([]*campaign.State, error) {
	bucket, err := pendingBucket(phase)
	if err != nil {
		return nil, err
	}

	var result []*campaign.State
	err = s.db.View(func(tx *bolt.Tx) error {
		if _, err := getCampaign(tx, campaignID); err != nil {
			return err
		}

		prefix := campaignPrefix(campaignID)
		start := seqKey(campaignID, afterSeq+1)
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Seek(start); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			st, err := getState(tx, campaignID, string(v))
			if err != nil {
				continue
			}
			if !st.Step().Qualifies(phase) {
				continue
			}
			result = append(result, st)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
		return nil
	})
	return result, err
}

// StateFilter contains filter options for listing contact states
type StateFilter struct {
	Craft  campaign.CraftStatus
	Send   campaign.SendStatus
	Limit  int
	Offset int
}

// ListStates returns contact states of a campaign in ingestion order
func (s *BoltStore) ListStates(ctx context.Context, campaignID string, filter StateFilter) ([]*campaign.State, error) {
	var result []*campaign.State
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := getCampaign(tx, campaignID); err != nil {
			return err
		}

		prefix := campaignPrefix(campaignID)
		contacts := tx.Bucket(bucketContacts).Cursor()
		skipped := 0
		for k, v := contacts.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = contacts.Next() {
			var ct campaign.Contact
			if err := json.Unmarshal(v, &ct); err != nil {
				continue
			}
			st, err := getState(tx, campaignID, ct.ID)
			if err != nil {
				continue
			}
			if filter.Craft != "" && st.Craft != filter.Craft {
				continue
			}
			if filter.Send != "" && st.Send != filter.Send {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			result = append(result, st)
			if filter.Limit > 0 && len(result) >= filter.Limit {
				break
			}
		}
		return nil
	})
	return result, err
}

// History returns the recorded transitions of a contact, oldest first
func (s *BoltStore) History(ctx context.Context, campaignID, contactID string) ([]campaign.Transition, error) {
	var result []campaign.Transition
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := getCampaign(tx, campaignID); err != nil {
			return err
		}
		prefix := []byte(campaignID + "/" + contactID + "/")
		c := tx.Bucket(bucketHistory).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			// Guard against contact ids that extend this one
			if _, err := strconv.ParseUint(strings.TrimPrefix(string(k), string(prefix)), 10, 64); err != nil {
				continue
			}
			var tr campaign.Transition
			if err := json.Unmarshal(v, &tr); err != nil {
				continue
			}
			result = append(result, tr)
		}
		return nil
	})
	return result, err
}

// Recover returns contacts left mid-call by a crash to the step they were in
// before the call started: crafting goes back to pending and sending goes back
// to queued. Attempt counters are untouched. It returns the number of
// contacts recovered.
func (s *BoltStore) Recover(ctx context.Context) (int, error) {
	type stuck struct {
		campaignID, contactID string
		from, to             campaign.Step
	}
	var found []stuck

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).ForEach(func(k, v []byte) error {
			var st campaign.State
			if err := json.Unmarshal(v, &st); err != nil {
				return nil
			}
			switch st.Step() {
			case campaign.Step{Craft: campaign.CraftCrafting, Send: campaign.SendNotReady}:
				found = append(found, stuck{st.CampaignID, st.ContactID, st.Step(), campaign.Initial})
			case campaign.Step{Craft: campaign.CraftCrafted, Send: campaign.SendSending}:
				found = append(found, stuck{st.CampaignID, st.ContactID, st.Step(),
					campaign.Step{Craft: campaign.CraftCrafted, Send: campaign.SendQueued}})
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, f := range found {
		_, err := s.Transition(ctx, f.campaignID, f.contactID, f.from, f.to, Meta{Reason: "recovered after restart"})
		if err != nil {
			if campaign.IsStale(err) || isNotFound(err) {
				continue
			}
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func getState(tx *bolt.Tx, campaignID, contactID string) (*campaign.State, error) {
	data := tx.Bucket(bucketStates).Get(contactKey(campaignID, contactID))
	if data == nil {
		return nil, fmt.Errorf("state %s/%s: %w", campaignID, contactID, campaign.ErrNotFound)
	}
	var st campaign.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &st, nil
}

func pendingBucket(phase campaign.Phase) ([]byte, error) {
	switch phase {
	case campaign.PhaseCraft:
		return bucketPendingCraft, nil
	case campaign.PhaseSend:
		return bucketPendingSend, nil
	}
	return nil, fmt.Errorf("unknown phase %q", phase)
}

// reindex keeps the per-phase pending indexes in line with a transition
func reindex(tx *bolt.Tx, st *campaign.State, from, to campaign.Step) error {
	key := seqKey(st.CampaignID, st.Seq)
	for _, phase := range []campaign.Phase{campaign.PhaseCraft, campaign.PhaseSend} {
		bucket, _ := pendingBucket(phase)
		b := tx.Bucket(bucket)
		was, is := from.Qualifies(phase), to.Qualifies(phase)
		switch {
		case is && !was:
			if err := b.Put(key, []byte(st.ContactID)); err != nil {
				return fmt.Errorf("failed to add to %s index: %w", bucket, err)
			}
		case was && !is:
			if err := b.Delete(key); err != nil {
				return fmt.Errorf("failed to remove from %s index: %w", bucket, err)
			}
		}
	}
	return nil
}

func adjustStats(tx *bolt.Tx, campaignID string, from, to campaign.Step) error {
	b := tx.Bucket(bucketStats)
	stats := &campaign.Stats{}
	if data := b.Get([]byte(campaignID)); data != nil {
		if err := json.Unmarshal(data, stats); err != nil {
			return fmt.Errorf("failed to unmarshal stats: %w", err)
		}
	}
	stats.Apply(from, to, false)
	return putJSON(b, []byte(campaignID), stats)
}

func appendHistory(tx *bolt.Tx, st *campaign.State, tr campaign.Transition) error {
	if err := putJSON(tx.Bucket(bucketHistory), historyKey(st.CampaignID, st.ContactID, tr.Version), tr); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}
