// Package reconciler keeps a room's remote input-switch schedule consistent
// with the room's desired transitions. Each pass is a stateless diff: expand
// the desired transitions into the expected action set, normalize the remote
// schedule into the same shape, delete what should not be there, re-read,
// then create what is missing. Re-running a pass when nothing changed
// produces an empty diff, which is what makes overlapping or repeated
// triggers safe.
package reconciler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/clowdr-app/clowdr-broadcast/internal/live"
	"github.com/clowdr-app/clowdr-broadcast/internal/metrics"
	"github.com/clowdr-app/clowdr-broadcast/internal/model"
)

const (
	// PrepareOffset is how far ahead of a file switch its prepare action
	// fires, giving the channel time to pre-load the file.
	PrepareOffset = 30 * time.Second

	// CreateMargin is the minimum lead time for newly created actions. The
	// remote service rejects insertions closer than 15 seconds to now; the
	// doubled margin absorbs clock skew and call latency.
	CreateMargin = 30 * time.Second

	// prepareSuffix distinguishes a file transition's pre-roll action name
	// from its switch action name.
	prepareSuffix = "-prepare"
)

// InputKind classifies a schedule action's target input.
type InputKind string

const (
	KindFile InputKind = "file"
	KindLive InputKind = "live"
)

// ComparableScheduleAction is the normalized form both the desired and the
// actual schedule are reduced to for diffing. Two actions are the same only
// if every field matches; any drift (a moved time, a changed file key) makes
// them distinct, forcing delete-and-recreate rather than an in-place edit.
type ComparableScheduleAction struct {
	Name       string
	Kind       InputKind
	FileKey    string
	TimeMillis int64
}

// identity returns the structural-equality key used for diffing.
func (a ComparableScheduleAction) identity() string {
	return fmt.Sprintf("%s|%s|%s|%d", a.Name, a.Kind, a.FileKey, a.TimeMillis)
}

// Store is the slice of persistence the reconciler reads. Desired state
// only; the reconciler never writes to the store.
type Store interface {
	BroadcastRooms(ctx context.Context) ([]string, error)
	TransitionsForRoom(ctx context.Context, roomID string) ([]*model.Transition, error)
	ChannelForRoom(ctx context.Context, roomID string) (*model.Channel, error)
}

// Reconciler diffs desired transitions against remote channel schedules and
// applies the minimal correction.
type Reconciler struct {
	store Store
	live  live.ChannelService
	met   *metrics.Metrics

	// now is stubbed in tests.
	now func() time.Time
}

// New creates a Reconciler. met may be nil.
func New(store Store, channels live.ChannelService, met *metrics.Metrics) *Reconciler {
	return &Reconciler{
		store: store,
		live:  channels,
		met:   met,
		now:   time.Now,
	}
}

// ExpectedActions expands transitions into the schedule actions that should
// exist for them. A live transition yields one switch action at its time; a
// file transition additionally yields a prepare action PrepareOffset earlier,
// both carrying the file key.
func ExpectedActions(transitions []*model.Transition) []ComparableScheduleAction {
	actions := make([]ComparableScheduleAction, 0, len(transitions))
	for _, t := range transitions {
		switch in := t.Input.(type) {
		case model.LiveInput:
			actions = append(actions, ComparableScheduleAction{
				Name:       t.ID,
				Kind:       KindLive,
				TimeMillis: t.Time.UnixMilli(),
			})
		case model.FileInput:
			actions = append(actions,
				ComparableScheduleAction{
					Name:       t.ID + prepareSuffix,
					Kind:       KindFile,
					FileKey:    in.Locator,
					TimeMillis: t.Time.Add(-PrepareOffset).UnixMilli(),
				},
				ComparableScheduleAction{
					Name:       t.ID,
					Kind:       KindFile,
					FileKey:    in.Locator,
					TimeMillis: t.Time.UnixMilli(),
				},
			)
		}
	}
	return actions
}

// normalizeRemote reduces remote actions to comparable form. Classification
// is by input attachment suffix. Actions that do not fit a recognized shape
// (immediate-mode actions, foreign attachments) are deliberately skipped:
// the reconciler only manages actions it could itself have created.
func normalizeRemote(actions []live.RemoteAction) []ComparableScheduleAction {
	normalized := make([]ComparableScheduleAction, 0, len(actions))
	for _, a := range actions {
		if a.Immediate || a.At.IsZero() {
			log.Debug().Str("action", a.Name).Msg("Skipping immediate-mode schedule action")
			continue
		}

		cmp := ComparableScheduleAction{Name: a.Name, TimeMillis: a.At.UnixMilli()}
		switch {
		case strings.HasSuffix(a.AttachmentName, "-file"):
			cmp.Kind = KindFile
			cmp.FileKey = a.URLPath
		case strings.HasSuffix(a.AttachmentName, "-live"):
			cmp.Kind = KindLive
		default:
			log.Debug().
				Str("action", a.Name).
				Str("attachment", a.AttachmentName).
				Msg("Skipping schedule action with unrecognized input attachment")
			continue
		}
		normalized = append(normalized, cmp)
	}
	return normalized
}

// SyncRoom reconciles one room's remote schedule with its transitions.
// Stale actions are deleted first; the schedule is then re-read so the
// creation pass works from the authoritative post-delete state rather than
// a local view that still includes the removed items.
func (r *Reconciler) SyncRoom(ctx context.Context, roomID string) error {
	ch, err := r.store.ChannelForRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("resolve channel for room %s: %w", roomID, err)
	}
	if ch == nil {
		log.Debug().Str("roomId", roomID).Msg("Room has no channel yet, nothing to reconcile")
		return nil
	}

	state, err := r.live.DescribeChannelState(ctx, ch.ChannelID)
	if err != nil {
		return fmt.Errorf("describe channel %s state: %w", ch.ChannelID, err)
	}
	if state != model.StateIdle && state != model.StateRunning {
		log.Warn().
			Str("roomId", roomID).
			Str("channelId", ch.ChannelID).
			Str("state", string(state)).
			Msg("Channel cannot accept schedule updates this pass")
		return nil
	}

	transitions, err := r.store.TransitionsForRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("load transitions for room %s: %w", roomID, err)
	}

	expected := ExpectedActions(transitions)
	expectedSet := make(map[string]struct{}, len(expected))
	for _, a := range expected {
		expectedSet[a.identity()] = struct{}{}
	}

	actual, err := r.live.DescribeSchedule(ctx, ch.ChannelID)
	if err != nil {
		return fmt.Errorf("describe schedule for channel %s: %w", ch.ChannelID, err)
	}

	var stale []string
	for _, a := range normalizeRemote(actual) {
		if _, ok := expectedSet[a.identity()]; !ok {
			stale = append(stale, a.Name)
		}
	}
	if len(stale) > 0 {
		if err := r.live.BatchUpdateSchedule(ctx, ch.ChannelID, stale, nil); err != nil {
			return fmt.Errorf("delete %d stale actions on channel %s: %w", len(stale), ch.ChannelID, err)
		}
		r.met.AddScheduleDeletes(len(stale))
	}

	after, err := r.live.DescribeSchedule(ctx, ch.ChannelID)
	if err != nil {
		return fmt.Errorf("re-describe schedule for channel %s: %w", ch.ChannelID, err)
	}
	// A surviving action's name implies full structural match: anything that
	// drifted was just deleted. Presence by name is therefore sufficient here.
	present := make(map[string]struct{}, len(after))
	for _, a := range normalizeRemote(after) {
		present[a.Name] = struct{}{}
	}

	creates := r.missingActions(ch, transitions, present)
	if len(creates) > 0 {
		if err := r.live.BatchUpdateSchedule(ctx, ch.ChannelID, nil, creates); err != nil {
			return fmt.Errorf("create %d actions on channel %s: %w", len(creates), ch.ChannelID, err)
		}
		r.met.AddScheduleCreates(len(creates))
	}

	log.Debug().
		Str("roomId", roomID).
		Str("channelId", ch.ChannelID).
		Int("transitions", len(transitions)).
		Int("deleted", len(stale)).
		Int("created", len(creates)).
		Msg("Room schedule reconciled")
	return nil
}

// missingActions builds the create set: actions for transitions far enough
// in the future whose names are absent from the post-delete schedule.
// Transitions inside the lead-time margin are dropped for this pass — the
// system never schedules the past, and a missed transition is not an error.
func (r *Reconciler) missingActions(ch *model.Channel, transitions []*model.Transition, present map[string]struct{}) []live.RemoteAction {
	cutoff := r.now().Add(CreateMargin)

	var creates []live.RemoteAction
	for _, t := range transitions {
		if t.Time.Before(cutoff) {
			continue
		}

		switch in := t.Input.(type) {
		case model.LiveInput:
			if _, ok := present[t.ID]; !ok {
				creates = append(creates, live.RemoteAction{
					Name:           t.ID,
					Type:           live.ActionSwitch,
					AttachmentName: ch.LiveAttachmentName,
					At:             t.Time,
				})
			}
		case model.FileInput:
			prepareName := t.ID + prepareSuffix
			prepareAt := t.Time.Add(-PrepareOffset)
			if _, ok := present[prepareName]; !ok {
				if prepareAt.Before(cutoff) {
					// The switch still clears the margin but its pre-roll
					// slot has passed; schedule the switch alone rather
					// than rejecting the whole transition.
					log.Warn().
						Str("roomId", ch.RoomID).
						Str("transitionId", t.ID).
						Msg("Prepare window already elapsed, scheduling switch without prepare")
				} else {
					creates = append(creates, live.RemoteAction{
						Name:           prepareName,
						Type:           live.ActionPrepare,
						AttachmentName: ch.FileAttachmentName,
						URLPath:        in.Locator,
						At:             prepareAt,
					})
				}
			}
			if _, ok := present[t.ID]; !ok {
				creates = append(creates, live.RemoteAction{
					Name:           t.ID,
					Type:           live.ActionSwitch,
					AttachmentName: ch.FileAttachmentName,
					URLPath:        in.Locator,
					At:             t.Time,
				})
			}
		}
	}
	return creates
}

// SyncAll reconciles every room with broadcast events. A failing room does
// not block the others; the pass as a whole fails only when no room
// succeeded.
func (r *Reconciler) SyncAll(ctx context.Context) error {
	rooms, err := r.store.BroadcastRooms(ctx)
	if err != nil {
		return fmt.Errorf("list broadcast rooms: %w", err)
	}
	r.met.IncSyncPasses()

	failed := 0
	for _, roomID := range rooms {
		if err := r.SyncRoom(ctx, roomID); err != nil {
			failed++
			r.met.IncSyncRoomFailures()
			log.Error().Err(err).Str("roomId", roomID).Msg("Room schedule sync failed")
		}
	}

	if failed > 0 && failed == len(rooms) {
		return fmt.Errorf("schedule sync failed for all %d rooms", failed)
	}
	return nil
}
