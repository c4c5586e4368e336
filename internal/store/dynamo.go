package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/clowdr-app/clowdr-broadcast/internal/model"
)

// DynamoDB key constants for the single-table design.
const (
	roomPKPrefix    = "ROOM#"
	channelPKPrefix = "CHANNEL#"
	eventsPK        = "EVENTS"

	skChannel    = "CHANNEL"
	skRoom       = "ROOM"
	skTransition = "TRANSITION#"
	skRecording  = "RECORDING#"
)

// timeKeyFormat renders timestamps as fixed-width UTC strings so that
// lexicographic sort-key order matches chronological order.
const timeKeyFormat = "2006-01-02T15:04:05Z"

// DynamoStore implements Store using AWS DynamoDB.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

// Compile-time interface check.
var _ Store = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoStore(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
	}
}

// --- Internal helpers ---

func roomPK(roomID string) string {
	return roomPKPrefix + roomID
}

func timeKey(t time.Time) string {
	return t.UTC().Format(timeKeyFormat)
}

// eventSK builds the EVENTS partition sort key: start time first so the
// partition is time-ordered, event ID appended for uniqueness.
func eventSK(start time.Time, eventID string) string {
	return timeKey(start) + "#" + eventID
}

// transitionSK builds the transition sort key: time first so a prefix query
// returns transitions in chronological order, ID appended for uniqueness.
func transitionSK(at time.Time, transitionID string) string {
	return skTransition + timeKey(at) + "#" + transitionID
}

// putItem marshals a domain object and writes it to DynamoDB with PK and SK.
// The domain object should use dynamodbav:"-" for fields derived from PK/SK.
func (s *DynamoStore) putItem(ctx context.Context, pk, sk string, data interface{}) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// getItem reads a single item from DynamoDB and unmarshals it into out.
// Returns false if the item does not exist (out is not modified).
func (s *DynamoStore) getItem(ctx context.Context, pk, sk string, out interface{}) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return false, fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, sk, err)
	}
	if result.Item == nil {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, sk, err)
	}
	return true, nil
}

// deleteItem removes a single item from DynamoDB by PK/SK.
func (s *DynamoStore) deleteItem(ctx context.Context, pk, sk string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return fmt.Errorf("DeleteItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// query runs a paginated Query and returns all raw items.
// DynamoDB returns up to 1MB per Query call, so pagination is mandatory.
func (s *DynamoStore) query(ctx context.Context, input *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var allItems []map[string]types.AttributeValue
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query: %w", err)
		}
		allItems = append(allItems, result.Items...)

		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	return allItems, nil
}

// --- Records ---

// eventRecord is the DynamoDB shape of a broadcast event
// (PK = EVENTS, SK = {startTime}#{eventId}).
type eventRecord struct {
	RoomID string `dynamodbav:"roomId"`
	EndsAt int64  `dynamodbav:"endsAt,omitempty"`
}

// transitionRecord is the DynamoDB shape of a transition
// (PK = ROOM#{roomId}, SK = TRANSITION#{time}#{transitionId}).
// The input union is flattened to a kind discriminator plus an optional
// locator, validated back into model.TransitionInput on read.
type transitionRecord struct {
	Kind     string `dynamodbav:"kind"`
	Locator  string `dynamodbav:"locator,omitempty"`
	TimeUnix int64  `dynamodbav:"timeUnixMs"`
}

const (
	kindFile = "file"
	kindLive = "live"
)

// channelLink is the reverse-lookup record
// (PK = CHANNEL#{channelId}, SK = ROOM).
type channelLink struct {
	RoomID string `dynamodbav:"roomId"`
}

// --- Events ---

func (s *DynamoStore) PutEvent(ctx context.Context, ev *model.Event) error {
	rec := eventRecord{RoomID: ev.RoomID}
	if !ev.End.IsZero() {
		rec.EndsAt = ev.End.UnixMilli()
	}
	if err := s.putItem(ctx, eventsPK, eventSK(ev.Start, ev.ID), rec); err != nil {
		return fmt.Errorf("put event %s: %w", ev.ID, err)
	}

	log.Debug().Str("eventId", ev.ID).Str("roomId", ev.RoomID).Time("start", ev.Start).Msg("Event persisted")
	return nil
}

func (s *DynamoStore) RoomsWithEventsBetween(ctx context.Context, from, to time.Time) ([]string, error) {
	// The sort key is {startTime}#{eventId}; "#~" caps the range after every
	// event ID sharing the upper-bound timestamp ('~' sorts after hex digits).
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: eventsPK},
			":from": &types.AttributeValueMemberS{Value: timeKey(from)},
			":to":   &types.AttributeValueMemberS{Value: timeKey(to) + "#~"},
		},
	}

	items, err := s.query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("query events in [%s, %s]: %w", timeKey(from), timeKey(to), err)
	}
	return dedupeRooms(items), nil
}

func (s *DynamoStore) BroadcastRooms(ctx context.Context) ([]string, error) {
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: eventsPK},
		},
	}

	items, err := s.query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("query all events: %w", err)
	}
	return dedupeRooms(items), nil
}

func (s *DynamoStore) RoomsWithoutEventsBetween(ctx context.Context, from, to time.Time) ([]string, error) {
	all, err := s.BroadcastRooms(ctx)
	if err != nil {
		return nil, err
	}
	active, err := s.RoomsWithEventsBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}

	activeSet := make(map[string]struct{}, len(active))
	for _, r := range active {
		activeSet[r] = struct{}{}
	}

	var idle []string
	for _, r := range all {
		if _, ok := activeSet[r]; !ok {
			idle = append(idle, r)
		}
	}
	return idle, nil
}

// dedupeRooms extracts distinct roomId values from event items, preserving
// first-seen (chronological) order.
func dedupeRooms(items []map[string]types.AttributeValue) []string {
	seen := make(map[string]struct{}, len(items))
	var rooms []string
	for _, item := range items {
		var rec eventRecord
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil || rec.RoomID == "" {
			log.Warn().Err(err).Msg("Failed to unmarshal event record, skipping")
			continue
		}
		if _, ok := seen[rec.RoomID]; ok {
			continue
		}
		seen[rec.RoomID] = struct{}{}
		rooms = append(rooms, rec.RoomID)
	}
	return rooms
}

// --- Transitions ---

func (s *DynamoStore) PutTransition(ctx context.Context, t *model.Transition) error {
	rec := transitionRecord{TimeUnix: t.Time.UnixMilli()}
	switch in := t.Input.(type) {
	case model.FileInput:
		rec.Kind = kindFile
		rec.Locator = in.Locator
	case model.LiveInput:
		rec.Kind = kindLive
	default:
		return fmt.Errorf("put transition %s: unsupported input type %T", t.ID, t.Input)
	}

	if err := s.putItem(ctx, roomPK(t.RoomID), transitionSK(t.Time, t.ID), rec); err != nil {
		return fmt.Errorf("put transition %s/%s: %w", t.RoomID, t.ID, err)
	}

	log.Debug().
		Str("roomId", t.RoomID).
		Str("transitionId", t.ID).
		Str("kind", rec.Kind).
		Time("time", t.Time).
		Msg("Transition persisted")
	return nil
}

func (s *DynamoStore) DeleteTransition(ctx context.Context, roomID, transitionID string, at time.Time) error {
	if err := s.deleteItem(ctx, roomPK(roomID), transitionSK(at, transitionID)); err != nil {
		return fmt.Errorf("delete transition %s/%s: %w", roomID, transitionID, err)
	}
	return nil
}

func (s *DynamoStore) TransitionsForRoom(ctx context.Context, roomID string) ([]*model.Transition, error) {
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: roomPK(roomID)},
			":skPrefix": &types.AttributeValueMemberS{Value: skTransition},
		},
	}

	items, err := s.query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("query transitions for %s: %w", roomID, err)
	}

	transitions := make([]*model.Transition, 0, len(items))
	for _, item := range items {
		t, err := parseTransitionItem(roomID, item)
		if err != nil {
			// Malformed records are skipped rather than failing the whole
			// room: the reconciler must keep working on the valid remainder.
			log.Warn().Err(err).Str("roomId", roomID).Msg("Skipping unparseable transition record")
			continue
		}
		transitions = append(transitions, t)
	}
	return transitions, nil
}

// parseTransitionItem validates a raw item back into the transition input
// union. The kind discriminator is checked here, at the store boundary, so
// downstream code never sees an unclassified input.
func parseTransitionItem(roomID string, item map[string]types.AttributeValue) (*model.Transition, error) {
	var rec transitionRecord
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	skAttr, ok := item["SK"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("missing SK")
	}
	// SK shape: TRANSITION#{time}#{transitionId}
	rest := strings.TrimPrefix(skAttr.Value, skTransition)
	idx := strings.Index(rest, "#")
	if idx < 0 {
		return nil, fmt.Errorf("malformed transition SK %q", skAttr.Value)
	}

	t := &model.Transition{
		ID:     rest[idx+1:],
		RoomID: roomID,
		Time:   time.UnixMilli(rec.TimeUnix).UTC(),
	}
	switch rec.Kind {
	case kindFile:
		t.Input = model.FileInput{Locator: rec.Locator}
	case kindLive:
		t.Input = model.LiveInput{}
	default:
		return nil, fmt.Errorf("unknown transition kind %q", rec.Kind)
	}
	return t, nil
}

// --- Channel registry ---

func (s *DynamoStore) PutChannel(ctx context.Context, ch *model.Channel) error {
	if ch.CreatedAt == 0 {
		ch.CreatedAt = time.Now().Unix()
	}

	if err := s.putItem(ctx, roomPK(ch.RoomID), skChannel, ch); err != nil {
		return fmt.Errorf("put channel for room %s: %w", ch.RoomID, err)
	}
	if err := s.putItem(ctx, channelPKPrefix+ch.ChannelID, skRoom, channelLink{RoomID: ch.RoomID}); err != nil {
		return fmt.Errorf("put channel link %s: %w", ch.ChannelID, err)
	}

	log.Info().
		Str("roomId", ch.RoomID).
		Str("channelId", ch.ChannelID).
		Str("distributionId", ch.DistributionID).
		Msg("Channel registry entry persisted")
	return nil
}

func (s *DynamoStore) ChannelForRoom(ctx context.Context, roomID string) (*model.Channel, error) {
	var ch model.Channel
	found, err := s.getItem(ctx, roomPK(roomID), skChannel, &ch)
	if err != nil {
		return nil, fmt.Errorf("get channel for room %s: %w", roomID, err)
	}
	if !found {
		return nil, nil
	}

	ch.RoomID = roomID
	return &ch, nil
}

func (s *DynamoStore) RoomForChannelID(ctx context.Context, channelID string) (string, error) {
	var link channelLink
	found, err := s.getItem(ctx, channelPKPrefix+channelID, skRoom, &link)
	if err != nil {
		return "", fmt.Errorf("get room for channel %s: %w", channelID, err)
	}
	if !found {
		return "", nil
	}
	return link.RoomID, nil
}

func (s *DynamoStore) DeleteChannel(ctx context.Context, ch *model.Channel) error {
	if err := s.deleteItem(ctx, roomPK(ch.RoomID), skChannel); err != nil {
		return fmt.Errorf("delete channel for room %s: %w", ch.RoomID, err)
	}
	if err := s.deleteItem(ctx, channelPKPrefix+ch.ChannelID, skRoom); err != nil {
		return fmt.Errorf("delete channel link %s: %w", ch.ChannelID, err)
	}

	log.Info().Str("roomId", ch.RoomID).Str("channelId", ch.ChannelID).Msg("Channel registry entry deleted")
	return nil
}

// --- Recordings ---

func (s *DynamoStore) PutRecording(ctx context.Context, rec *model.Recording) error {
	if rec.CompletedAt == 0 {
		rec.CompletedAt = time.Now().Unix()
	}

	if err := s.putItem(ctx, roomPK(rec.RoomID), skRecording+rec.ID, rec); err != nil {
		return fmt.Errorf("put recording %s/%s: %w", rec.RoomID, rec.ID, err)
	}

	log.Debug().
		Str("roomId", rec.RoomID).
		Str("recordingId", rec.ID).
		Str("key", rec.Key).
		Msg("Recording persisted")
	return nil
}
