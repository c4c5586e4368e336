package reactor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/clowdr-app/clowdr-broadcast/internal/live"
	"github.com/clowdr-app/clowdr-broadcast/internal/model"
)

type fakeStore struct {
	roomByChannel map[string]string
	channels      map[string]*model.Channel

	recordings       []*model.Recording
	putRecordingErrs int
}

func (f *fakeStore) RoomForChannelID(ctx context.Context, channelID string) (string, error) {
	return f.roomByChannel[channelID], nil
}

func (f *fakeStore) ChannelForRoom(ctx context.Context, roomID string) (*model.Channel, error) {
	return f.channels[roomID], nil
}

func (f *fakeStore) PutRecording(ctx context.Context, rec *model.Recording) error {
	if f.putRecordingErrs > 0 {
		f.putRecordingErrs--
		return errors.New("throttled")
	}
	f.recordings = append(f.recordings, rec)
	return nil
}

type fakeChannels struct {
	live.ChannelService

	creates   []live.RemoteAction
	updateErr error
}

func (f *fakeChannels) BatchUpdateSchedule(ctx context.Context, channelID string, deleteNames []string, creates []live.RemoteAction) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.creates = append(f.creates, creates...)
	return nil
}

type fakeObjects struct {
	err    error
	heads  []string
	tagged map[string]string
}

func (f *fakeObjects) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.heads = append(f.heads, *params.Bucket+"/"+*params.Key)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeObjects) PutObjectTagging(ctx context.Context, params *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error) {
	if f.tagged == nil {
		f.tagged = make(map[string]string)
	}
	for _, tag := range params.Tagging.TagSet {
		f.tagged[*tag.Key] = *tag.Value
	}
	return &s3.PutObjectTaggingOutput{}, nil
}

const stateChangeMessage = `{
	"detail-type": "MediaLive Channel State Change",
	"detail": {
		"channel_arn": "arn:aws:medialive:us-east-1:123456789012:channel:1234567",
		"state": "RUNNING"
	}
}`

const harvestMessage = `{
	"detail-type": "MediaPackage HarvestJob Notification",
	"detail": {
		"harvest_job": {
			"id": "harvest-1",
			"status": "SUCCEEDED",
			"origin_endpoint_id": "room1-hls",
			"s3_destination": {
				"bucket_name": "recordings",
				"manifest_key": "room1/2026/03/01/index.m3u8"
			}
		}
	}
}`

func TestParseChannelStateChange(t *testing.T) {
	change, err := ParseChannelStateChange([]byte(stateChangeMessage))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if change == nil {
		t.Fatal("expected a parsed change")
	}
	if change.State != "RUNNING" {
		t.Errorf("unexpected state %q", change.State)
	}
	if !strings.HasSuffix(change.ChannelARN, ":1234567") {
		t.Errorf("unexpected ARN %q", change.ChannelARN)
	}
}

func TestParseChannelStateChangeForeignType(t *testing.T) {
	change, err := ParseChannelStateChange([]byte(`{"detail-type":"Something Else","detail":{}}`))
	if err != nil {
		t.Fatalf("foreign detail-type must not error: %v", err)
	}
	if change != nil {
		t.Errorf("expected nil for foreign detail-type, got %+v", change)
	}
}

func TestParseChannelStateChangeMalformed(t *testing.T) {
	if _, err := ParseChannelStateChange([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed message")
	}
	if _, err := ParseChannelStateChange([]byte(`{"detail-type":"MediaLive Channel State Change","detail":{}}`)); err == nil {
		t.Error("expected error for missing channel_arn and state")
	}
}

func TestParseHarvestJob(t *testing.T) {
	job, err := ParseHarvestJob([]byte(harvestMessage))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job == nil {
		t.Fatal("expected a parsed job")
	}
	if job.ID != "harvest-1" || job.Status != "SUCCEEDED" {
		t.Errorf("unexpected job %+v", job)
	}
	if job.S3Destination.BucketName != "recordings" {
		t.Errorf("unexpected bucket %q", job.S3Destination.BucketName)
	}
}

func TestParseHarvestJobForeignType(t *testing.T) {
	job, err := ParseHarvestJob([]byte(stateChangeMessage))
	if err != nil {
		t.Fatalf("foreign detail-type must not error: %v", err)
	}
	if job != nil {
		t.Errorf("expected nil for foreign detail-type, got %+v", job)
	}
}

func TestChannelIDFromARN(t *testing.T) {
	if got := channelIDFromARN("arn:aws:medialive:us-east-1:123456789012:channel:1234567"); got != "1234567" {
		t.Errorf("expected 1234567, got %q", got)
	}
	if got := channelIDFromARN("1234567"); got != "1234567" {
		t.Errorf("bare ID should pass through, got %q", got)
	}
}

func TestHandleChannelStateChangeSwitchesToFiller(t *testing.T) {
	st := &fakeStore{
		roomByChannel: map[string]string{"1234567": "room1"},
		channels: map[string]*model.Channel{
			"room1": {
				RoomID:             "room1",
				ChannelID:          "1234567",
				LiveAttachmentName: "room1-live",
			},
		},
	}
	ch := &fakeChannels{}
	r := New(st, ch, nil)

	change := &ChannelStateChange{
		ChannelARN: "arn:aws:medialive:us-east-1:123456789012:channel:1234567",
		State:      "RUNNING",
	}
	if err := r.HandleChannelStateChange(context.Background(), change); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ch.creates) != 1 {
		t.Fatalf("expected one immediate switch, got %d", len(ch.creates))
	}
	action := ch.creates[0]
	if !action.Immediate {
		t.Error("filler switch must be immediate")
	}
	if action.Type != live.ActionSwitch || action.AttachmentName != "room1-live" {
		t.Errorf("unexpected action %+v", action)
	}
	if !strings.HasPrefix(action.Name, "filler-") {
		t.Errorf("unexpected action name %q", action.Name)
	}
}

func TestHandleChannelStateChangeIgnoresOtherStates(t *testing.T) {
	ch := &fakeChannels{}
	r := New(&fakeStore{}, ch, nil)

	change := &ChannelStateChange{ChannelARN: "arn:x:channel:1", State: "STOPPING"}
	if err := r.HandleChannelStateChange(context.Background(), change); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ch.creates) != 0 {
		t.Errorf("non-RUNNING state must not schedule anything, got %v", ch.creates)
	}
}

func TestHandleChannelStateChangeUnknownChannel(t *testing.T) {
	ch := &fakeChannels{}
	r := New(&fakeStore{roomByChannel: map[string]string{}}, ch, nil)

	change := &ChannelStateChange{ChannelARN: "arn:x:channel:999", State: "RUNNING"}
	if err := r.HandleChannelStateChange(context.Background(), change); err != nil {
		t.Fatalf("unlinked channel must be ignored, got %v", err)
	}
	if len(ch.creates) != 0 {
		t.Error("no switch expected for an unlinked channel")
	}
}

func TestHandleHarvestJobPersistsRecording(t *testing.T) {
	st := &fakeStore{}
	objects := &fakeObjects{}
	r := New(st, &fakeChannels{}, objects)

	job, err := ParseHarvestJob([]byte(harvestMessage))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := r.HandleHarvestJob(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(objects.heads) != 1 || objects.heads[0] != "recordings/room1/2026/03/01/index.m3u8" {
		t.Errorf("expected object verification, got %v", objects.heads)
	}
	if objects.tagged["roomId"] != "room1" || objects.tagged["harvestJobId"] != "harvest-1" {
		t.Errorf("expected room and job tags, got %v", objects.tagged)
	}
	if len(st.recordings) != 1 {
		t.Fatalf("expected one recording, got %d", len(st.recordings))
	}
	rec := st.recordings[0]
	if rec.RoomID != "room1" || rec.Bucket != "recordings" || rec.ID != "harvest-1" {
		t.Errorf("unexpected recording %+v", rec)
	}
}

func TestHandleHarvestJobRetriesStoreWrite(t *testing.T) {
	st := &fakeStore{putRecordingErrs: 2}
	r := New(st, &fakeChannels{}, nil)

	job := &HarvestJob{ID: "harvest-1", Status: "SUCCEEDED", OriginEndpointID: "room1-hls"}
	if err := r.HandleHarvestJob(context.Background(), job); err != nil {
		t.Fatalf("transient store errors should be retried: %v", err)
	}
	if len(st.recordings) != 1 {
		t.Errorf("expected recording after retries, got %d", len(st.recordings))
	}
}

func TestHandleHarvestJobIgnoresIncomplete(t *testing.T) {
	st := &fakeStore{}
	r := New(st, &fakeChannels{}, &fakeObjects{})

	job := &HarvestJob{ID: "harvest-1", Status: "IN_PROGRESS", OriginEndpointID: "room1-hls"}
	if err := r.HandleHarvestJob(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(st.recordings) != 0 {
		t.Error("incomplete harvest must not be recorded")
	}
}

func TestHandleHarvestJobMissingObject(t *testing.T) {
	st := &fakeStore{}
	objects := &fakeObjects{err: errors.New("not found")}
	r := New(st, &fakeChannels{}, objects)

	job := &HarvestJob{ID: "harvest-1", Status: "SUCCEEDED", OriginEndpointID: "room1-hls"}
	if err := r.HandleHarvestJob(context.Background(), job); err == nil {
		t.Fatal("expected error when the harvested object is missing")
	}
	if len(st.recordings) != 0 {
		t.Error("unverified harvest must not be recorded")
	}
}
