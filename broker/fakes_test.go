package broker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-uploadkit/metadata"
	"github.com/bitrise-io/go-uploadkit/multipart"
	"github.com/bitrise-io/go-uploadkit/notify"
	"github.com/bitrise-io/go-utils/v2/log"
)

type fakeBlobs struct {
	mu         sync.Mutex
	partURLFor func(key, uploadID string, partNumber int) string
	uploads    map[string]string
	completed  map[string][]multipart.PartResult
	aborted    []string
	objects    map[string][]byte
	deleted    []string
	deleteErr  error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{
		uploads:   map[string]string{},
		completed: map[string][]multipart.PartResult{},
		objects:   map[string][]byte{},
	}
}

func (b *fakeBlobs) CreateMultipartUpload(_ context.Context, key, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	uploadID := fmt.Sprintf("upload-%d", len(b.uploads)+1)
	b.uploads[uploadID] = key
	return uploadID, nil
}

func (b *fakeBlobs) PresignPart(_ context.Context, key, uploadID string, partNumber int) (multipart.PartURL, error) {
	url := fmt.Sprintf("https://s3.example.com/%s?uploadId=%s&partNumber=%d", key, uploadID, partNumber)
	if b.partURLFor != nil {
		url = b.partURLFor(key, uploadID, partNumber)
	}
	return multipart.PartURL{Method: "PUT", URL: url, Expires: time.Now().Add(time.Hour)}, nil
}

func (b *fakeBlobs) CompleteMultipartUpload(_ context.Context, _, uploadID string, parts []multipart.PartResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sorted := append([]multipart.PartResult(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })
	b.completed[uploadID] = sorted
	return nil
}

func (b *fakeBlobs) AbortMultipartUpload(_ context.Context, _, uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.aborted = append(b.aborted, uploadID)
	return nil
}

func (b *fakeBlobs) PresignPut(_ context.Context, key, contentType string) (multipart.PartURL, error) {
	return multipart.PartURL{
		Method:  "PUT",
		URL:     "https://s3.example.com/" + key + "?X-Amz-Signature=sig",
		Headers: map[string]string{"Content-Type": contentType},
		Expires: time.Now().Add(15 * time.Minute),
	}, nil
}

func (b *fakeBlobs) PutObject(_ context.Context, key, _ string, body io.Reader, _ int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

func (b *fakeBlobs) DeleteObject(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleteErr != nil {
		return b.deleteErr
	}
	b.deleted = append(b.deleted, key)
	return nil
}

type fakeRecords struct {
	mu       sync.Mutex
	files    map[string]metadata.FileRecord
	webhooks map[string]metadata.Webhook
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{files: map[string]metadata.FileRecord{}, webhooks: map[string]metadata.Webhook{}}
}

func recordKey(userID, id string) string {
	return userID + "/" + id
}

func (r *fakeRecords) PutFile(_ context.Context, file metadata.FileRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[recordKey(file.UserID, file.FileID)] = file
	return nil
}

func (r *fakeRecords) GetFile(_ context.Context, userID, fileID string) (*metadata.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	file, ok := r.files[recordKey(userID, fileID)]
	if !ok {
		return nil, metadata.ErrNotFound
	}
	return &file, nil
}

func (r *fakeRecords) QueryFiles(_ context.Context, userID, webhookID string) ([]metadata.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	files := []metadata.FileRecord{}
	for _, f := range r.files {
		if f.UserID == userID && (webhookID == "" || f.WebhookID == webhookID) {
			files = append(files, f)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].CreatedAt > files[j].CreatedAt })
	return files, nil
}

func (r *fakeRecords) DeleteFile(_ context.Context, userID, fileID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, recordKey(userID, fileID))
	return nil
}

func (r *fakeRecords) PutWebhook(_ context.Context, webhook metadata.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.webhooks[recordKey(webhook.UserID, webhook.WebhookID)] = webhook
	return nil
}

func (r *fakeRecords) GetWebhook(_ context.Context, userID, webhookID string) (*metadata.Webhook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	webhook, ok := r.webhooks[recordKey(userID, webhookID)]
	if !ok {
		return nil, metadata.ErrNotFound
	}
	return &webhook, nil
}

func (r *fakeRecords) QueryWebhooks(_ context.Context, userID string) ([]metadata.Webhook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	webhooks := []metadata.Webhook{}
	for _, w := range r.webhooks {
		if w.UserID == userID {
			webhooks = append(webhooks, w)
		}
	}
	return webhooks, nil
}

func (r *fakeRecords) DeleteWebhook(_ context.Context, userID, webhookID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := recordKey(userID, webhookID)
	if _, ok := r.webhooks[key]; !ok {
		return metadata.ErrNotFound
	}
	delete(r.webhooks, key)
	return nil
}

type fakeSink struct {
	posted  []notify.Message
	deleted []string
	err     error
}

func (s *fakeSink) Post(_ context.Context, _ string, msg notify.Message) (string, error) {
	s.posted = append(s.posted, msg)
	return fmt.Sprintf("msg-%d", len(s.posted)), s.err
}

func (s *fakeSink) Delete(_ context.Context, webhookURL, messageID string) error {
	s.deleted = append(s.deleted, webhookURL+"#"+messageID)
	return s.err
}

type testEnv struct {
	service *Service
	blobs   *fakeBlobs
	records *fakeRecords
	sink    *fakeSink
}

func newTestEnv() testEnv {
	blobs := newFakeBlobs()
	records := newFakeRecords()
	sink := &fakeSink{}

	service := New(blobs, records, sink, "cdn.example.com", log.NewLogger())
	ids := 0
	service.newID = func() string {
		ids++
		return fmt.Sprintf("id-%d", ids)
	}
	service.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }

	records.webhooks[recordKey("user-1", "hook-1")] = metadata.Webhook{
		UserID:     "user-1",
		WebhookID:  "hook-1",
		Name:       "general",
		WebhookURL: "https://discord.com/api/webhooks/1/token",
	}

	return testEnv{service: service, blobs: blobs, records: records, sink: sink}
}

// addFile stores an uploading file record of the user under uploads/{fileID}/a.bin.
func (e testEnv) addFile(userID, fileID string) string {
	key := ObjectKey(fileID, "a.bin")
	e.records.files[recordKey(userID, fileID)] = metadata.FileRecord{
		UserID:    userID,
		FileID:    fileID,
		Filename:  "a.bin",
		S3Key:     key,
		WebhookID: "hook-1",
		Status:    metadata.StatusUploading,
	}
	return key
}
