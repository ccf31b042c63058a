package multipart_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-uploadkit/multipart"
	"github.com/bitrise-io/go-uploadkit/multipart/mocks"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testSession = multipart.SessionInfo{
	UploadID: "upload-1",
	FileID:   "file-1",
	Key:      "uploads/file-1/data.bin",
}

// partServer is a fake object store accepting part PUTs addressed by the partNumber query parameter.
type partServer struct {
	*httptest.Server

	mu       sync.Mutex
	parts    map[int][]byte
	attempts map[int]int
}

// newPartServer starts a part server. fail returns the status code to answer the given attempt with, or 0 to accept it.
func newPartServer(t *testing.T, fail func(partNumber, attempt int) int) *partServer {
	t.Helper()

	s := &partServer{parts: map[int][]byte{}, attempts: map[int]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(r.URL.Query().Get("partNumber"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)

		s.mu.Lock()
		s.attempts[n]++
		attempt := s.attempts[n]
		s.mu.Unlock()

		if fail != nil {
			if code := fail(n, attempt); code != 0 {
				w.WriteHeader(code)
				return
			}
		}

		s.mu.Lock()
		s.parts[n] = body
		s.mu.Unlock()
		w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, n))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *partServer) authorize(_ context.Context, _ multipart.SessionInfo, partNumber int) multipart.PartURL {
	return multipart.PartURL{
		Method: http.MethodPut,
		URL:    fmt.Sprintf("%s/upload?partNumber=%d", s.URL, partNumber),
	}
}

func (s *partServer) assemble(parts []multipart.PartResult) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	for _, p := range parts {
		buf.Write(s.parts[p.Number])
	}
	return buf.Bytes()
}

func (s *partServer) attemptsOf(partNumber int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[partNumber]
}

func testConfig(concurrency int) multipart.Config {
	return multipart.Config{
		Concurrency:        concurrency,
		PartSize:           10,
		MultipartThreshold: 50,
		MaxRetryPerPart:    3,
		BaseRetryDelay:     time.Millisecond,
	}
}

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func newMultipartStore(server *partServer) *mocks.Store {
	store := &mocks.Store{}
	store.On("CreateSession", mock.Anything, mock.Anything).Return(testSession, nil)
	store.On("AuthorizePart", mock.Anything, testSession, mock.Anything).Return(server.authorize, nil)
	return store
}

func TestTransfer_Upload_Multipart(t *testing.T) {
	server := newPartServer(t, func(partNumber, attempt int) int {
		// Even parts fail once before they are accepted.
		if attempt == 1 && partNumber%2 == 0 {
			return http.StatusInternalServerError
		}
		return 0
	})
	data := testData(100)

	var completed []multipart.PartResult
	store := newMultipartStore(server)
	store.On("CompleteSession", mock.Anything, testSession, mock.Anything).
		Run(func(args mock.Arguments) {
			completed = args.Get(2).([]multipart.PartResult)
		}).
		Return(nil)

	var progress []float64
	transfer := multipart.NewTransfer(testConfig(4), store, log.NewLogger())
	defer transfer.CloseIdleConnections()

	receipt, err := transfer.Upload(context.Background(), multipart.FileMetadata{Filename: "data.bin"}, multipart.NewByteSource(data), func(f float64) {
		progress = append(progress, f)
	})
	require.NoError(t, err)
	assert.Equal(t, multipart.Receipt{FileID: "file-1", Key: "uploads/file-1/data.bin", Parts: 10}, receipt)

	require.Len(t, completed, 10)
	for i, p := range completed {
		assert.Equal(t, i+1, p.Number)
		assert.Equal(t, fmt.Sprintf("etag-%d", i+1), p.ETag)
	}
	assert.Equal(t, data, server.assemble(completed))

	require.Len(t, progress, 10)
	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i], progress[i-1])
	}
	assert.Equal(t, 1.0, progress[len(progress)-1])

	store.AssertNotCalled(t, "AbortSession", mock.Anything, mock.Anything)
	stats := transfer.Stats()
	assert.Equal(t, int64(10), stats.Parts)
	assert.Equal(t, int64(100), stats.Bytes)
}

func TestTransfer_Upload_PartExhaustedAborts(t *testing.T) {
	server := newPartServer(t, func(partNumber, attempt int) int {
		if partNumber == 7 {
			return http.StatusInternalServerError
		}
		return 0
	})

	store := newMultipartStore(server)
	store.On("AbortSession", mock.Anything, testSession).Return(nil).Once()

	transfer := multipart.NewTransfer(testConfig(4), store, log.NewLogger())
	_, err := transfer.Upload(context.Background(), multipart.FileMetadata{Filename: "data.bin"}, multipart.NewByteSource(testData(100)), nil)
	require.Error(t, err)

	var transientErr *multipart.TransientIOError
	require.True(t, errors.As(err, &transientErr))
	assert.Equal(t, 7, transientErr.PartNumber)
	assert.Equal(t, 3, server.attemptsOf(7))

	store.AssertNumberOfCalls(t, "AbortSession", 1)
	store.AssertNotCalled(t, "CompleteSession", mock.Anything, mock.Anything, mock.Anything)
}

func TestTransfer_UploadAll_CancelledAfterThirdPart(t *testing.T) {
	server := newPartServer(t, nil)

	store := newMultipartStore(server)
	store.On("AbortSession", mock.Anything, testSession).Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transfer := multipart.NewTransfer(testConfig(1), store, log.NewLogger())
	session, err := transfer.Initiate(ctx, multipart.FileMetadata{Filename: "data.bin", Size: 100})
	require.NoError(t, err)

	err = transfer.UploadAll(ctx, session, multipart.NewByteSource(testData(100)), func(f float64) {
		if f >= 0.3 {
			cancel()
		}
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	for n := 1; n <= 3; n++ {
		assert.Equal(t, 1, server.attemptsOf(n))
	}
	for n := 4; n <= 10; n++ {
		assert.Equal(t, 0, server.attemptsOf(n), "part %d should not be uploaded", n)
	}
	store.AssertNumberOfCalls(t, "AbortSession", 1)
	assert.Equal(t, multipart.StateAborted, session.State())
}

func TestTransfer_UploadAll_PermanentFailureStopsClaiming(t *testing.T) {
	server := newPartServer(t, func(partNumber, attempt int) int {
		if partNumber == 3 {
			return http.StatusForbidden
		}
		return 0
	})

	store := newMultipartStore(server)
	store.On("AbortSession", mock.Anything, testSession).Return(nil).Once()

	transfer := multipart.NewTransfer(testConfig(1), store, log.NewLogger())
	session, err := transfer.Initiate(context.Background(), multipart.FileMetadata{Filename: "data.bin", Size: 100})
	require.NoError(t, err)

	err = transfer.UploadAll(context.Background(), session, multipart.NewByteSource(testData(100)), nil)
	var statusErr *multipart.HTTPStatusError
	require.True(t, errors.As(err, &statusErr), "unexpected error: %v", err)
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)

	assert.Equal(t, 1, server.attemptsOf(3))
	for n := 4; n <= 10; n++ {
		assert.Equal(t, 0, server.attemptsOf(n), "part %d should not be claimed", n)
	}
	store.AssertNumberOfCalls(t, "AbortSession", 1)
	store.AssertNotCalled(t, "CompleteSession", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, multipart.StateAborted, session.State())
}

func TestTransfer_UploadAll_FailureStopsRetriesInFlight(t *testing.T) {
	server := newPartServer(t, func(partNumber, attempt int) int {
		switch partNumber {
		case 1:
			return http.StatusForbidden
		case 2:
			// Answered after part 1 failed the session.
			time.Sleep(100 * time.Millisecond)
			return http.StatusInternalServerError
		}
		return 0
	})

	store := newMultipartStore(server)
	store.On("AbortSession", mock.Anything, testSession).Return(nil).Once()

	transfer := multipart.NewTransfer(testConfig(2), store, log.NewLogger())
	session, err := transfer.Initiate(context.Background(), multipart.FileMetadata{Filename: "data.bin", Size: 100})
	require.NoError(t, err)

	err = transfer.UploadAll(context.Background(), session, multipart.NewByteSource(testData(100)), nil)
	var statusErr *multipart.HTTPStatusError
	require.True(t, errors.As(err, &statusErr), "unexpected error: %v", err)
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)

	assert.Equal(t, 1, server.attemptsOf(2), "part 2 must not be retried after the session failed")
	for n := 3; n <= 10; n++ {
		assert.Equal(t, 0, server.attemptsOf(n), "part %d should not be claimed", n)
	}
	store.AssertNumberOfCalls(t, "AbortSession", 1)
}

func TestTransfer_UploadAll_AbortFailureDoesNotMaskError(t *testing.T) {
	server := newPartServer(t, nil)
	completeErr := errors.New("InvalidPart")

	store := newMultipartStore(server)
	store.On("CompleteSession", mock.Anything, testSession, mock.Anything).Return(completeErr)
	store.On("AbortSession", mock.Anything, testSession).Return(errors.New("abort unavailable"))

	transfer := multipart.NewTransfer(testConfig(2), store, log.NewLogger())
	session, err := transfer.Initiate(context.Background(), multipart.FileMetadata{Size: 60})
	require.NoError(t, err)

	err = transfer.UploadAll(context.Background(), session, multipart.NewByteSource(testData(60)), nil)
	require.Error(t, err)

	var finalizeErr *multipart.SessionFinalizeError
	require.True(t, errors.As(err, &finalizeErr))
	assert.Equal(t, "upload-1", finalizeErr.UploadID)
	assert.True(t, errors.Is(err, completeErr))
	store.AssertNumberOfCalls(t, "AbortSession", 1)
}

func TestTransfer_UploadAll_TerminalSession(t *testing.T) {
	server := newPartServer(t, nil)

	store := newMultipartStore(server)
	store.On("CompleteSession", mock.Anything, testSession, mock.Anything).Return(nil)

	transfer := multipart.NewTransfer(testConfig(2), store, log.NewLogger())
	session, err := transfer.Initiate(context.Background(), multipart.FileMetadata{Size: 30})
	require.NoError(t, err)
	require.NoError(t, transfer.UploadAll(context.Background(), session, multipart.NewByteSource(testData(30)), nil))
	assert.Equal(t, multipart.StateCompleted, session.State())

	err = transfer.UploadAll(context.Background(), session, multipart.NewByteSource(testData(30)), nil)
	assert.True(t, errors.Is(err, multipart.ErrSessionTerminal))
	store.AssertNotCalled(t, "AbortSession", mock.Anything, mock.Anything)
}

func TestTransfer_UploadAll_SizeMismatch(t *testing.T) {
	server := newPartServer(t, nil)

	store := newMultipartStore(server)
	store.On("AbortSession", mock.Anything, testSession).Return(nil)

	transfer := multipart.NewTransfer(testConfig(2), store, log.NewLogger())
	session, err := transfer.Initiate(context.Background(), multipart.FileMetadata{Size: 30})
	require.NoError(t, err)

	err = transfer.UploadAll(context.Background(), session, multipart.NewByteSource(testData(20)), nil)
	require.Error(t, err)
	store.AssertNumberOfCalls(t, "AbortSession", 1)
	store.AssertNotCalled(t, "AuthorizePart", mock.Anything, mock.Anything, mock.Anything)
}

func TestTransfer_Upload_SinglePut(t *testing.T) {
	var received []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))
		received, _ = io.ReadAll(r.Body)
		w.Header().Set("ETag", `"single"`)
	}))
	defer server.Close()

	meta := multipart.FileMetadata{Filename: "notes.txt", ContentType: "text/plain", Size: 11}
	store := &mocks.Store{}
	store.On("CreateSingleUpload", mock.Anything, meta).Return(multipart.SingleUpload{
		FileID: "file-2",
		Key:    "uploads/file-2/notes.txt",
		URL: multipart.PartURL{
			Method:  http.MethodPut,
			URL:     server.URL,
			Headers: map[string]string{"Content-Type": "text/plain"},
		},
	}, nil)

	var progress []float64
	transfer := multipart.NewTransfer(testConfig(2), store, log.NewLogger())
	receipt, err := transfer.Upload(context.Background(), meta, multipart.NewByteSource([]byte("hello world")), func(f float64) {
		progress = append(progress, f)
	})
	require.NoError(t, err)

	assert.Equal(t, multipart.Receipt{FileID: "file-2", Key: "uploads/file-2/notes.txt", Parts: 1}, receipt)
	assert.Equal(t, "hello world", string(received))
	assert.Equal(t, []float64{1}, progress)
	store.AssertNotCalled(t, "CreateSession", mock.Anything, mock.Anything)
}

func TestTransfer_Upload_SinglePutExpiredURL(t *testing.T) {
	var requestCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("<Error><Code>AccessDenied</Code><Message>Request has expired</Message></Error>"))
	}))
	defer server.Close()

	meta := multipart.FileMetadata{Filename: "notes.txt", Size: 5}
	store := &mocks.Store{}
	store.On("CreateSingleUpload", mock.Anything, meta).Return(multipart.SingleUpload{
		FileID: "file-3",
		Key:    "uploads/file-3/notes.txt",
		URL:    multipart.PartURL{Method: http.MethodPut, URL: server.URL},
	}, nil).Once()

	transfer := multipart.NewTransfer(testConfig(1), store, log.NewLogger())
	_, err := transfer.Upload(context.Background(), meta, multipart.NewByteSource([]byte("hello")), nil)

	var statusErr *multipart.HTTPStatusError
	require.True(t, errors.As(err, &statusErr), "unexpected error: %v", err)
	assert.True(t, statusErr.Expired())
	assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))
	store.AssertNumberOfCalls(t, "CreateSingleUpload", 1)
}

func TestTransfer_NeedsMultipart(t *testing.T) {
	transfer := multipart.NewTransfer(multipart.Config{}, &mocks.Store{}, log.NewLogger())

	assert.False(t, transfer.NeedsMultipart(0))
	assert.False(t, transfer.NeedsMultipart(multipart.DefaultMultipartThreshold-1))
	assert.True(t, transfer.NeedsMultipart(multipart.DefaultMultipartThreshold))
}

func TestFinalizer_Complete_RejectsGaps(t *testing.T) {
	store := &mocks.Store{}
	finalizer := multipart.NewFinalizer(store, log.NewLogger())

	tests := []struct {
		name    string
		results []multipart.PartResult
	}{
		{name: "empty", results: nil},
		{name: "gap", results: []multipart.PartResult{{Number: 1, ETag: "a"}, {Number: 3, ETag: "c"}}},
		{name: "not starting at one", results: []multipart.PartResult{{Number: 2, ETag: "b"}}},
		{name: "unsorted", results: []multipart.PartResult{{Number: 2, ETag: "b"}, {Number: 1, ETag: "a"}}},
		{name: "missing ETag", results: []multipart.PartResult{{Number: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := multipart.NewSession(testSession, multipart.FileMetadata{})
			err := finalizer.Complete(context.Background(), session, tt.results)
			assert.True(t, errors.Is(err, multipart.ErrInvalidPartSet), "unexpected error: %v", err)
			assert.Equal(t, multipart.StateInitiated, session.State())
		})
	}
	store.AssertNotCalled(t, "CompleteSession", mock.Anything, mock.Anything, mock.Anything)
}

func TestFinalizer_Abort_IgnoresCancelledContext(t *testing.T) {
	store := &mocks.Store{}
	store.On("AbortSession", mock.Anything, testSession).
		Run(func(args mock.Arguments) {
			assert.NoError(t, args.Get(0).(context.Context).Err())
		}).
		Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session := multipart.NewSession(testSession, multipart.FileMetadata{})
	finalizer := multipart.NewFinalizer(store, log.NewLogger())
	finalizer.Abort(ctx, session)
	finalizer.Abort(ctx, session)

	assert.Equal(t, multipart.StateAborted, session.State())
	store.AssertNumberOfCalls(t, "AbortSession", 1)
}

func TestOrchestrator_Run_BoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	var inFlight, maxInFlight int
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		<-release

		mu.Lock()
		inFlight--
		mu.Unlock()
		w.Header().Set("ETag", "etag-"+r.URL.Query().Get("partNumber"))
	}))
	defer server.Close()
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()

	store := &mocks.Store{}
	store.On("AuthorizePart", mock.Anything, testSession, mock.Anything).Return(
		func(_ context.Context, _ multipart.SessionInfo, n int) multipart.PartURL {
			return multipart.PartURL{URL: fmt.Sprintf("%s?partNumber=%d", server.URL, n)}
		}, nil)

	config := testConfig(3)
	uploader := multipart.NewPartUploader(config, log.NewLogger())
	orchestrator := multipart.NewOrchestrator(store, uploader, config.Concurrency, log.NewLogger())

	tasks, err := multipart.PlanParts(80, 10)
	require.NoError(t, err)

	session := multipart.NewSession(testSession, multipart.FileMetadata{Size: 80})
	results, err := orchestrator.Run(context.Background(), session, tasks, multipart.NewByteSource(testData(80)), nil)
	require.NoError(t, err)
	require.Len(t, results, 8)
	for i, r := range results {
		assert.Equal(t, i+1, r.Number)
		assert.Equal(t, fmt.Sprintf("etag-%d", i+1), r.ETag)
	}
	assert.LessOrEqual(t, maxInFlight, 3)
	store.AssertNumberOfCalls(t, "AuthorizePart", 8)
}
