package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"

	"judgedispatch/internal/dispatcher/model"
	appErr "judgedispatch/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

type syncFixture struct {
	syncer   *DataSyncer
	storage  *memoryStorage
	uploader *recordingUploader
	status   *memorySyncStatus
	problems *fakeProblems
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	rc, _ := newMiniCache(t)
	f := &syncFixture{
		storage:  &memoryStorage{objects: map[string][]byte{}},
		uploader: &recordingUploader{},
		status:   &memorySyncStatus{},
		problems: newFakeProblems(),
	}
	f.problems.programs["chk-1"] = &model.SpecialProgram{Fingerprint: "chk-1", Language: "cpp", Code: "checker"}
	syncer, err := NewDataSyncer(DataSyncerDeps{
		SyncStatus: f.status,
		Nodes:      newFakeNodes(),
		Problems:   f.problems,
		Storage:    f.storage,
		Lock:       rc,
		Uploader:   f.uploader,
	}, SyncConfig{Bucket: "testdata", Prefix: "packages/", VerifyChecksum: true})
	if err != nil {
		t.Fatalf("new data syncer: %v", err)
	}
	f.syncer = syncer
	return f
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestEnsureSyncedTransfersOnce(t *testing.T) {
	f := newSyncFixture(t)
	data := []byte("zip-bytes")
	f.storage.objects["testdata/packages/7.zip"] = data
	problem := &model.Problem{ID: 7, Checker: "chk-1", TestDataHash: hashOf(data)}
	node := &model.Node{ID: 1}
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.syncer.EnsureSynced(ctx, node, problem)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ensure synced: %v", err)
		}
	}
	if f.status.upserts != 1 {
		t.Fatalf("expected one transfer, got %d", f.status.upserts)
	}
	if !bytes.Equal(f.uploader.packages[7], data) {
		t.Fatalf("unexpected uploaded package %q", f.uploader.packages[7])
	}
	if len(f.uploader.programs) != 1 || f.uploader.programs[0].Kind != model.ProgramChecker {
		t.Fatalf("checker not uploaded: %+v", f.uploader.programs)
	}

	problem.TestDataHash = hashOf([]byte("v2"))
	f.storage.objects["testdata/packages/7.zip"] = []byte("v2")
	if err := f.syncer.EnsureSynced(ctx, node, problem); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if f.status.upserts != 2 {
		t.Fatalf("a new revision should transfer again")
	}
}

func TestEnsureSyncedReadsCompressedPackage(t *testing.T) {
	f := newSyncFixture(t)
	data := []byte("zip-bytes-compressed")
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	_, _ = enc.Write(data)
	_ = enc.Close()
	f.storage.objects["testdata/packages/8.zip.zst"] = buf.Bytes()

	problem := &model.Problem{ID: 8, TestDataHash: hashOf(data)}
	if err := f.syncer.EnsureSynced(context.Background(), &model.Node{ID: 1}, problem); err != nil {
		t.Fatalf("ensure synced: %v", err)
	}
	if !bytes.Equal(f.uploader.packages[8], data) {
		t.Fatalf("expected decompressed package, got %q", f.uploader.packages[8])
	}
}

func TestEnsureSyncedErrors(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	node := &model.Node{ID: 1}

	err := f.syncer.EnsureSynced(ctx, node, &model.Problem{ID: 9, TestDataHash: "x"})
	if !appErr.Is(err, appErr.TestDataMissing) {
		t.Fatalf("expected test data missing, got %v", err)
	}

	f.storage.objects["testdata/packages/10.zip"] = []byte("tampered")
	err = f.syncer.EnsureSynced(ctx, node, &model.Problem{ID: 10, TestDataHash: hashOf([]byte("original"))})
	if !appErr.Is(err, appErr.TestDataCorrupted) {
		t.Fatalf("expected test data corrupted, got %v", err)
	}

	f.storage.objects["testdata/packages/11.zip"] = []byte("ok")
	f.uploader.err = appErr.New(appErr.SyncFailure)
	err = f.syncer.EnsureSynced(ctx, node, &model.Problem{ID: 11, TestDataHash: hashOf([]byte("ok"))})
	if !appErr.Is(err, appErr.SyncFailure) {
		t.Fatalf("expected sync failure, got %v", err)
	}
	if f.status.upserts != 0 {
		t.Fatalf("failed syncs must not be recorded")
	}
}

func TestEnsureSyncedRejectsShortDownload(t *testing.T) {
	f := newSyncFixture(t)
	data := []byte("partial")
	f.storage.objects["testdata/packages/12.zip"] = data
	f.storage.sizes = map[string]int64{"testdata/packages/12.zip": 4096}

	err := f.syncer.EnsureSynced(context.Background(), &model.Node{ID: 1}, &model.Problem{ID: 12, TestDataHash: hashOf(data)})
	if !appErr.Is(err, appErr.SyncFailure) {
		t.Fatalf("expected sync failure for a short read, got %v", err)
	}
	if len(f.uploader.packages) != 0 || f.status.upserts != 0 {
		t.Fatalf("a short package must not be uploaded")
	}
	if f.storage.gets != 1 {
		t.Fatalf("expected a single download, got %d", f.storage.gets)
	}
}
