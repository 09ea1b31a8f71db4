package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"judgedispatch/internal/common/cache"
	"judgedispatch/internal/common/storage"
	"judgedispatch/internal/dispatcher/metrics"
	"judgedispatch/internal/dispatcher/model"
	"judgedispatch/internal/dispatcher/repository"
	appErr "judgedispatch/pkg/errors"
	"judgedispatch/pkg/utils/logger"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const syncLockKeyPrefix = "judge:sync:lock:"

// Uploader transfers test data and special programs to a node.
type Uploader interface {
	Upload(ctx context.Context, node *model.Node, problemID int64, data []byte) error
	UploadSpecialProgram(ctx context.Context, node *model.Node, program *model.SpecialProgram) error
}

// SyncConfig controls where packages are read from and how concurrent syncs coordinate.
type SyncConfig struct {
	Bucket         string        `yaml:"bucket"`
	Prefix         string        `yaml:"prefix"`
	LockTTL        time.Duration `yaml:"lockTTL"`
	LockWait       time.Duration `yaml:"lockWait"`
	VerifyChecksum bool          `yaml:"verifyChecksum"`
}

// DataSyncer makes sure a node holds the current test data of a problem before judging.
type DataSyncer struct {
	syncStatus repository.SyncStatusRepository
	nodes      repository.NodeRepository
	problems   repository.ProblemRepository
	storage    storage.ObjectStorage
	lock       cache.LockOps
	uploader   Uploader
	cfg        SyncConfig
	metrics    *metrics.Collector
	now        func() time.Time
}

// DataSyncerDeps holds DataSyncer collaborators.
type DataSyncerDeps struct {
	SyncStatus repository.SyncStatusRepository
	Nodes      repository.NodeRepository
	Problems   repository.ProblemRepository
	Storage    storage.ObjectStorage
	Lock       cache.LockOps
	Uploader   Uploader
	Metrics    *metrics.Collector
}

// NewDataSyncer creates a data syncer.
func NewDataSyncer(deps DataSyncerDeps, cfg SyncConfig) (*DataSyncer, error) {
	if deps.SyncStatus == nil || deps.Nodes == nil || deps.Problems == nil {
		return nil, fmt.Errorf("sync repositories are required")
	}
	if deps.Storage == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if deps.Lock == nil {
		return nil, fmt.Errorf("lock client is required")
	}
	if deps.Uploader == nil {
		return nil, fmt.Errorf("uploader is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("testdata bucket is required")
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 2 * time.Minute
	}
	return &DataSyncer{
		syncStatus: deps.SyncStatus,
		nodes:      deps.Nodes,
		problems:   deps.Problems,
		storage:    deps.Storage,
		lock:       deps.Lock,
		uploader:   deps.Uploader,
		cfg:        cfg,
		metrics:    deps.Metrics,
		now:        time.Now,
	}, nil
}

// EnsureSynced uploads the problem's package and special programs unless node already holds
// the current revision. It is safe to call before every attempt; concurrent callers for the
// same node and problem wait for the one holding the sync lock.
func (s *DataSyncer) EnsureSynced(ctx context.Context, node *model.Node, problem *model.Problem) error {
	lockKey := fmt.Sprintf("%s%d:%d", syncLockKeyPrefix, node.ID, problem.ID)
	deadline := s.now().Add(s.cfg.LockWait)
	for {
		synced, err := s.upToDate(ctx, node.ID, problem)
		if err != nil || synced {
			return err
		}
		locked, err := s.lock.TryLock(ctx, lockKey, s.cfg.LockTTL)
		if err != nil {
			return appErr.Wrapf(err, appErr.SyncFailure, "acquire sync lock failed")
		}
		if locked {
			return s.syncLocked(ctx, lockKey, node, problem)
		}
		if s.now().After(deadline) {
			return appErr.Newf(appErr.SyncFailure, "wait for sync of problem %d on node %d timed out", problem.ID, node.ID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (s *DataSyncer) syncLocked(ctx context.Context, lockKey string, node *model.Node, problem *model.Problem) error {
	defer func() {
		_ = s.lock.Unlock(context.WithoutCancel(ctx), lockKey)
	}()
	if synced, err := s.upToDate(ctx, node.ID, problem); err != nil || synced {
		return err
	}
	return s.transfer(ctx, node, problem)
}

func (s *DataSyncer) upToDate(ctx context.Context, nodeID int64, problem *model.Problem) (bool, error) {
	status, err := s.syncStatus.Get(ctx, nodeID, problem.ID)
	if err != nil {
		return false, err
	}
	return status != nil && status.TestDataHash == problem.TestDataHash, nil
}

func (s *DataSyncer) transfer(ctx context.Context, node *model.Node, problem *model.Problem) error {
	data, err := s.loadPackage(ctx, problem)
	if err != nil {
		return err
	}
	if err := s.uploader.Upload(ctx, node, problem.ID, data); err != nil {
		return err
	}
	s.metrics.IncSyncTransfers()

	for kind, fingerprint := range problem.Programs() {
		program, err := s.problems.GetSpecialProgram(ctx, fingerprint)
		if err != nil {
			return err
		}
		upload := *program
		upload.Kind = kind
		if err := s.uploader.UploadSpecialProgram(ctx, node, &upload); err != nil {
			return err
		}
	}

	now := s.now()
	if err := s.syncStatus.Upsert(ctx, &model.SyncStatus{
		NodeID:       node.ID,
		ProblemID:    problem.ID,
		TestDataHash: problem.TestDataHash,
		SyncedAt:     now,
	}); err != nil {
		return err
	}
	if err := s.nodes.TouchSynced(ctx, node.ID, now); err != nil {
		logger.Warn(ctx, "touch node sync time failed", zap.Int64("node_id", node.ID), zap.Error(err))
	}
	logger.Info(ctx, "test data synchronized",
		zap.Int64("node_id", node.ID),
		zap.Int64("problem_id", problem.ID),
		zap.Int("bytes", len(data)),
	)
	return nil
}

func (s *DataSyncer) packageKey(problemID int64) string {
	key := fmt.Sprintf("%d.zip", problemID)
	if prefix := strings.Trim(s.cfg.Prefix, "/"); prefix != "" {
		key = prefix + "/" + key
	}
	return key
}

// loadPackage reads {prefix}/{id}.zip, or the zstd-compressed {prefix}/{id}.zip.zst.
func (s *DataSyncer) loadPackage(ctx context.Context, problem *model.Problem) ([]byte, error) {
	key, stat, compressed, err := s.locatePackage(ctx, problem.ID)
	if err != nil {
		return nil, err
	}
	data, err := s.readObject(ctx, key, compressed)
	if err != nil {
		return nil, err
	}
	if !compressed && stat.SizeBytes > 0 && int64(len(data)) != stat.SizeBytes {
		return nil, appErr.Newf(appErr.SyncFailure, "read %d of %d bytes of %s", len(data), stat.SizeBytes, key)
	}
	if s.cfg.VerifyChecksum && problem.TestDataHash != "" {
		sum := sha256.Sum256(data)
		if !strings.EqualFold(hex.EncodeToString(sum[:]), problem.TestDataHash) {
			return nil, appErr.Newf(appErr.TestDataCorrupted, "test data of problem %d does not match its hash", problem.ID)
		}
	}
	return data, nil
}

// locatePackage stats the plain package first, then the compressed one.
func (s *DataSyncer) locatePackage(ctx context.Context, problemID int64) (string, storage.ObjectStat, bool, error) {
	base := s.packageKey(problemID)
	for _, compressed := range []bool{false, true} {
		key := base
		if compressed {
			key += ".zst"
		}
		stat, err := s.storage.StatObject(ctx, s.cfg.Bucket, key)
		if err == nil {
			return key, stat, compressed, nil
		}
		if !errors.Is(err, storage.ErrObjectNotFound) {
			return "", storage.ObjectStat{}, false, appErr.Wrapf(err, appErr.SyncFailure, "stat %s failed", key)
		}
	}
	return "", storage.ObjectStat{}, false, appErr.Newf(appErr.TestDataMissing, "test data of problem %d not found", problemID)
}

func (s *DataSyncer) readObject(ctx context.Context, key string, compressed bool) ([]byte, error) {
	reader, err := s.storage.GetObject(ctx, s.cfg.Bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, appErr.Wrapf(err, appErr.SyncFailure, "%s vanished during sync", key)
		}
		return nil, appErr.Wrapf(err, appErr.SyncFailure, "download %s failed", key)
	}
	defer reader.Close()

	var src io.Reader = reader
	if compressed {
		decoder, err := zstd.NewReader(reader)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.TestDataCorrupted, "create zstd reader failed")
		}
		defer decoder.Close()
		src = decoder
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, src); err != nil {
		if compressed && !interrupted(err) {
			return nil, appErr.Wrapf(err, appErr.TestDataCorrupted, "decompress %s failed", key)
		}
		return nil, appErr.Wrapf(err, appErr.SyncFailure, "read %s failed", key)
	}
	return buf.Bytes(), nil
}

func interrupted(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, io.ErrUnexpectedEOF)
}
