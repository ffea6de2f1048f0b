package resources

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/failure"
	"github.com/example/face-pipeline/internal/ids"
	"github.com/example/face-pipeline/internal/logging"
)

const (
	// InputName is the file name of the input image inside a job directory.
	InputName = "input.img"

	tempPrefix = ".tmp-"
	dirMode    = 0o755
)

// FSStore lays jobs out as <root>/<request_id>/<login>/{input.img,<type>.json}.
type FSStore struct {
	root   string
	logger *zap.Logger
	newID  func() string
	now    func() time.Time
}

// NewFSStore creates root if needed.
func NewFSStore(root string, logger *zap.Logger) (*FSStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("persistence root is required")
	}
	if err := os.MkdirAll(root, dirMode); err != nil {
		return nil, err
	}
	return &FSStore{
		root:   root,
		logger: logger.Named("fs_store"),
		newID:  ids.New,
		now:    time.Now,
	}, nil
}

func (s *FSStore) jobDir(key JobKey) string {
	return filepath.Join(s.root, key.RequestID, key.Login)
}

func (s *FSStore) exists(key JobKey) bool {
	info, err := os.Stat(s.jobDir(key))
	return err == nil && info.IsDir()
}

// RegisterInput allocates a new request id and stores image under it.
func (s *FSStore) RegisterInput(ctx context.Context, login string, image []byte) (JobKey, error) {
	key := JobKey{Login: login, RequestID: s.newID()}
	if err := key.Validate(); err != nil {
		return JobKey{}, err
	}
	if len(image) == 0 {
		return JobKey{}, failure.Invalid("Field called \"image\" must be specified")
	}
	if err := ctx.Err(); err != nil {
		return JobKey{}, err
	}

	dir := s.jobDir(key)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return JobKey{}, logging.NewOperationError("resources.register_input", key.RequestID, err)
	}
	if err := writeAtomic(dir, InputName, image); err != nil {
		return JobKey{}, logging.NewOperationError("resources.register_input", key.RequestID, err)
	}
	logging.WithOperation(s.logger, "resources.register_input", key.RequestID).
		Info("input registered", zap.String("login", login), zap.Int("bytes", len(image)))
	return key, nil
}

// RegisterResult writes or overwrites <type>.json of an existing job.
func (s *FSStore) RegisterResult(ctx context.Context, key JobKey, resultType ResultType, content []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if _, err := ParseResultType(string(resultType)); err != nil {
		return err
	}
	if !json.Valid(content) {
		return failure.Invalid("Field called \"result_content\" must hold a JSON document")
	}
	if !s.exists(key) {
		return failure.NotFound("Wrong resource identifier or requester login")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := writeAtomic(s.jobDir(key), resultFile(resultType), content); err != nil {
		return logging.NewOperationError("resources.register_result", key.RequestID, err)
	}
	logging.WithOperation(s.logger, "resources.register_result", key.RequestID).
		Info("result registered", zap.String("result_type", string(resultType)))
	return nil
}

// FetchResults reads the requested documents. Missing or malformed documents
// come back as nil.
func (s *FSStore) FetchResults(ctx context.Context, key JobKey, types []ResultType) (Results, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if !s.exists(key) {
		return nil, failure.NotFound("Incorrect resource identifiers.")
	}
	results := make(Results, len(types))
	for _, resultType := range types {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := ParseResultType(string(resultType)); err != nil {
			return nil, err
		}
		results[resultType] = s.readDocument(key, resultType)
	}
	return results, nil
}

func (s *FSStore) readDocument(key JobKey, resultType ResultType) json.RawMessage {
	raw, err := os.ReadFile(filepath.Join(s.jobDir(key), resultFile(resultType)))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logging.WithOperation(s.logger, "resources.fetch_results", key.RequestID).
				Warn("failed to read result document", zap.String("result_type", string(resultType)), zap.Error(err))
		}
		return nil
	}
	if !json.Valid(raw) {
		return nil
	}
	return json.RawMessage(raw)
}

// FetchInput returns the stored input image.
func (s *FSStore) FetchInput(ctx context.Context, key JobKey) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(s.jobDir(key), InputName))
	if err != nil {
		return nil, failure.Wrap(failure.KindProcessing, "There is no input file detected.", err)
	}
	return raw, nil
}

// FetchBatch lists jobs created in the open interval (start, end). A zero end
// means now. Creation time is the timestamp embedded in the request id;
// directories whose name is not a ULID fall back to their modification time.
// Concurrent writes may yield an inconsistent snapshot.
func (s *FSStore) FetchBatch(ctx context.Context, start, end time.Time) ([]JobSummary, error) {
	if end.IsZero() {
		end = s.now()
	}
	if !end.After(start) {
		return nil, failure.Invalid("Field \"range_end\" must be later than \"range_start\".")
	}

	requestDirs, err := os.ReadDir(s.root)
	if err != nil {
		return nil, logging.NewOperationError("resources.fetch_batch", "", err)
	}

	var summaries []JobSummary
	for _, requestDir := range requestDirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !requestDir.IsDir() || strings.HasPrefix(requestDir.Name(), ".") {
			continue
		}
		loginDirs, err := os.ReadDir(filepath.Join(s.root, requestDir.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable job directory", zap.String("request_id", requestDir.Name()), zap.Error(err))
			continue
		}
		for _, loginDir := range loginDirs {
			if !loginDir.IsDir() {
				continue
			}
			summary, ok := s.summarize(requestDir.Name(), loginDir)
			if !ok {
				continue
			}
			if summary.CreatedAt.After(start) && summary.CreatedAt.Before(end) {
				summaries = append(summaries, summary)
			}
		}
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].RequestID != summaries[j].RequestID {
			return summaries[i].RequestID < summaries[j].RequestID
		}
		return summaries[i].Login < summaries[j].Login
	})
	return summaries, nil
}

func (s *FSStore) summarize(requestID string, loginDir fs.DirEntry) (JobSummary, bool) {
	summary := JobSummary{Login: loginDir.Name(), RequestID: requestID, Resources: []string{}}
	if created, ok := ids.CreatedAt(requestID); ok {
		summary.CreatedAt = created
	} else {
		info, err := loginDir.Info()
		if err != nil {
			return JobSummary{}, false
		}
		summary.CreatedAt = info.ModTime()
	}

	entries, err := os.ReadDir(filepath.Join(s.root, requestID, loginDir.Name()))
	if err != nil {
		return JobSummary{}, false
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() && !strings.HasPrefix(entry.Name(), tempPrefix) {
			summary.Resources = append(summary.Resources, entry.Name())
		}
	}
	if len(summary.Resources) == 0 {
		return JobSummary{}, false
	}
	return summary, true
}

func resultFile(resultType ResultType) string {
	return string(resultType) + ".json"
}

// writeAtomic replaces dir/name so readers never observe a partial file.
func writeAtomic(dir, name string, content []byte) error {
	tmp, err := os.CreateTemp(dir, tempPrefix+name+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, filepath.Join(dir, name))
}
