package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/execution/checkpoint"
)

const outputContentType = "application/json"

// OutputStore keeps step outputs as JSON objects under
// <prefix>/<executionID>/<stepID>.json.
type OutputStore struct {
	store  Store
	bucket string
	prefix string
}

var _ checkpoint.OutputStore = (*OutputStore)(nil)

func NewOutputStore(store Store, bucket, prefix string) (*OutputStore, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	return &OutputStore{store: store, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *OutputStore) key(executionID, stepID string) string {
	return path.Join(s.prefix, executionID, stepID+".json")
}

func (s *OutputStore) PutOutput(ctx context.Context, executionID, stepID string, out domain.StepOutput) error {
	blob, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode output %s: %w", stepID, err)
	}
	key := s.key(executionID, stepID)
	if err := s.store.Put(ctx, s.bucket, key, bytes.NewReader(blob), int64(len(blob)), outputContentType); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *OutputStore) GetOutput(ctx context.Context, executionID, stepID string) (domain.StepOutput, bool, error) {
	key := s.key(executionID, stepID)
	body, _, err := s.store.Get(ctx, s.bucket, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return domain.StepOutput{}, false, nil
		}
		return domain.StepOutput{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	defer body.Close()

	var out domain.StepOutput
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return domain.StepOutput{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, true, nil
}
