// Package training fits session-scoped classifiers in the background.
//
// The Orchestrator owns one status record per session id. Submit only
// enqueues work on a bounded worker pool; fitting never runs on the
// caller's goroutine. Status transitions are monotonic and are mirrored
// to the session ledger when one is configured.
package training

import (
	"context"
	"fmt"

	"github.com/g960059/neurolink/internal/artifact"
	"github.com/g960059/neurolink/internal/classify"
	"github.com/g960059/neurolink/internal/model"
)

// Dataset is a labeled epoch collection. The reference ("source domain")
// dataset is stored in this shape under the configured reference key.
type Dataset struct {
	Name          string        `cbor:"name"`
	ChannelLabels []string      `cbor:"channel_labels"`
	SamplingRate  float64       `cbor:"sampling_rate"`
	Epochs        []model.Epoch `cbor:"epochs"`
}

// Model is a trained classifier that can be persisted and reloaded.
type Model interface {
	classify.Model
	Meta() model.ModelMeta
	MarshalBinary() ([]byte, error)
}

// Fitter is the replaceable model-fitting capability.
type Fitter interface {
	Algorithm() string
	Fit(ctx context.Context, reference Dataset, calibration []model.Epoch, meta model.ModelMeta) (Model, error)
	Load(data []byte) (Model, error)
}

type storedModel struct {
	Algorithm string          `cbor:"algorithm"`
	Meta      model.ModelMeta `cbor:"meta"`
	Weights   []byte          `cbor:"weights"`
}

// SaveModel persists m under key as an lz4-compressed blob.
func SaveModel(ctx context.Context, store artifact.Store, key string, m Model) error {
	weights, err := m.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}
	blob, err := artifact.EncodeBlob(artifact.KindModel, storedModel{
		Algorithm: m.Meta().Algorithm,
		Meta:      m.Meta(),
		Weights:   weights,
	}, artifact.CompressionLZ4)
	if err != nil {
		return err
	}
	if err := store.Save(ctx, key, blob); err != nil {
		return fmt.Errorf("save model %s: %w", key, err)
	}
	return nil
}

// LoadModel reads the model stored under key and rebuilds it with f.
func LoadModel(ctx context.Context, store artifact.Store, f Fitter, key string) (Model, error) {
	blob, err := store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", key, err)
	}
	var sm storedModel
	if err := artifact.DecodeBlob(blob, artifact.KindModel, &sm); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", key, err)
	}
	if sm.Algorithm != f.Algorithm() {
		return nil, fmt.Errorf("model %s was trained with %q, loader is %q", key, sm.Algorithm, f.Algorithm())
	}
	m, err := f.Load(sm.Weights)
	if err != nil {
		return nil, fmt.Errorf("rebuild model %s: %w", key, err)
	}
	return m, nil
}

// SaveReference persists ds as the reference dataset under key.
func SaveReference(ctx context.Context, store artifact.Store, key string, ds Dataset) error {
	blob, err := artifact.EncodeBlob(artifact.KindReference, ds, artifact.CompressionZstd)
	if err != nil {
		return err
	}
	return store.Save(ctx, key, blob)
}

// LoadReference reads the reference dataset stored under key.
func LoadReference(ctx context.Context, store artifact.Store, key string) (Dataset, error) {
	blob, err := store.Load(ctx, key)
	if err != nil {
		return Dataset{}, fmt.Errorf("load reference dataset %s: %w", key, err)
	}
	var ds Dataset
	if err := artifact.DecodeBlob(blob, artifact.KindReference, &ds); err != nil {
		return Dataset{}, fmt.Errorf("decode reference dataset %s: %w", key, err)
	}
	return ds, nil
}
