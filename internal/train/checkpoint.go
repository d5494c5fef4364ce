package train

import (
	"encoding/gob"
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"imagetune/internal/ai"
)

// Checkpoint is the serialized snapshot of the best model seen in a run,
// written as a single gob blob to "<prefix>.ckpt". At most one is kept per
// run: each new best overwrites the previous file.
type Checkpoint struct {
	// Config that produced this model.
	Config Config

	// Epoch (1-based) after which the checkpoint was taken.
	Epoch int

	// Accuracy is the best top-1 accuracy observed up to Epoch.
	Accuracy float64

	// Errors are the per-k error percentages of Epoch's evaluation, and
	// History the full per-epoch record up to and including it.
	Errors  []float64
	History [][]float64

	// State is the host snapshot of all model parameters.
	State ai.ParamState
}

// saveCheckpoint snapshots the model and writes the checkpoint blob.
//
// The model parameters are moved to host memory for serialization and the
// prior device is restored before returning, on success and failure alike.
// A failure to restore the device is logged, not returned, so it never masks
// a save error.
func (s *Session) saveCheckpoint(epoch int, epochErrors []float64) error {
	device := s.model.Device()
	if err := s.model.To(ai.Host); err != nil {
		return errors.WithMessagef(err, "failed to move model to host memory")
	}
	defer func() {
		if err := s.model.To(device); err != nil {
			klog.Errorf("Failed to restore model to %s after checkpointing: %+v", device, err)
		}
	}()

	state, err := s.model.State()
	if err != nil {
		return errors.WithMessagef(err, "failed to snapshot model state")
	}
	ckpt := &Checkpoint{
		Config:   s.config,
		Epoch:    epoch,
		Accuracy: s.bestAccuracy,
		Errors:   epochErrors,
		History:  s.history,
		State:    state,
	}
	return WriteCheckpoint(ckpt, s.config.SavePrefix+".ckpt")
}

// WriteCheckpoint serializes the checkpoint to path, replacing any previous
// content.
func WriteCheckpoint(ckpt *Checkpoint, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint file %s", path)
	}
	if err = gob.NewEncoder(f).Encode(ckpt); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode checkpoint to %s", path)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close checkpoint file %s", path)
	}
	klog.V(1).Infof("Saved checkpoint to %s", path)
	return nil
}

// LoadCheckpoint reads a checkpoint blob previously written by WriteCheckpoint.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint file %s", path)
	}
	defer func() { _ = f.Close() }()
	ckpt := &Checkpoint{}
	if err = gob.NewDecoder(f).Decode(ckpt); err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint from %s", path)
	}
	return ckpt, nil
}
