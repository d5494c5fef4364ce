// Package train implements the fine-tuning control loop: per-epoch learning
// rate decay over a group of optimizers, training and evaluation passes,
// error-history logging and best-model checkpointing.
//
// The session is single-threaded and synchronous. Any failure aborts the run
// and propagates to the caller; runs are expected to be supervised externally
// and restarted from the last checkpoint.
package train

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"imagetune/internal/ai"
	"imagetune/internal/meters"
)

// Session owns the state of one fine-tuning run: the model, the optimizer
// group, the two data sources, the best accuracy seen so far and the error
// history. Create it with NewSession and drive it with Run.
type Session struct {
	config     Config
	model      ai.Classifier
	optimizers *OptimizerGroup

	trainData, evalData ai.Dataset

	// bestAccuracy is the maximum top-1 accuracy observed so far, in [0, 100].
	bestAccuracy float64

	// history holds one error record per completed epoch, each an ordered
	// sequence of per-k error percentages.
	history [][]float64
}

// NewSession assembles a session. The model, optimizer group and datasets are
// owned by the caller; the session only sequences them.
func NewSession(config Config, model ai.Classifier, optimizers *OptimizerGroup,
	trainData, evalData ai.Dataset) *Session {
	return &Session{
		config:     config,
		model:      model,
		optimizers: optimizers,
		trainData:  trainData,
		evalData:   evalData,
	}
}

// BestAccuracy returns the maximum top-1 accuracy observed so far.
func (s *Session) BestAccuracy() float64 {
	return s.bestAccuracy
}

// History returns the per-epoch error records accumulated so far.
// Its length always equals the number of completed epochs.
func (s *Session) History() [][]float64 {
	return s.history
}

// Resume restores a session from a previously saved checkpoint: model
// parameters, best accuracy and error history. The checkpoint's recorded
// Config is not applied: the resumed run keeps the configuration it was
// constructed with, since the model and datasets were already built from it.
func (s *Session) Resume(ckpt *Checkpoint) error {
	if err := s.model.LoadState(ckpt.State); err != nil {
		return errors.WithMessagef(err, "failed to restore model state from checkpoint (epoch %d)", ckpt.Epoch)
	}
	s.bestAccuracy = ckpt.Accuracy
	s.history = append([][]float64(nil), ckpt.History...)
	klog.Infof("Resumed from checkpoint: epoch %d, accuracy %.2f%%", ckpt.Epoch, ckpt.Accuracy)
	return nil
}

// Run performs the whole training: for each epoch it refreshes the learning
// rates, runs one pass over the training data, evaluates, persists the error
// history, and checkpoints the model whenever the top-1 accuracy improves on
// the best observed so far.
func (s *Session) Run() error {
	if s.config.Epochs <= 0 {
		return errors.Errorf("invalid number of epochs %d", s.config.Epochs)
	}
	if s.config.SavePrefix == "" {
		return errors.New("no save prefix configured for run artifacts")
	}

	for epoch := 1; epoch <= s.config.Epochs; epoch++ {
		klog.Infof("Epoch %d of %d", epoch, s.config.Epochs)
		s.optimizers.UpdateLR(epoch)

		s.model.SetMode(ai.ModeTrain)
		if err := s.runEpoch(epoch); err != nil {
			return errors.WithMessagef(err, "training epoch %d", epoch)
		}

		epochErrors, err := s.Evaluate()
		if err != nil {
			return errors.WithMessagef(err, "evaluation after epoch %d", epoch)
		}
		accuracy := 100 - epochErrors[0] // Top-1 accuracy.
		s.history = append(s.history, epochErrors)

		if err := s.writeHistory(); err != nil {
			return errors.WithMessagef(err, "persisting history after epoch %d", epoch)
		}

		// Checkpoint only on strict improvement of the top-1 accuracy.
		if accuracy > s.bestAccuracy {
			klog.Infof("Best model so far, accuracy: %.2f%% -> %.2f%%", s.bestAccuracy, accuracy)
			s.bestAccuracy = accuracy
			if err := s.saveCheckpoint(epoch, epochErrors); err != nil {
				return errors.WithMessagef(err, "checkpointing after epoch %d", epoch)
			}
		}
	}

	klog.Infof("Finished fine-tuning: best error/accuracy: %.2f%%, %.2f%%",
		100-s.bestAccuracy, s.bestAccuracy)
	return nil
}

// runEpoch iterates the training data once: per batch it clears pending
// gradients, runs forward/backward, and has every optimizer update its
// parameters.
func (s *Session) runEpoch(epoch int) error {
	if err := s.trainData.Reset(); err != nil {
		return errors.WithMessagef(err, "failed to reset training data %s", s.trainData)
	}
	bar := s.newProgressBar(fmt.Sprintf("Epoch %d", epoch))
	var lastLoss float32
	var numBatches int
	for {
		batch, err := s.trainData.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "training data %s failed", s.trainData)
		}
		s.model.ZeroGrad()
		lastLoss, err = s.model.Backward(batch)
		if err != nil {
			return errors.WithMessagef(err, "forward/backward failed on batch %d", numBatches)
		}
		if err = s.optimizers.Step(); err != nil {
			return err
		}
		numBatches++
		barAdd(bar, 1)
	}
	barFinish(bar)
	klog.V(1).Infof("Epoch %d: %d batches, last loss %g", epoch, numBatches, lastLoss)
	return nil
}

// Evaluate consumes the evaluation data once and returns the aggregate top-k
// error percentages: always top-1, plus top-5 when the model scores more than
// 5 classes.
//
// The k set is fixed from the first batch's score width; the meter rejects
// later batches with a different class count. The model is switched to
// evaluation mode for the pass and restored to training mode on every exit
// path, including failures.
func (s *Session) Evaluate() ([]float64, error) {
	s.model.SetMode(ai.ModeEval)
	defer s.model.SetMode(ai.ModeTrain)

	if err := s.evalData.Reset(); err != nil {
		return nil, errors.WithMessagef(err, "failed to reset evaluation data %s", s.evalData)
	}

	klog.V(1).Info("Performing eval...")
	bar := s.newProgressBar("Eval")
	var meter *meters.ClassError
	for {
		batch, err := s.evalData.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluation data %s failed", s.evalData)
		}
		scores, err := s.model.Forward(batch)
		if err != nil {
			return nil, errors.WithMessagef(err, "forward failed during evaluation")
		}
		if meter == nil {
			topK := []int{1}
			if len(scores[0]) > 5 {
				topK = append(topK, 5)
			}
			meter = meters.NewClassError(topK...)
		}
		if err = meter.Add(scores, batch.Labels); err != nil {
			return nil, err
		}
		barAdd(bar, 1)
	}
	barFinish(bar)
	if meter == nil {
		return nil, errors.Errorf("evaluation data %s yielded no batches", s.evalData)
	}
	values, err := meter.Value()
	if err != nil {
		return nil, err
	}
	for ii, k := range meter.TopK() {
		klog.Infof("@%d=%.2f", k, values[ii])
	}
	return values, nil
}

// runLog is the on-disk JSON shape of "<prefix>.json".
type runLog struct {
	ErrorHistory [][]float64 `json:"error_history"`
	Config       Config      `json:"config"`
}

// writeHistory rewrites the run log with the full error history and the run
// configuration. The file is overwritten in full every epoch, with no atomic
// rename: a crash mid-write can lose the on-disk record of earlier epochs
// (recoverable from the last checkpoint).
func (s *Session) writeHistory() error {
	encoded, err := json.Marshal(runLog{
		ErrorHistory: s.history,
		Config:       s.config,
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode run history")
	}
	path := s.config.SavePrefix + ".json"
	if err = os.WriteFile(path, encoded, 0644); err != nil {
		return errors.Wrapf(err, "failed to write run history to %s", path)
	}
	return nil
}

// newProgressBar returns nil when progress display is disabled.
func (s *Session) newProgressBar(description string) *progressbar.ProgressBar {
	if !s.config.Progress {
		return nil
	}
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
	)
}

func barAdd(bar *progressbar.ProgressBar, n int) {
	if bar != nil {
		_ = bar.Add(n)
	}
}

func barFinish(bar *progressbar.ProgressBar) {
	if bar != nil {
		_ = bar.Finish()
	}
}
