// imagetune fine-tunes an image classifier on a directory of labeled images.
//
// Both --train_path and --eval_path must point to directories with one
// sub-directory per class. A run writes "<save>.json" with the per-epoch
// error history and "<save>.ckpt" with the best model seen so far.
package main

import (
	"flag"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"imagetune/internal/ai"
	"imagetune/internal/ai/gomlx"
	"imagetune/internal/data"
	"imagetune/internal/parameters"
	"imagetune/internal/train"
)

var (
	flagTrainPath = flag.String("train_path", "", "Directory with training images, one sub-directory per class.")
	flagEvalPath  = flag.String("eval_path", "", "Directory with held-out images, one sub-directory per class.")
	flagSave      = flag.String("save", "", "Prefix for run artifacts: \"<prefix>.json\" error history and \"<prefix>.ckpt\" best checkpoint.")
	flagResume    = flag.String("resume", "", "Checkpoint file to resume from. Restores the model parameters, the best accuracy and the error history.")

	flagEpochs    = flag.Int("epochs", 30, "Number of epochs to train.")
	flagBatchSize = flag.Int("batch_size", 32, "Mini-batch size for both training and evaluation.")
	flagImageSize = flag.Int("image_size", 28, "Side of the square grid images are subsampled to.")

	flagLearningRate = flag.Float64("lr", 0.01, "Learning rate for the readout head.")
	flagBackboneRate = flag.Float64("backbone_lr", 0, "Learning rate for the feature trunk. Defaults to a tenth of --lr.")
	flagMomentum     = flag.Float64("momentum", 0.9, "Momentum for both optimizers.")
	flagDecayEvery   = flag.Int("lr_decay_every", 10, "Decay the learning rates every this many epochs. <= 0 never decays.")
	flagDecayFactor  = flag.Float64("lr_decay_factor", 0.1, "Factor applied to the learning rates at each decay step.")

	flagModel    = flag.String("model", "", "Model hyperparameters as a \"key=value,key=value\" string, e.g. \"fnn_num_hidden_layers=3,dropout_rate=0.2\".")
	flagPrefetch = flag.Int("prefetch", 2, "Batches to prefetch in the background. 0 disables prefetching.")
	flagProgress = flag.Bool("progress", true, "Show a per-batch progress bar on stderr.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagTrainPath == "" || *flagEvalPath == "" {
		klog.Exitf("Both --train_path and --eval_path are required")
	}
	if *flagSave == "" {
		klog.Exitf("A --save prefix for the run artifacts is required")
	}
	if *flagBackboneRate == 0 {
		*flagBackboneRate = *flagLearningRate / 10
	}
	config := train.Config{
		TrainPath:     *flagTrainPath,
		EvalPath:      *flagEvalPath,
		Epochs:        *flagEpochs,
		BatchSize:     *flagBatchSize,
		ImageSize:     *flagImageSize,
		LearningRate:  *flagLearningRate,
		BackboneRate:  *flagBackboneRate,
		Momentum:      *flagMomentum,
		LRDecayEvery:  *flagDecayEvery,
		LRDecayFactor: *flagDecayFactor,
		Model:         *flagModel,
		SavePrefix:    *flagSave,
		Progress:      *flagProgress,
	}

	numClasses := must.M1(data.NumClasses(config.TrainPath))
	klog.V(1).Infof("Found %d classes under %s", numClasses, config.TrainPath)

	var trainData, evalData ai.Dataset
	trainData = must.M1(data.NewImageFolder(config.TrainPath, data.FolderOptions{
		Size:      config.ImageSize,
		BatchSize: config.BatchSize,
		Shuffle:   true,
		Seed:      uint64(42),
	}))
	evalData = must.M1(data.NewImageFolder(config.EvalPath, data.FolderOptions{
		Size:      config.ImageSize,
		BatchSize: config.BatchSize,
	}))
	if *flagPrefetch > 0 {
		trainData = data.NewPrefetch(trainData, *flagPrefetch)
		evalData = data.NewPrefetch(evalData, *flagPrefetch)
	}
	klog.Infof("Training on %s, evaluating on %s", trainData, evalData)

	model := must.M1(gomlx.NewClassifier(numClasses, config.ImageSize*config.ImageSize,
		parameters.NewFromConfigString(config.Model)))
	klog.Infof("Model: %s", model)

	trunk := must.M1(gomlx.NewSGD(model, "/features", config.Momentum))
	head := must.M1(gomlx.NewSGD(model, "/readout", config.Momentum))
	optimizers := train.NewOptimizerGroup(config.LRDecayFactor)
	optimizers.Add(trunk, config.BackboneRate, config.LRDecayEvery)
	optimizers.Add(head, config.LearningRate, config.LRDecayEvery)

	session := train.NewSession(config, model, optimizers, trainData, evalData)
	if *flagResume != "" {
		ckpt := must.M1(train.LoadCheckpoint(*flagResume))
		must.M(session.Resume(ckpt))
		klog.Infof("Resumed from %s: best accuracy so far %.2f%%, %d epochs of history",
			*flagResume, session.BestAccuracy(), len(session.History()))
	}
	if err := session.Run(); err != nil {
		klog.Exitf("Training failed: %+v", err)
	}
}
