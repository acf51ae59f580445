package movielens

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/movielens/sage"
	"github.com/gomlx/movielens/sampler"
)

const (
	// ParamBatchSize is the number of labeled (user, movie) pairs per batch.
	ParamBatchSize = "batch_size"

	// ParamFanOut is the maximum number of neighbors sampled per node, per hop.
	ParamFanOut = "fan_out"

	// ParamDepth is the number of sampled hops (and graph convolutions).
	ParamDepth = "depth"

	// ParamTrainEpochs over the training split. Ignored if ParamTrainSteps > 0.
	ParamTrainEpochs = "train_epochs"

	// ParamTrainSteps of training: if > 0 it takes precedence over
	// ParamTrainEpochs, sampling batches with replacement.
	ParamTrainSteps = "train_steps"

	// ParamNumCheckpoints to keep.
	ParamNumCheckpoints = "num_checkpoints"
)

// ParamsExcludedFromSaving are hyperparameters not saved along with model
// checkpoints, so they can be overridden in further training sessions.
var ParamsExcludedFromSaving = []string{
	ParamTrainEpochs, ParamTrainSteps, ParamNumCheckpoints,
}

// NanLogger, if set before training, traces the convolved states of every
// sampling rule to help localize the source of NaNs. See nanlogger.New.
var NanLogger *nanlogger.NanLogger

// CreateDefaultContext with the default hyperparameters for the MovieLens
// recommender.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		ParamBatchSize:      1024,
		ParamFanOut:         10,
		ParamDepth:          2,
		ParamTrainEpochs:    10,
		ParamTrainSteps:     0,
		ParamNumCheckpoints: 3,

		sage.ParamStateDim: 64,
		sage.ParamPooling:  "mean",
		ParamReadout:       "dot",

		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    1e-3,
		optimizers.ParamAdamEpsilon:     1e-7,
		cosineschedule.ParamPeriodSteps: 0,
		activations.ParamActivation:     "leaky_relu",
		layers.ParamDropoutRate:         0.0,
	})
	return ctx
}

// Train the recommender with the hyperparameters in ctx, storing dataset
// files and (if checkpointPath != "") checkpoints under baseDir.
//
// It validates once per epoch on the validation split and aborts training
// with an error if the validation RMSE diverges (NaN or infinite). At the
// end it reports the evaluation metrics on all three splits.
func Train(backend backends.Backend, ctx *context.Context, baseDir, checkpointPath string, paramsSet []string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	trainDS, trainEvalDS, validEvalDS, testEvalDS, err := MakeDatasets(ctx, baseDir)
	if err != nil {
		return err
	}
	UploadFeatureVariables(ctx)

	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpoints := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
		checkpoint, err = checkpoints.Build(ctx).
			DirFromBase(checkpointPath, baseDir).
			Keep(numCheckpoints).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			ExcludeVars(FrozenVariables(ctx)...).
			Done()
		if err != nil {
			return errors.WithMessage(err, "while setting up checkpointing")
		}
		klog.V(1).Infof("checkpointing to %q", checkpoint.Dir())
	}

	trainer := newTrainer(backend, ctx)
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	if checkpoint != nil {
		train.PeriodicCallback(loop, 3*time.Minute, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Per-epoch validation: training is aborted if the RMSE diverges.
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 1024)
	stepsPerEpoch := (TrainSplit.NumEdges() + batchSize - 1) / batchSize
	train.EveryNSteps(loop, stepsPerEpoch, "validation", 100,
		func(loop *train.Loop, metrics []*tensors.Tensor) error {
			rmse, err := Evaluate(backend, ctx, validEvalDS)
			if err != nil {
				return err
			}
			klog.Infof("validation RMSE at step %d: %.4f", loop.LoopStep, rmse)
			return nil
		})

	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		klog.Infof("resuming training from global step %d", globalStep)
		trainer.SetContext(ctx.Reuse())
	}
	trainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
	if trainSteps > 0 {
		if globalStep < trainSteps {
			_, err = loop.RunSteps(datasets.Parallel(trainDS.WithReplacement()), trainSteps-globalStep)
		}
	} else {
		trainEpochs := context.GetParamOr(ctx, ParamTrainEpochs, 10)
		_, err = loop.RunEpochs(datasets.Parallel(trainDS.Shuffle()), trainEpochs)
	}
	if err != nil {
		return errors.WithMessage(err, "while running the training loop")
	}
	if checkpoint != nil {
		if err = checkpoint.Save(); err != nil {
			return errors.WithMessage(err, "while saving the final checkpoint")
		}
	}

	err = commandline.ReportEval(trainer,
		datasets.Parallel(trainEvalDS), datasets.Parallel(validEvalDS), datasets.Parallel(testEvalDS))
	if err != nil {
		return errors.WithMessage(err, "while reporting the final evaluation")
	}
	testRMSE, err := Evaluate(backend, ctx, testEvalDS)
	if err != nil {
		return err
	}
	fmt.Printf("Test RMSE: %.4f\n", testRMSE)
	return nil
}

// newTrainer for the recommender model: mean squared error loss, with a
// moving average of the MSE during training and mean MSE / MAE on
// evaluations.
func newTrainer(backend backends.Backend, ctx *context.Context) *train.Trainer {
	movingMSE := metrics.NewExponentialMovingAverageMetric(
		"Moving Average MSE", "~mse", "mse", mseMetricGraph, nil, 0.01)
	meanMSE := metrics.NewMeanMetric(
		"Mean Squared Error", "#mse", "mse", mseMetricGraph, nil)
	meanMAE := metrics.NewMeanMetric(
		"Mean Absolute Error", "#mae", "mae", maeMetricGraph, nil)
	trainer := train.NewTrainer(backend, ctx, RecommenderModelGraph,
		losses.MeanSquaredError,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingMSE},
		[]metrics.Interface{meanMSE, meanMAE})
	if NanLogger != nil {
		trainer.OnExecCreation(func(exec *context.Exec, _ train.GraphType) {
			NanLogger.AttachToExec(exec)
		})
	}
	return trainer
}

// mseMetricGraph reuses the loss as a metric, which already handles the
// batch padding mask given in labels[1].
func mseMetricGraph(ctx *context.Context, labels, predictions []*Node) *Node {
	return losses.MeanSquaredError(labels, predictions)
}

// maeMetricGraph computes the mean absolute error over the valid (unpadded)
// examples of the batch.
func maeMetricGraph(ctx *context.Context, labels, predictions []*Node) *Node {
	ratings, mask := labels[0], labels[1]
	absDiff := Abs(Sub(ratings, predictions[0]))
	sum := MaskedReduceAllSum(absDiff, mask)
	count := ReduceAllSum(ConvertDType(mask, absDiff.DType()))
	return Div(sum, MaxScalar(count, 1))
}

// Evaluate returns the exact root mean squared error of the model over the
// given dataset, or an error if it diverged (NaN or infinite).
//
// The squared errors are summed per batch on the accelerator and the mean
// and root taken in Go, so padded batches don't skew the result.
func Evaluate(backend backends.Backend, ctx *context.Context, ds train.Dataset) (float64, error) {
	ds.Reset()
	ctxEval := ctx.Reuse()
	var exec *context.Exec
	var sumSquares, count float64
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		if len(labels) != 2 {
			return 0, errors.Errorf("evaluation dataset must yield labels and their mask, got %d tensors", len(labels))
		}
		if exec == nil {
			strategy := spec.(*sampler.Strategy)
			exec = context.MustNewExec(backend, ctxEval,
				func(ctx *context.Context, all []*Node) (*Node, *Node) {
					numInputs := len(all) - 2
					ratings, mask := all[numInputs], all[numInputs+1]
					predictions := RecommenderModelGraph(ctx, strategy, all[:numInputs])[0]
					squares := Square(Sub(ratings, predictions))
					batchSum := MaskedReduceAllSum(squares, mask)
					batchCount := ReduceAllSum(ConvertDType(mask, dtypes.Float32))
					return batchSum, batchCount
				})
			if NanLogger != nil {
				NanLogger.AttachToExec(exec)
			}
		}
		args := make([]any, 0, len(inputs)+2)
		for _, input := range inputs {
			args = append(args, input)
		}
		args = append(args, labels[0], labels[1])
		results := exec.Call(args...)
		sumSquares += float64(tensors.ToScalar[float32](results[0]))
		count += float64(tensors.ToScalar[float32](results[1]))
	}
	if count == 0 {
		return 0, errors.New("evaluation dataset yielded no valid examples")
	}
	rmse := math.Sqrt(sumSquares / count)
	if math.IsNaN(rmse) || math.IsInf(rmse, 0) {
		return 0, errors.Errorf("evaluation RMSE diverged to %v", rmse)
	}
	return rmse, nil
}

var sampleStyle = lipgloss.NewStyle().
	Border(lipgloss.NormalBorder()).
	Padding(0, 2, 0, 2)

// PrintSamplePredictions prints up to n predicted ratings from the first
// batch of the dataset, next to the actual ratings.
func PrintSamplePredictions(backend backends.Backend, ctx *context.Context, ds train.Dataset, n int) error {
	ds.Reset()
	spec, inputs, labels, err := ds.Yield()
	if err != nil {
		return err
	}
	strategy := spec.(*sampler.Strategy)
	exec := context.MustNewExec(backend, ctx.Reuse(),
		func(ctx *context.Context, all []*Node) *Node {
			return RecommenderModelGraph(ctx, strategy, all)[0]
		})
	args := make([]any, 0, len(inputs))
	for _, input := range inputs {
		args = append(args, input)
	}
	predicted := tensors.MustCopyFlatData[float32](exec.Call(args...)[0])

	// The seed tensors are interleaved with their hop tensors in the flat
	// inputs list, so map them back by rule name.
	states, _ := sampler.MapInputsToStates(strategy, inputs)
	users := tensors.MustCopyFlatData[int32](states[strategy.Seeds[0].Name].Value)
	movies := tensors.MustCopyFlatData[int32](states[strategy.Seeds[1].Name].Value)
	ratings := tensors.MustCopyFlatData[float32](labels[0])
	mask := tensors.MustCopyFlatData[bool](labels[1])

	var lines string
	for row := 0; row < len(users) && row < n; row++ {
		if !mask[row] {
			continue
		}
		title := fmt.Sprintf("movie node %d", movies[row])
		if movieIdx := int(movies[row]) - NumUsers; movieIdx >= 0 && movieIdx < len(MovieTitles) {
			title = MovieTitles[movieIdx]
		}
		lines += fmt.Sprintf("user %4d on %-40s rated %.0f, predicted %.2f\n",
			users[row], title, ratings[row], predicted[row])
	}
	fmt.Println(sampleStyle.Render(lines))
	return nil
}
