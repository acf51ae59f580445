// Demo trains a GraphSAGE recommender on MovieLens-1M and reports the RMSE
// of the predicted ratings on the held out splits.
//
// All hyperparameters can be set with --set, e.g.:
//
//	go run ./demo --data=~/tmp/movielens --checkpoint=sage \
//	    --set="batch_size=512;sage_state_dim=128;readout=dense"
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/movielens"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/tmp/movielens", "Directory to cache downloaded and generated dataset files.")
	flagCheckpoint = flag.String("checkpoint", "", "Checkpoint directory, relative to --data. If empty no checkpoints are saved.")
	flagSamples    = flag.Int("samples", 10, "Number of sample predictions to print after training. 0 to disable.")
	flagNanLogger  = flag.Bool("nanlogger", false, "Attach a NaN logger to the model, to help debug divergences.")
)

func main() {
	ctx := movielens.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	backend := backends.MustNew()
	fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	if *flagNanLogger {
		movielens.NanLogger = nanlogger.New()
	}

	err := exceptions.TryCatch[error](func() {
		must.M(movielens.Train(backend, ctx, *flagDataDir, *flagCheckpoint, paramsSet))
		if *flagSamples > 0 {
			_, _, _, testEvalDS, err := movielens.MakeDatasets(ctx, *flagDataDir)
			must.M(err)
			must.M(movielens.PrintSamplePredictions(backend, ctx, testEvalDS, *flagSamples))
		}
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
