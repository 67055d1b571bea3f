// zero trains and probes the points-game networks on random self-play.
//
// The model is selected with -ai, using the model type's configuration key,
// e.g.:
//
//	zero -ai "masked=/tmp/oppai_masked,learning_rate=0.0001" -train_steps 1000
//	zero -ai "small,num_channels=64" -width 20 -height 20
//	zero -ai "masked=help"  # lists the model's hyperparameters.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/pointsgame/oppai-go/internal/ai"
	aigomlx "github.com/pointsgame/oppai-go/internal/ai/gomlx"
	"github.com/pointsgame/oppai-go/internal/field"
	"github.com/pointsgame/oppai-go/internal/generics"
	"github.com/pointsgame/oppai-go/internal/parameters"
	"github.com/pointsgame/oppai-go/internal/profilers"
)

var (
	flagAIConfig = flag.String("ai", "masked", "Configuration of the model to use: the model type key "+
		"(\"masked\", \"tower\" or \"small\"), optionally set to a checkpoint directory, followed by "+
		"comma-separated hyperparameters. E.g.: \"masked=/tmp/model,learning_rate=0.0001\".")
	flagWidth      = flag.Int("width", 20, "Field width to play on.")
	flagHeight     = flag.Int("height", 20, "Field height to play on.")
	flagTrainSteps = flag.Int("train_steps", 0, "Number of training steps on random self-play batches. "+
		"If 0 only a prediction demo is run.")
	flagMoves = flag.Int("moves", 60, "Number of random moves per self-play game.")
	flagSeed  = flag.Int64("seed", 0, "Seed for the random move generator. 0 means use the current time.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	globalCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	profilers.Setup(globalCtx)
	defer profilers.OnQuit()

	learner := must.M1(createLearner(*flagAIConfig))
	fmt.Printf("Model: %s\n", learner)

	seed := *flagSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	if *flagTrainSteps > 0 {
		train(globalCtx, learner, rng)
		must.M(learner.Save())
	}
	demo(learner, rng)
}

func createLearner(config string) (ai.Learner, error) {
	if config == "" {
		return nil, errors.New("must select a model with -ai")
	}
	params := parameters.NewFromConfigString(config)
	learner, err := aigomlx.New(params)
	if err != nil {
		return nil, err
	}
	if learner == nil {
		return nil, errors.Errorf("no model type selected in -ai=%q, use \"masked\", \"tower\" or \"small\"", config)
	}
	for key, value := range generics.SortedKeysAndValues(params) {
		klog.Warningf("Configuration %s=%q not used by model %s", key, value, learner)
	}
	return learner, nil
}

// example is one training data point: a position with the player to move, the
// move actually played and, filled in once the game ends, the final outcome.
type example struct {
	field  *field.Field
	player field.Player
	policy []float32
	value  float32
}

// playRandomGame plays uniformly random moves and returns one example per
// move, labeled with the game's final outcome from the mover's point of view.
func playRandomGame(rng *rand.Rand, width, height, moves int) []example {
	f := field.MustNew(width, height)
	examples := make([]example, 0, moves)
	player := field.Red
	for range moves {
		var free []int
		for y := range height {
			for x := range width {
				if f.IsPuttingAllowed(x, y) {
					free = append(free, y*width+x)
				}
			}
		}
		if len(free) == 0 {
			break
		}
		move := free[rng.Intn(len(free))]
		policy := make([]float32, width*height)
		policy[move] = 1
		examples = append(examples, example{field: f.Clone(), player: player, policy: policy})
		must.M(f.PutPoint(move%width, move/width, player))
		player = player.Next()
	}
	for i := range examples {
		examples[i].value = ai.TargetValue(f.Score(examples[i].player))
	}
	return examples
}

// train runs -train_steps optimizer steps, each on a fresh batch of random
// self-play examples. It stops early when ctx is cancelled.
func train(ctx context.Context, learner ai.Learner, rng *rand.Rand) {
	batchSize := learner.BatchSize()
	var pool []example
	for step := range *flagTrainSteps {
		if ctx.Err() != nil {
			klog.Infof("Training interrupted at step %d", step)
			return
		}
		// Batches hold positions with the same player to move.
		var batch []example
		for len(batch) < batchSize {
			if len(pool) == 0 {
				pool = playRandomGame(rng, *flagWidth, *flagHeight, *flagMoves)
			}
			for _, ex := range pool {
				if ex.player == field.Red && len(batch) < batchSize {
					batch = append(batch, ex)
				}
			}
			pool = nil
		}
		fields := make([]*field.Field, len(batch))
		policies := make([][]float32, len(batch))
		values := make([]float32, len(batch))
		for i, ex := range batch {
			fields[i] = ex.field
			policies[i] = ex.policy
			values[i] = ex.value
		}
		loss := learner.Learn(fields, field.Red, policies, values)
		if step%100 == 0 || step == *flagTrainSteps-1 {
			fmt.Printf("Step %d: loss=%.5f\n", step, loss)
		}
	}
}

// demo plays a few random moves and prints the model's favorite continuations
// and the position value.
func demo(learner ai.Learner, rng *rand.Rand) {
	width, height := *flagWidth, *flagHeight
	f := field.MustNew(width, height)
	for range 8 {
		x, y := rng.Intn(width), rng.Intn(height)
		if f.IsPuttingAllowed(x, y) {
			must.M(f.PutPoint(x, y, field.Red))
		}
		x, y = rng.Intn(width), rng.Intn(height)
		if f.IsPuttingAllowed(x, y) {
			must.M(f.PutPoint(x, y, field.Black))
		}
	}

	policies, values := learner.Predict([]*field.Field{f}, field.Red)
	policy := policies[0]
	order := make([]int, len(policy))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return policy[order[a]] > policy[order[b]] })

	fmt.Printf("Position after %d moves, red to move: value=%.4f\n", f.MoveCount(), values[0])
	fmt.Println("Top moves:")
	for _, i := range order[:5] {
		fmt.Printf("\t(%d, %d): %.4f\n", i%width, i/width, policy[i])
	}
}
