// Package gomlx implements the points-game neural networks on top of GoMLX:
// the masked residual tower ("masked"), the fixed-size declarative tower
// ("tower") and the legacy small tower ("small").
//
// All models share the same contract: a forward pass mapping a batch of
// feature planes to a per-cell move distribution and a position value in
// (-1, 1), a loss graph, and a one-step training executor. The Predictor
// wrapper connects them to the ai.Predictor / ai.Learner interfaces.
package gomlx

import (
	"sync"
	"weak"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/pointsgame/oppai-go/internal/ai"
	"github.com/pointsgame/oppai-go/internal/parameters"
)

// ModelType selects one of the implemented network architectures.
type ModelType int

const (
	ModelNone ModelType = iota
	ModelMaskedTower
	ModelTower
	ModelSmallTower
)

// String returns the configuration key of the model type.
func (t ModelType) String() string {
	switch t {
	case ModelMaskedTower:
		return "masked"
	case ModelTower:
		return "tower"
	case ModelSmallTower:
		return "small"
	default:
		return "none"
	}
}

// ModelTypeValues lists all selectable model types.
func ModelTypeValues() []ModelType {
	return []ModelType{ModelNone, ModelMaskedTower, ModelTower, ModelSmallTower}
}

var (
	// Backend is a singleton, the same for all models.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })

	// muNewExec synchronizes executor creation.
	muNewExec sync.Mutex

	// Cache of predictors: per model type / checkpoint path.
	muPredictorsCache sync.Mutex
	predictorsCache   = make(map[string]map[string]weak.Pointer[ai.Learner])
)

const notSpecified = "#<not_specified>"

// New creates a GoMLX based predictor/learner for the model type selected in
// params. Model types are selected by setting their configuration key to the
// checkpoint directory to load/save from -- an empty value creates a model
// with fresh weights and no checkpointing:
//
//   - "masked": the masked residual tower with global-pooling bias branches.
//   - "tower": the fixed-size declarative residual tower.
//   - "small": the legacy 4-convolution network.
//
// If no known model type is configured, it returns nil, nil.
func New(params parameters.Params) (ai.Learner, error) {
	muPredictorsCache.Lock()
	defer muPredictorsCache.Unlock()

	for _, modelType := range ModelTypeValues() {
		if modelType == ModelNone {
			continue
		}
		key := modelType.String()
		filePath, _ := parameters.PopParamOr(params, key, notSpecified)
		if filePath == notSpecified {
			continue
		}

		// Check cache for previously created predictors.
		cachePerModelType, found := predictorsCache[key]
		if found {
			if weakPtr, found := cachePerModelType[filePath]; found {
				if strongPtr := weakPtr.Value(); strongPtr != nil {
					return *strongPtr, nil
				}
				// Weak predictor has been collected.
				delete(cachePerModelType, filePath)
			}
		} else {
			cachePerModelType = make(map[string]weak.Pointer[ai.Learner])
			predictorsCache[key] = cachePerModelType
		}

		var model Model
		switch modelType {
		case ModelMaskedTower:
			model = NewMaskedTower()
		case ModelTower:
			model = NewTower()
		case ModelSmallTower:
			model = NewSmallTower()
		default:
			return nil, errors.Errorf("model type %s defined but not implemented", modelType)
		}
		var learner ai.Learner
		learner, err := newPredictor(modelType, filePath, model, params)
		if err != nil {
			return nil, err
		}

		cachePerModelType[filePath] = weak.Make(&learner)
		klog.V(1).Infof("Created new predictor %s", learner)
		return learner, nil
	}
	return nil, nil
}

// extractParams and write them as context hyperparameters.
func extractParams(modelName string, params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil {
			// If error happened skip the rest.
			return
		}
		if scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (int) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case float64:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float64) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case float32:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float32) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case bool:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (bool) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		default:
			err = errors.Errorf("model %s parameter %q is of unknown type %T", modelName, key, defaultValue)
		}
	})
	return err
}
