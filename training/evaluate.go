package training

import (
	"errors"
	"fmt"
	"io"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-dti/config"
	"github.com/tsawler/go-dti/data"
	"github.com/tsawler/go-dti/device"
	"github.com/tsawler/go-dti/model"
)

// SupervisedProvider is the batch source for supervised and evaluation passes
type SupervisedProvider = data.Provider[*data.SupervisedBatch]

// ContrastiveProvider is the batch source for contrastive passes
type ContrastiveProvider = data.Provider[*data.TripletBatch]

// Evaluate runs one inference pass over provider and returns every active
// metric keyed "<prefix>/<metric>". The model is left in eval mode.
func Evaluate(m model.Model, provider SupervisedProvider, mode config.TaskMode, prefix string) (map[string]float64, error) {
	if provider == nil {
		return nil, fmt.Errorf("%s pass has no batch provider", prefix)
	}

	metrics, err := NewMetricSet(mode)
	if err != nil {
		return nil, err
	}

	m.Eval()
	provider.Reset()

	for i := 0; ; i++ {
		batch, err := provider.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s batch %d: %w", prefix, i, err)
		}
		if err := batch.Validate(); err != nil {
			return nil, fmt.Errorf("%s batch %d: %w", prefix, i, err)
		}
		if err := device.Check(m.Device(), batch.Device); err != nil {
			return nil, fmt.Errorf("%s batch %d: %w", prefix, i, err)
		}

		pred, err := m.Forward(batch.Drug, batch.Target)
		if err != nil {
			return nil, fmt.Errorf("%s batch %d: forward failed: %w", prefix, i, err)
		}
		if err := metrics.Update(pred.Out, batch.Labels); err != nil {
			return nil, fmt.Errorf("%s batch %d: %w", prefix, i, err)
		}
		klog.V(2).InfoS("evaluated batch", "pass", prefix, "batch", i, "size", batch.Size())
	}

	return metrics.Compute(prefix), nil
}
