package training

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-dti/config"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	// Ranking Metrics
	AUCROC MetricType = iota
	AUCPR             // Average precision, the step-wise area under the precision-recall curve

	// Regression Metrics
	MSE // Mean Squared Error
	PCC // Pearson correlation coefficient
)

func (mt MetricType) String() string {
	switch mt {
	case AUCROC:
		return "auroc"
	case AUCPR:
		return "aupr"
	case MSE:
		return "mse"
	case PCC:
		return "pcc"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// Direction tells whether larger metric values are better
type Direction int

const (
	HigherIsBetter Direction = iota
	LowerIsBetter
)

func (mt MetricType) Direction() Direction {
	if mt == MSE {
		return LowerIsBetter
	}
	return HigherIsBetter
}

// Score orients a metric value so that higher is always better
func (mt MetricType) Score(value float64) float64 {
	if mt.Direction() == LowerIsBetter {
		return -value
	}
	return value
}

// MetricTable lists the active metrics per task mode
var MetricTable = map[config.TaskMode][]MetricType{
	config.Classification: {AUCPR, AUCROC},
	config.Regression:     {MSE, PCC},
}

// ParseMetricName resolves a prefixed name such as "val/aupr" against the
// metrics active for mode
func ParseMetricName(mode config.TaskMode, name string) (MetricType, error) {
	for _, mt := range MetricTable[mode] {
		if name == mt.String() || name == "val/"+mt.String() || name == "test/"+mt.String() {
			return mt, nil
		}
	}
	return 0, fmt.Errorf("metric %q is not active for %s", name, mode)
}

// Accumulator gathers predictions over one evaluation pass. Compute has no
// side effects and may be called repeatedly.
type Accumulator interface {
	Update(predictions, labels []float64) error
	Compute() float64
}

// NewAccumulator creates a fresh accumulator for the metric
func NewAccumulator(mt MetricType) (Accumulator, error) {
	switch mt {
	case AUCROC:
		return &rankingAccumulator{compute: CalculateAUCROC}, nil
	case AUCPR:
		return &rankingAccumulator{compute: CalculateAveragePrecision}, nil
	case MSE:
		return &regressionAccumulator{compute: CalculateMSE}, nil
	case PCC:
		return &regressionAccumulator{compute: CalculatePCC}, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %s", mt)
	}
}

type predictionLog struct {
	predictions []float64
	labels      []float64
}

func (p *predictionLog) add(predictions, labels []float64) error {
	if len(predictions) != len(labels) {
		return fmt.Errorf("got %d predictions for %d labels", len(predictions), len(labels))
	}
	p.predictions = append(p.predictions, predictions...)
	p.labels = append(p.labels, labels...)
	return nil
}

// rankingAccumulator coerces labels to integer classes 0/1
type rankingAccumulator struct {
	predictionLog
	compute func(predictions []float64, labels []int) float64
}

func (a *rankingAccumulator) Update(predictions, labels []float64) error {
	for i, p := range predictions {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return fmt.Errorf("prediction %d is not finite: %g", i, p)
		}
	}
	for i, y := range labels {
		if c := int(y); c != 0 && c != 1 {
			return fmt.Errorf("label %d is not a binary class: %g", i, y)
		}
	}
	return a.add(predictions, labels)
}

func (a *rankingAccumulator) Compute() float64 {
	classes := make([]int, len(a.labels))
	for i, y := range a.labels {
		classes[i] = int(y)
	}
	return a.compute(a.predictions, classes)
}

type regressionAccumulator struct {
	predictionLog
	compute func(predictions, targets []float64) float64
}

func (a *regressionAccumulator) Update(predictions, labels []float64) error {
	return a.add(predictions, labels)
}

func (a *regressionAccumulator) Compute() float64 {
	return a.compute(a.predictions, a.labels)
}

// MetricSet holds one fresh accumulator per active metric
type MetricSet struct {
	types []MetricType
	accs  []Accumulator
}

// NewMetricSet builds the accumulators for a task mode
func NewMetricSet(mode config.TaskMode) (*MetricSet, error) {
	types, ok := MetricTable[mode]
	if !ok {
		return nil, fmt.Errorf("no metrics registered for %s", mode)
	}
	set := &MetricSet{types: types}
	for _, mt := range types {
		acc, err := NewAccumulator(mt)
		if err != nil {
			return nil, err
		}
		set.accs = append(set.accs, acc)
	}
	return set, nil
}

// Update feeds a batch to every accumulator
func (s *MetricSet) Update(predictions, labels []float64) error {
	for i, acc := range s.accs {
		if err := acc.Update(predictions, labels); err != nil {
			return fmt.Errorf("%s: %w", s.types[i], err)
		}
	}
	return nil
}

// Compute returns every metric keyed "<prefix>/<name>"
func (s *MetricSet) Compute(prefix string) map[string]float64 {
	out := make(map[string]float64, len(s.accs))
	for i, acc := range s.accs {
		out[prefix+"/"+s.types[i].String()] = acc.Compute()
	}
	return out
}

func allFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

type scoredLabel struct {
	score float64
	label int
}

// thresholdPoint is the cumulative confusion count after one score threshold
type thresholdPoint struct {
	tp, fp int
}

// rankThresholds sorts by descending score and returns the cumulative counts
// after each group of tied scores
func rankThresholds(predictions []float64, labels []int) (points []thresholdPoint, totalPos, totalNeg int) {
	ranked := make([]scoredLabel, len(predictions))
	for i := range predictions {
		ranked[i] = scoredLabel{score: predictions[i], label: labels[i]}
		if labels[i] == 1 {
			totalPos++
		} else {
			totalNeg++
		}
	}

	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	tp, fp := 0, 0
	for i := 0; i < len(ranked); {
		// every group holds at least ranked[i]
		j := i
		for {
			if ranked[j].label == 1 {
				tp++
			} else {
				fp++
			}
			j++
			if j == len(ranked) || ranked[j].score != ranked[i].score {
				break
			}
		}
		points = append(points, thresholdPoint{tp: tp, fp: fp})
		i = j
	}
	return points, totalPos, totalNeg
}

// CalculateAUCROC calculates Area Under ROC Curve for binary classification.
// Tied scores form a single ROC step. Returns NaN unless both classes are
// present and every score is finite.
func CalculateAUCROC(predictions []float64, trueLabels []int) float64 {
	if len(predictions) != len(trueLabels) || !allFinite(predictions) {
		return math.NaN()
	}
	points, totalPos, totalNeg := rankThresholds(predictions, trueLabels)
	if totalPos == 0 || totalNeg == 0 {
		return math.NaN()
	}

	var auc, prevTPR, prevFPR float64
	for _, pt := range points {
		tpr := float64(pt.tp) / float64(totalPos)
		fpr := float64(pt.fp) / float64(totalNeg)
		auc += (fpr - prevFPR) * (tpr + prevTPR) / 2.0
		prevTPR, prevFPR = tpr, fpr
	}
	return auc
}

// CalculateAveragePrecision computes sum_n (R_n - R_{n-1}) P_n over
// descending score thresholds. Returns NaN unless both classes are present
// and every score is finite.
func CalculateAveragePrecision(predictions []float64, trueLabels []int) float64 {
	if len(predictions) != len(trueLabels) || !allFinite(predictions) {
		return math.NaN()
	}
	points, totalPos, totalNeg := rankThresholds(predictions, trueLabels)
	if totalPos == 0 || totalNeg == 0 {
		return math.NaN()
	}

	var ap, prevRecall float64
	for _, pt := range points {
		recall := float64(pt.tp) / float64(totalPos)
		precision := float64(pt.tp) / float64(pt.tp+pt.fp)
		ap += (recall - prevRecall) * precision
		prevRecall = recall
	}
	return ap
}

// CalculateMSE returns the mean squared error, NaN for an empty pass
func CalculateMSE(predictions, targets []float64) float64 {
	if len(predictions) == 0 || len(predictions) != len(targets) {
		return math.NaN()
	}
	sum := 0.0
	for i, p := range predictions {
		d := p - targets[i]
		sum += d * d
	}
	return sum / float64(len(predictions))
}

// CalculatePCC returns the Pearson correlation; NaN when either side is constant
func CalculatePCC(predictions, targets []float64) float64 {
	if len(predictions) < 2 || len(predictions) != len(targets) {
		return math.NaN()
	}
	return stat.Correlation(predictions, targets, nil)
}
